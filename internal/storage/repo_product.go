package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	Quantity   int64     `json:"quantity"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type StockMovement struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Products is the inventory repository used by the CLI.
type Products struct {
	exec *Executor
}

func NewProducts(exec *Executor) *Products {
	return &Products{exec: exec}
}

const productColumns = `id, sku, name, price_cents, quantity, created_at, updated_at`

// Create inserts p and records its opening quantity as a stock movement.
func (r *Products) Create(ctx context.Context, p *Product) error {
	if p == nil {
		return fmt.Errorf("create product: nil product")
	}
	if p.SKU == "" || p.Name == "" {
		return fmt.Errorf("create product: sku and name are required")
	}
	if p.Quantity < 0 {
		return fmt.Errorf("create product: %w: opening quantity %d", ErrInsufficientQty, p.Quantity)
	}

	now := nowUTC()
	p.ID = ensureID(p.ID)
	p.CreatedAt = now
	p.UpdatedAt = now

	err := r.exec.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO products(`+productColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SKU, p.Name, p.PriceCents, p.Quantity, fmtTime(now), fmtTime(now),
		); err != nil {
			return err
		}
		if p.Quantity == 0 {
			return nil
		}
		return insertMovement(ctx, tx, p.ID, p.Quantity, "opening stock", now)
	})
	if err != nil {
		return fmt.Errorf("create product %s: %w", p.SKU, err)
	}
	return nil
}

func (r *Products) GetBySKU(ctx context.Context, sku string) (*Product, error) {
	row, err := r.exec.FetchOne(ctx, `SELECT `+productColumns+` FROM products WHERE sku = ?`, sku)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", sku, err)
	}
	return productFromRow(row)
}

func (r *Products) List(ctx context.Context) ([]Product, error) {
	rows, err := r.exec.FetchAll(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]Product, 0, len(rows))
	for _, row := range rows {
		p, err := productFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// AdjustStock changes the quantity on hand by delta and records the
// movement in the same transaction. A result below zero is refused with
// ErrInsufficientQty and nothing is written.
func (r *Products) AdjustStock(ctx context.Context, sku string, delta int64, reason string) (*Product, error) {
	if delta == 0 {
		return r.GetBySKU(ctx, sku)
	}

	var (
		id  string
		qty int64
	)
	now := nowUTC()
	err := r.exec.Transaction(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT id, quantity FROM products WHERE sku = ?`, sku).Scan(&id, &qty); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if qty+delta < 0 {
			return fmt.Errorf("%w: %d on hand, %d requested", ErrInsufficientQty, qty, -delta)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE products SET quantity = quantity + ?, updated_at = ? WHERE id = ?`, delta, fmtTime(now), id); err != nil {
			return err
		}
		return insertMovement(ctx, tx, id, delta, reason, now)
	})
	if err != nil {
		return nil, fmt.Errorf("adjust stock %s: %w", sku, err)
	}
	return r.GetBySKU(ctx, sku)
}

func (r *Products) Movements(ctx context.Context, sku string) ([]StockMovement, error) {
	rows, err := r.exec.FetchAll(ctx, `
		SELECT m.id, m.product_id, m.delta, m.reason, m.created_at
		FROM stock_movements m
		JOIN products p ON p.id = m.product_id
		WHERE p.sku = ?
		ORDER BY m.created_at, m.rowid`, sku)
	if err != nil {
		return nil, fmt.Errorf("list stock movements %s: %w", sku, err)
	}

	out := make([]StockMovement, 0, len(rows))
	for _, row := range rows {
		created, err := parseTime(row.String(4))
		if err != nil {
			return nil, err
		}
		out = append(out, StockMovement{
			ID:        row.String(0),
			ProductID: row.String(1),
			Delta:     row.Int64(2),
			Reason:    row.String(3),
			CreatedAt: created,
		})
	}
	return out, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, productID string, delta int64, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO stock_movements(id, product_id, delta, reason, created_at) VALUES(?, ?, ?, ?, ?)`,
		ensureID(""), productID, delta, reason, fmtTime(at),
	)
	return err
}

func productFromRow(row Row) (*Product, error) {
	created, err := parseTime(row.String(5))
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(row.String(6))
	if err != nil {
		return nil, err
	}
	return &Product{
		ID:         row.String(0),
		SKU:        row.String(1),
		Name:       row.String(2),
		PriceCents: row.Int64(3),
		Quantity:   row.Int64(4),
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}
