package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/metrics"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/pool"
)

// Acquirer lends connections. *pool.Pool implements it.
type Acquirer interface {
	Acquire(ctx context.Context) (*pool.Conn, error)
	Release(conn *pool.Conn) error
}

// Row holds one result row's column values in select order.
type Row []any

type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Executor runs statements on pooled connections. Every method holds exactly
// one connection for its duration and returns it on every exit path,
// including a panic inside the driver or a Transaction callback.
//
// Values are always bound positionally with ? placeholders.
type Executor struct {
	conns Acquirer
}

func NewExecutor(conns Acquirer) *Executor {
	return &Executor{conns: conns}
}

// ExecuteNonQuery runs stmt in its own transaction.
func (e *Executor) ExecuteNonQuery(ctx context.Context, stmt string, args ...any) (Result, error) {
	var res Result
	err := e.withConn(ctx, "exec", func(conn *sql.Conn) error {
		return inTx(ctx, conn, func(tx *sql.Tx) error {
			out, err := tx.ExecContext(ctx, stmt, args...)
			if err != nil {
				return err
			}
			res.RowsAffected, _ = out.RowsAffected()
			res.LastInsertID, _ = out.LastInsertId()
			return nil
		})
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// FetchOne returns the first row of the result, or ErrNotFound.
func (e *Executor) FetchOne(ctx context.Context, stmt string, args ...any) (Row, error) {
	var row Row
	err := e.withConn(ctx, "fetch_one", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrQueryFailed, err)
		}
		defer rows.Close()

		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrQueryFailed, err)
			}
			return ErrNotFound
		}
		row, err = scanRow(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// FetchAll materializes every row of the result before returning.
func (e *Executor) FetchAll(ctx context.Context, stmt string, args ...any) ([]Row, error) {
	var out []Row
	err := e.withConn(ctx, "fetch_all", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrQueryFailed, err)
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanRow(rows)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrQueryFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// Transaction runs fn inside one transaction on one connection. Statements
// issued through tx are ordered; fn returning an error rolls back.
func (e *Executor) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.withConn(ctx, "tx", func(conn *sql.Conn) error {
		return inTx(ctx, conn, fn)
	})
}

func (e *Executor) withConn(ctx context.Context, kind string, fn func(conn *sql.Conn) error) (err error) {
	started := time.Now()
	conn, err := e.conns.Acquire(ctx)
	if err != nil {
		metrics.RecordQuery(kind, started, err)
		return err
	}
	defer func() {
		if releaseErr := e.conns.Release(conn); releaseErr != nil && err == nil {
			err = releaseErr
		}
		metrics.RecordQuery(kind, started, err)
	}()

	return fn(conn.Raw())
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrQueryFailed, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrQueryFailed, err)
	}
	committed = true
	return nil
}

func scanRow(rows *sql.Rows) (Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: columns: %w", ErrQueryFailed, err)
	}
	values := make(Row, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrQueryFailed, err)
	}
	return values, nil
}
