package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

var archivesBucket = []byte("archives")

// Entry describes one archive written by this host. The archive file stays
// the source of truth; the catalog only saves scanning and decrypting.
type Entry struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	Digest    string    `json:"digest"`
	KDF       string    `json:"kdf"`
	Snapshot  string    `json:"snapshot"`
}

// Catalog is a bbolt index of written archives keyed by entry ID.
type Catalog struct {
	db *bolt.DB
}

func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(archivesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Record(e Entry) error {
	if e.ID == "" {
		return errors.New("catalog entry has no id")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode catalog entry: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(archivesBucket).Put([]byte(e.ID), raw)
	})
}

func (c *Catalog) Get(id string) (Entry, error) {
	var e Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(archivesBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
		}
		return json.Unmarshal(raw, &e)
	})
	return e, err
}

// List returns all entries, oldest first.
func (c *Catalog) List() ([]Entry, error) {
	entries := []Entry{}
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(archivesBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode catalog entry %s: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (c *Catalog) Remove(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(archivesBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
