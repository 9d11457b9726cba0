package audit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

var (
	eventsBucket = []byte("events")
	metaBucket   = []byte("meta")
	chainTipKey  = []byte("chain_tip")
)

// ErrChainConflict means the stored chain tip is not the one the event was
// chained to.
var ErrChainConflict = errors.New("audit chain tip moved")

// Repository persists the chain. AppendWithTip stores event and advances the
// tip to event.EventHash only if the current tip equals event.PrevHash.
type Repository interface {
	ChainTip(ctx context.Context) (string, error)
	AppendWithTip(ctx context.Context, event *RecordedEvent) error
	List(ctx context.Context, filter Filter) ([]RecordedEvent, error)
}

// BoltStore keeps the trail in its own bbolt file, outside the database it
// audits, so a restore cannot rewind it.
type BoltStore struct {
	db *bolt.DB
}

func OpenStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open audit store: create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open audit store: create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) ChainTip(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var tip string
	err := s.db.View(func(tx *bolt.Tx) error {
		tip = string(tx.Bucket(metaBucket).Get(chainTipKey))
		return nil
	})
	return tip, err
}

func (s *BoltStore) AppendWithTip(ctx context.Context, event *RecordedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if tip := string(meta.Get(chainTipKey)); tip != event.PrevHash {
			return fmt.Errorf("%w: stored %q, event chained to %q", ErrChainConflict, tip, event.PrevHash)
		}

		events := tx.Bucket(eventsBucket)
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
		if err := events.Put(sequenceKey(seq), raw); err != nil {
			return err
		}
		return meta.Put(chainTipKey, []byte(event.EventHash))
	})
}

// List returns matching events in append order.
func (s *BoltStore) List(ctx context.Context, filter Filter) ([]RecordedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []RecordedEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(k, v []byte) error {
			var event RecordedEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("decode audit event %x: %w", k, err)
			}
			if filter.matches(event) {
				out = append(out, event)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (f Filter) matches(e RecordedEvent) bool {
	switch {
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.TargetID != "" && e.TargetID != f.TargetID:
		return false
	case f.Since != nil && e.Timestamp.Before(*f.Since):
		return false
	case f.Until != nil && e.Timestamp.After(*f.Until):
		return false
	}
	return true
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
