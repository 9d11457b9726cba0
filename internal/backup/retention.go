package backup

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// RetentionPolicy bounds the archives kept in the catalog. Zero values
// disable the matching rule.
type RetentionPolicy struct {
	// Keep is the maximum number of archives retained.
	Keep int
	// MaxAge removes archives older than this, except the newest one.
	MaxAge time.Duration
}

func (p RetentionPolicy) Validate() error {
	if p.Keep < 0 || p.MaxAge < 0 {
		return fmt.Errorf("retention policy must not be negative")
	}
	return nil
}

// PruneResult lists what Prune removed.
type PruneResult struct {
	Removed []Entry
	Kept    int
}

// Prune deletes catalogued archives that fall outside policy as of now. The
// newest archive is never removed. Files already missing on disk are dropped
// from the catalog without error.
func (c *Catalog) Prune(policy RetentionPolicy, now time.Time) (PruneResult, error) {
	if err := policy.Validate(); err != nil {
		return PruneResult{}, fmt.Errorf("prune: %w", err)
	}

	entries, err := c.List()
	if err != nil {
		return PruneResult{}, err
	}

	remove := selectForRemoval(entries, policy, now)
	result := PruneResult{Kept: len(entries) - len(remove)}
	for _, e := range remove {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, fmt.Errorf("%w: remove %s: %v", ErrBackupIO, e.Path, err)
		}
		if err := c.Remove(e.ID); err != nil {
			return result, err
		}
		result.Removed = append(result.Removed, e)
	}
	return result, nil
}

// selectForRemoval walks entries (oldest first) from the newest end.
func selectForRemoval(entries []Entry, policy RetentionPolicy, now time.Time) []Entry {
	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = now.Add(-policy.MaxAge)
	}

	var remove []Entry
	rank := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		rank++
		if rank == 1 {
			continue
		}
		overCount := policy.Keep > 0 && rank > policy.Keep
		tooOld := !cutoff.IsZero() && e.CreatedAt.Before(cutoff)
		if overCount || tooOld {
			remove = append(remove, e)
		}
	}
	return remove
}
