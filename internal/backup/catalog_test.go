package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCatalogRecordListRemove(t *testing.T) {
	c := openTestCatalog(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, c.Record(Entry{
			ID:        id,
			Path:      "/archives/" + id + ArchiveExt,
			CreatedAt: base.Add(time.Duration(2-i) * time.Hour),
		}))
	}

	entries, err := c.List()
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "c"}, entryIDs(entries))

	got, err := c.Get("a")
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(base.Add(time.Hour)))

	require.NoError(t, c.Remove("a"))
	_, err = c.Get("a")
	require.ErrorIs(t, err, ErrCatalogNotFound)
	require.ErrorIs(t, c.Remove("a"), ErrCatalogNotFound)
	require.Error(t, c.Record(Entry{}))
}

func TestCatalogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := OpenCatalog(path)
	require.NoError(t, err)
	require.NoError(t, c.Record(Entry{ID: "x", Digest: "abc"}))
	require.NoError(t, c.Close())

	c, err = OpenCatalog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	got, err := c.Get("x")
	require.NoError(t, err)
	require.Equal(t, "abc", got.Digest)
}

func TestSelectForRemoval(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	entries := []Entry{
		{ID: "d40", CreatedAt: now.Add(-40 * 24 * time.Hour)},
		{ID: "d20", CreatedAt: now.Add(-20 * 24 * time.Hour)},
		{ID: "d10", CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{ID: "d1", CreatedAt: now.Add(-24 * time.Hour)},
	}

	tests := []struct {
		name   string
		policy RetentionPolicy
		want   []string
	}{
		{name: "disabled", policy: RetentionPolicy{}, want: nil},
		{name: "keep-two", policy: RetentionPolicy{Keep: 2}, want: []string{"d20", "d40"}},
		{name: "max-age", policy: RetentionPolicy{MaxAge: 15 * 24 * time.Hour}, want: []string{"d20", "d40"}},
		{name: "both", policy: RetentionPolicy{Keep: 3, MaxAge: 30 * 24 * time.Hour}, want: []string{"d40"}},
		{name: "newest-survives-age", policy: RetentionPolicy{MaxAge: time.Hour}, want: []string{"d10", "d20", "d40"}},
		{name: "keep-one", policy: RetentionPolicy{Keep: 1}, want: []string{"d10", "d20", "d40"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectForRemoval(entries, tt.policy, now)
			if tt.want == nil {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tt.want, entryIDs(got))
		})
	}
}

func TestPruneRemovesFilesAndEntries(t *testing.T) {
	clock := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	catalog := openTestCatalog(t)
	svc := newTestService(t, Options{
		Catalog: catalog,
		Now:     func() time.Time { return clock },
	})
	src := newSmokeDB(t)

	var archives []string
	for i := 0; i < 3; i++ {
		path, err := svc.Backup(t.Context(), src, nil)
		require.NoError(t, err)
		archives = append(archives, path)
		clock = clock.Add(time.Hour)
	}
	// Already gone on disk; prune must still drop it from the catalog.
	require.NoError(t, os.Remove(archives[0]))

	result, err := catalog.Prune(RetentionPolicy{Keep: 1}, clock)
	require.NoError(t, err)
	require.Len(t, result.Removed, 2)
	require.Equal(t, 1, result.Kept)

	require.NoFileExists(t, archives[1])
	require.FileExists(t, archives[2])
	entries, err := catalog.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, archives[2], entries[0].Path)
}

func TestPruneRejectsNegativePolicy(t *testing.T) {
	_, err := openTestCatalog(t).Prune(RetentionPolicy{Keep: -1}, time.Now())
	require.Error(t, err)
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}
