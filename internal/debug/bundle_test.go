package debug

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestWriteBundleWritesJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "bundle.json")
	bundle := NewBundle(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	bundle.Version = map[string]any{"version": "1.2.3"}
	bundle.Database = map[string]any{"pool_size": 4}
	bundle.AddCheck("schema", "v2", nil)

	require.NoError(t, WriteBundle(path, bundle))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Bundle
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, bundle.GOOS, decoded.GOOS)
	require.Equal(t, "2026-03-01T12:00:00Z", decoded.GeneratedAt)
	require.Equal(t, "1.2.3", decoded.Version["version"])
	require.Equal(t, []Check{{Name: "schema", OK: true, Message: "v2"}}, decoded.Checks)
}

func TestWriteBundleRequiresOutputPath(t *testing.T) {
	t.Parallel()

	err := WriteBundle("", NewBundle(time.Now()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "output path is required")
}

func TestHealthyTracksFailedChecks(t *testing.T) {
	t.Parallel()

	bundle := NewBundle(time.Now())
	require.True(t, bundle.Healthy())

	bundle.AddCheck("database", "integrity ok", nil)
	require.True(t, bundle.Healthy())

	bundle.AddCheck("backup_dir", "writable", errors.New("permission denied"))
	require.False(t, bundle.Healthy())
	require.Equal(t, "permission denied", bundle.Checks[1].Message)
}
