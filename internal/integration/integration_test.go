//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

var (
	repoRoot         string
	integrationBin   string
	integrationCache string
)

func TestMain(m *testing.M) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Fprintln(os.Stderr, "integration: resolve current file")
		os.Exit(1)
	}
	repoRoot = filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))

	tmpDir, err := os.MkdirTemp(repoRoot, ".integration-bin-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration: create temp dir: %v\n", err)
		os.Exit(1)
	}

	integrationCache = filepath.Join(tmpDir, "gocache")
	if err := os.MkdirAll(integrationCache, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "integration: create gocache: %v\n", err)
		os.Exit(1)
	}

	integrationBin = filepath.Join(tmpDir, "joumla")
	buildCmd := exec.Command("go", "build", "-o", integrationBin, "./cmd/joumla")
	buildCmd.Dir = repoRoot
	buildCmd.Env = append(os.Environ(), "GOCACHE="+integrationCache)
	if output, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "integration: build cli: %v\n%s\n", err, string(output))
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type cliHarness struct {
	home    string
	dbPath  string
	config  string
	keyFile string
}

type cliResult struct {
	output   string
	exitCode int
	err      error
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()

	base, err := os.MkdirTemp(repoRoot, ".integration-run-")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = os.RemoveAll(base)
	})

	return &cliHarness{
		home:    filepath.Join(base, "home"),
		dbPath:  filepath.Join(base, "home", "shop.db"),
		config:  filepath.Join(base, "home", "config.toml"),
		keyFile: filepath.Join(base, "home", "archive.key"),
	}
}

func (h *cliHarness) env() []string {
	return []string{
		"JOUMLA_HOME=" + h.home,
		"JOUMLA_DB_PATH=" + h.dbPath,
		"JOUMLA_CONFIG_PATH=" + h.config,
		"JOUMLA_POLICY_FILE=" + filepath.Join(h.home, "policy.toml"),
		"JOUMLA_KEY_FILE=" + h.keyFile,
		"JOUMLA_LOG_LEVEL=error",
		"GOCACHE=" + integrationCache,
	}
}

func (h *cliHarness) run(timeout time.Duration, args ...string) cliResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, integrationBin, args...)
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(), h.env()...)
	output, err := cmd.CombinedOutput()

	res := cliResult{
		output: strings.TrimSpace(string(output)),
		err:    err,
	}
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		return res
	}
	res.exitCode = -1
	if ctx.Err() != nil {
		res.output = strings.TrimSpace(string(output) + "\n" + ctx.Err().Error())
	}
	return res
}

func requireSuccess(t *testing.T, res cliResult, command ...string) string {
	t.Helper()
	require.NoError(t, res.err, "command failed: %s\noutput:\n%s", strings.Join(command, " "), res.output)
	require.Equal(t, 0, res.exitCode)
	return res.output
}

func requireExit(t *testing.T, res cliResult, code int, command ...string) string {
	t.Helper()
	require.Error(t, res.err, "command unexpectedly succeeded: %s\noutput:\n%s", strings.Join(command, " "), res.output)
	require.Equal(t, code, res.exitCode, "output:\n%s", res.output)
	return res.output
}

func (h *cliHarness) createBackup(t *testing.T) string {
	t.Helper()
	out := requireSuccess(t, h.run(30*time.Second, "--json", "backup", "create"), "backup create")
	var created struct {
		Archive string `json:"archive"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	return created.Archive
}

func TestIntegrationBackupRestoresOnAnotherInstall(t *testing.T) {
	source := newHarness(t)
	requireSuccess(t, source.run(30*time.Second, "init", "--generate-key", source.keyFile), "init")
	requireSuccess(t, source.run(10*time.Second, "product", "add", "--sku", "TEA-1", "--name", "Mint tea", "--quantity", "12"), "product add")
	archive := source.createBackup(t)

	target := newHarness(t)
	target.keyFile = source.keyFile
	requireSuccess(t, target.run(30*time.Second, "init"), "init")
	requireSuccess(t, target.run(30*time.Second, "--yes", "backup", "restore", archive), "backup restore")

	out := requireSuccess(t, target.run(10*time.Second, "product", "list"), "product list")
	require.Contains(t, out, "TEA-1")
	require.Contains(t, out, "qty=12")
}

func TestIntegrationExitCodes(t *testing.T) {
	h := newHarness(t)
	requireSuccess(t, h.run(30*time.Second, "init", "--generate-key", h.keyFile), "init")
	archive := h.createBackup(t)

	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(archive, data, 0o600))

	out := requireExit(t, h.run(30*time.Second, "backup", "verify", archive), 5, "backup verify")
	require.Contains(t, out, "joumla:")

	requireExit(t, h.run(10*time.Second, "query", "--one", "SELECT 1 WHERE 0"), 3, "query --one")
	requireExit(t, h.run(10*time.Second, "backup", "restore", archive), 2, "backup restore without --yes")
}

func TestIntegrationConcurrentProcessesShareDatabase(t *testing.T) {
	h := newHarness(t)
	requireSuccess(t, h.run(30*time.Second, "init"), "init")
	requireSuccess(t, h.run(10*time.Second, "product", "add", "--sku", "TEA-1", "--name", "Mint tea", "--quantity", "10"), "product add")

	const writers = 5
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.run(30*time.Second, "product", "adjust", "TEA-1", "1", "--reason", "delivery")
			if res.err != nil {
				errCh <- fmt.Errorf("exit=%d output=%s", res.exitCode, res.output)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	out := requireSuccess(t, h.run(10*time.Second, "product", "list"), "product list")
	require.Contains(t, out, fmt.Sprintf("qty=%d", 10+writers))
}
