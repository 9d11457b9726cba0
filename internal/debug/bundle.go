// Package debug collects a diagnostics bundle for support requests. A bundle
// holds environment facts and check results; it never holds key material or
// row data.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/goccy/go-json"
)

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type Bundle struct {
	GeneratedAt string         `json:"generated_at"`
	GOOS        string         `json:"goos"`
	GOARCH      string         `json:"goarch"`
	GoVersion   string         `json:"go_version"`
	Version     map[string]any `json:"version,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Database    map[string]any `json:"database,omitempty"`
	Checks      []Check        `json:"checks,omitempty"`
	Notes       []string       `json:"notes,omitempty"`
}

func NewBundle(now time.Time) Bundle {
	return Bundle{
		GeneratedAt: now.UTC().Format(time.RFC3339Nano),
		GOOS:        runtime.GOOS,
		GOARCH:      runtime.GOARCH,
		GoVersion:   runtime.Version(),
	}
}

// AddCheck records a passing check with message, or a failing one carrying
// err's text.
func (b *Bundle) AddCheck(name, message string, err error) {
	c := Check{Name: name, OK: err == nil, Message: message}
	if err != nil {
		c.Message = err.Error()
	}
	b.Checks = append(b.Checks, c)
}

func (b *Bundle) Note(format string, args ...any) {
	b.Notes = append(b.Notes, fmt.Sprintf(format, args...))
}

// Healthy reports whether every check passed.
func (b Bundle) Healthy() bool {
	for _, c := range b.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func WriteBundle(outputPath string, bundle Bundle) error {
	if outputPath == "" {
		return fmt.Errorf("write debug bundle: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("write debug bundle: create output directory: %w", err)
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("write debug bundle: marshal json: %w", err)
	}
	if err := os.WriteFile(outputPath, payload, 0o600); err != nil {
		return fmt.Errorf("write debug bundle: %w", err)
	}
	return nil
}
