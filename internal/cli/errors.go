package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/backup"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/config"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/dbmanager"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/pool"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/storage"
)

const (
	ExitCodeSuccess       = 0
	ExitCodeGeneric       = 1
	ExitCodeUsage         = 2
	ExitCodeNotFound      = 3
	ExitCodePermission    = 4
	ExitCodeAuthFailed    = 5
	ExitCodeNotConfigured = 6
	ExitCodeIO            = 7
	ExitCodeBusy          = 8
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

// mapCommandError assigns an exit code from the error chain. Authentication
// failure and archive corruption never share a code.
func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, backup.ErrAuthenticationFailed), errors.Is(err, errAuditChainBroken):
		return asExitError(ExitCodeAuthFailed, err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, backup.ErrCatalogNotFound):
		return asExitError(ExitCodeNotFound, err)
	case errors.Is(err, pool.ErrPoolExhausted),
		errors.Is(err, pool.ErrQuiesceTimeout),
		errors.Is(err, pool.ErrRestoreInProgress),
		errors.Is(err, backup.ErrBusy),
		errors.Is(err, context.DeadlineExceeded):
		return asExitError(ExitCodeBusy, err)
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, backup.ErrInvalidMetadata),
		errors.Is(err, crypto.ErrInvalidKeyParams),
		errors.Is(err, storage.ErrInsufficientQty):
		return asExitError(ExitCodeUsage, err)
	case errors.Is(err, dbmanager.ErrBackupNotConfigured),
		errors.Is(err, dbmanager.ErrCatalogDisabled),
		errors.Is(err, dbmanager.ErrAuditDisabled):
		return asExitError(ExitCodeNotConfigured, err)
	case errors.Is(err, fs.ErrPermission):
		return asExitError(ExitCodePermission, err)
	case errors.Is(err, backup.ErrCorruptArchive),
		errors.Is(err, backup.ErrBackupIO),
		errors.Is(err, dbmanager.ErrInitialization),
		errors.Is(err, os.ErrNotExist):
		return asExitError(ExitCodeIO, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return asExitError(ExitCodeIO, err)
	}
	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
