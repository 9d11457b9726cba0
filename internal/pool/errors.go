package pool

import "errors"

var (
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrConnectionOpenFailed = errors.New("open pooled connection")
	ErrInvalidRelease       = errors.New("invalid connection release")
	ErrQuiesceTimeout       = errors.New("timed out quiescing connection pool")
	ErrRestoreInProgress    = errors.New("database restore in progress")
	ErrPoolClosed           = errors.New("connection pool closed")
	ErrNotSuspended         = errors.New("connection pool is not suspended")
)
