package storage

import "errors"

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrQueryFailed     = errors.New("storage: query failed")
	ErrSchemaTooNew    = errors.New("storage: schema version newer than code")
	ErrIntegrityFailed = errors.New("storage: integrity check failed")
	ErrInsufficientQty = errors.New("storage: insufficient stock")
	ErrCheckpointBusy  = errors.New("storage: wal checkpoint blocked by a reader")
)
