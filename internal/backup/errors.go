package backup

import "errors"

var (
	ErrBackupIO             = errors.New("backup i/o failed")
	ErrEncryption           = errors.New("backup encryption failed")
	ErrCorruptArchive       = errors.New("corrupt backup archive")
	ErrAuthenticationFailed = errors.New("backup authentication failed")
	ErrInvalidMetadata      = errors.New("invalid backup metadata")
	ErrBusy                 = errors.New("backup service busy")
	ErrCatalogNotFound      = errors.New("backup not in catalog")
)
