package storage

import "errors"

var (
	// ErrUsageRecordNotFound is returned when a usage record is not found
	ErrUsageRecordNotFound = errors.New("usage record not found")

	// ErrUnsupportedDriver is returned for unknown database drivers
	ErrUnsupportedDriver = errors.New("unsupported database driver")

	// ErrPayloadDecrypt is returned when an encrypted payload column cannot be read
	ErrPayloadDecrypt = errors.New("failed to decrypt payload")
)
