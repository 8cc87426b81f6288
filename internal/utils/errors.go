package utils

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"

	"usage_ingest/internal/models"
)

// IsRetryable reports whether a storage or transport error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrStorageTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// A cancelled context is a shutdown, not a failure worth retrying
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"): // connection exception
			return true
		case code == "40001", code == "40P01": // serialization failure, deadlock
			return true
		case strings.HasPrefix(code, "57P0"): // admin shutdown, cannot connect now
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMessages {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Messages of drivers that do not expose typed errors (sqlite, database/sql pool).
var retryableMessages = []string{
	"database is locked",
	"sqlite_busy",
	"database table is locked",
	"driver: bad connection",
	"connection refused",
	"connection reset",
	"broken pipe",
}
