package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/lib/pq"

	"usage_ingest/internal/models"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, expected: true},
		{name: "transient storage", err: fmt.Errorf("append: %w", models.ErrStorageTransient), expected: true},
		{name: "wrapped deadline", err: fmt.Errorf("append: %w", context.DeadlineExceeded), expected: true},
		{name: "cancelled", err: context.Canceled, expected: false},
		{name: "pq connection failure", err: &pq.Error{Code: "08006"}, expected: true},
		{name: "pq serialization failure", err: &pq.Error{Code: "40001"}, expected: true},
		{name: "pq deadlock", err: &pq.Error{Code: "40P01"}, expected: true},
		{name: "pq admin shutdown", err: &pq.Error{Code: "57P01"}, expected: true},
		{name: "pq unique violation", err: &pq.Error{Code: "23505"}, expected: false},
		{name: "pq syntax error", err: fmt.Errorf("insert: %w", &pq.Error{Code: "42601"}), expected: false},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, expected: true},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), expected: true},
		{name: "bad connection", err: errors.New("driver: bad connection"), expected: true},
		{name: "validation", err: errors.New("invalid input"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
