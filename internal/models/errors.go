package models

import "errors"

var (
	// ErrMissingIdentity is returned when a raw event carries no caller identity.
	// It is the only error that prevents a record from being created.
	ErrMissingIdentity = errors.New("missing identity")

	// ErrUnstructuredResponse is a warning: the response body is present but
	// is not a JSON object. The record is still produced.
	ErrUnstructuredResponse = errors.New("unstructured response")

	// ErrFieldUnavailable is a warning for a usage field that could not be
	// located or coerced.
	ErrFieldUnavailable = errors.New("field unavailable")

	// ErrMissingEventTime is a warning for events without a timestamp.
	ErrMissingEventTime = errors.New("missing event time")

	// ErrStorageTransient wraps store failures that are worth retrying.
	ErrStorageTransient = errors.New("transient storage failure")

	// ErrStorageExhausted is returned once append retries are used up.
	ErrStorageExhausted = errors.New("storage retries exhausted")
)
