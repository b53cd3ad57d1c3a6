package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a key or hash field does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrUnknownSchemaVersion is returned when a stored envelope carries a
	// version this build does not understand.
	ErrUnknownSchemaVersion = errors.New("unknown schema version")
)

// StoreError wraps a backend I/O failure. Store errors are retryable.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with operation context.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}
