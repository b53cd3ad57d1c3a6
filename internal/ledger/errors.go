package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an adapter is used before Connect.
	// Callers may retry after backoff.
	ErrNotConnected = errors.New("ledger not connected")

	// ErrInsufficientBalance is returned when available < requested. The
	// adapter makes no state change before returning it.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAssetNotFound is returned when an asset id is unknown.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrAccountNotFound is returned when an account id is unknown.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTxNotFound is returned when a transaction hash is unknown.
	ErrTxNotFound = errors.New("transaction not found")
)

// AdapterError wraps a ledger-specific failure. Whether it is retryable is
// determined by the adapter that produced it.
type AdapterError struct {
	LedgerID  string
	Op        string
	Retryable bool
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("ledger %s: %s: %v", e.LedgerID, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError wraps err with ledger and operation context.
func NewAdapterError(ledgerID, op string, retryable bool, err error) *AdapterError {
	return &AdapterError{LedgerID: ledgerID, Op: op, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is an adapter error the caller should
// retry after backoff.
func IsRetryable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return errors.Is(err, ErrNotConnected)
}
