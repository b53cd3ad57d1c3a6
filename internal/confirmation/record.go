// Package confirmation implements the dual-router confirmation record
// store: per-router audit rows, user and asset indices, the dual
// confirmation aggregate, rollback, and the regulatory report.
package confirmation

import (
	"errors"
	"time"

	"github.com/finp2p/finp2p-router/internal/core/amount"
)

var (
	// ErrConfirmationNotFound is returned for unknown confirmation ids.
	ErrConfirmationNotFound = errors.New("confirmation not found")

	// ErrInvalidStatus is returned when a record is created with a status
	// other than confirmed or failed.
	ErrInvalidStatus = errors.New("invalid confirmation status")
)

// Status is the status of one router's confirmation record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Metadata carries the transfer details frozen into a record.
type Metadata struct {
	FromAccount  string        `json:"fromAccount"`
	ToAccount    string        `json:"toAccount"`
	Asset        string        `json:"asset"`
	Amount       amount.Amount `json:"amount"`
	LedgerTxHash string        `json:"ledgerTxHash,omitempty"`
}

// Record is one router's audit row for a transfer.
type Record struct {
	ID                string     `json:"id"`
	TransferID        string     `json:"transferId"`
	RouterID          string     `json:"routerId"`
	Status            Status     `json:"status"`
	Timestamp         time.Time  `json:"timestamp"`
	Signature         string     `json:"signature"`
	Metadata          Metadata   `json:"metadata"`
	RollbackReason    string     `json:"rollbackReason,omitempty"`
	RollbackTimestamp *time.Time `json:"rollbackTimestamp,omitempty"`
}

// DualStatus is the aggregate derived from the per-router records of one
// transfer.
type DualStatus string

const (
	DualPending          DualStatus = "pending"
	DualPartialConfirmed DualStatus = "partial_confirmed"
	DualConfirmed        DualStatus = "dual_confirmed"
	DualFailed           DualStatus = "failed"
)

// DualEntry is the slim per-router view stored inside the aggregate.
type DualEntry struct {
	ConfirmationID string    `json:"confirmationId"`
	RouterID       string    `json:"routerId"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Signature      string    `json:"signature"`
}

// DualConfirmation is the aggregate keyed by transfer id.
type DualConfirmation struct {
	TransferID    string               `json:"transferId"`
	Confirmations map[string]DualEntry `json:"confirmations"`
	Status        DualStatus           `json:"status"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// derive recomputes the aggregate status: any failed record fails the
// aggregate; two confirmed records make it dual confirmed; exactly one
// present record is partial; otherwise pending. Additions of confirmed
// records only ever move the status forward.
func (d *DualConfirmation) derive() {
	confirmed := 0
	for _, e := range d.Confirmations {
		switch e.Status {
		case StatusFailed, StatusRolledBack:
			d.Status = DualFailed
			return
		case StatusConfirmed:
			confirmed++
		}
	}
	switch {
	case confirmed >= 2:
		d.Status = DualConfirmed
	case len(d.Confirmations) == 1:
		d.Status = DualPartialConfirmed
	default:
		d.Status = DualPending
	}
}

// signedPayload is the canonical byte layout confirmations are signed
// over.
type signedPayload struct {
	TransferID string `json:"transferId"`
	RouterID   string `json:"routerId"`
	Amount     string `json:"amount"`
	Timestamp  int64  `json:"timestamp"`
}
