// Package manager implements the router's ledger manager: the adapter
// registry, balance reservations with per-key FIFO queuing, cross-ledger
// operation lifecycle, and the reservation expiry sweep.
package manager

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/ledger"
)

var (
	// ErrLedgerNotSupported is returned when a ledger id is absent from
	// the adapter registry.
	ErrLedgerNotSupported = errors.New("ledger not supported")

	// ErrReservationNotFound is returned for unknown reservation ids.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrOperationNotFound is returned for unknown operation ids.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrOperationTerminal is returned when a rollback or transition is
	// attempted on a completed, failed, or rolled back operation.
	ErrOperationTerminal = errors.New("operation is in a terminal state")

	// ErrInvalidAmount is returned before any I/O when an amount is zero.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// BalanceReservation is a soft, router-local claim on a ledger balance.
// A reservation may be promoted to an on-ledger lock, in which case
// LockTxHash is set.
type BalanceReservation struct {
	ID          string        `json:"id"`
	LedgerID    string        `json:"ledgerId"`
	AccountID   string        `json:"accountId"`
	AssetID     string        `json:"assetId"`
	Amount      amount.Amount `json:"amount"`
	OperationID string        `json:"operationId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	LockTxHash  string        `json:"lockTxHash,omitempty"`
}

// OperationStatus is the lifecycle status of a cross-ledger operation.
// completed, failed, and rolled_back are absorbing.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpLocked     OperationStatus = "locked"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpRolledBack OperationStatus = "rolled_back"
)

// IsTerminal returns true for absorbing statuses.
func (s OperationStatus) IsTerminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpRolledBack
}

// CrossLedgerOperation binds one or more reservations into an atomic unit
// spanning two ledgers.
type CrossLedgerOperation struct {
	ID           string          `json:"id"`
	FromLedger   string          `json:"fromLedger"`
	ToLedger     string          `json:"toLedger"`
	FromAccount  string          `json:"fromAccount"`
	ToAccount    string          `json:"toAccount"`
	AssetID      string          `json:"assetId"`
	Amount       amount.Amount   `json:"amount"`
	Reservations []string        `json:"reservations"`
	Status       OperationStatus `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
}

// resKey is the logical key reservations serialize on.
type resKey struct {
	ledgerID  string
	accountID string
	assetID   string
}

// Config holds the ledger manager tunables.
type Config struct {
	// ReservationTimeout is the reservation TTL.
	ReservationTimeout time.Duration

	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		ReservationTimeout: 300 * time.Second,
		SweepInterval:      60 * time.Second,
	}
}

// Metrics is a point-in-time snapshot of manager state.
type Metrics struct {
	ActiveReservations  int
	OperationsByStatus  map[OperationStatus]int
	ExpiredReservations uint64
	UnlockFailures      uint64
}

// Manager owns the adapter registry, reservation table, and operation
// table. All mutations serialize on the logical key.
type Manager struct {
	mu           sync.RWMutex
	adapters     map[string]ledger.Adapter
	reservations map[string]*BalanceReservation
	operations   map[string]*CrossLedgerOperation
	queues       map[resKey]*reservationQueue

	cfg    Config
	logger *log.Logger

	expiredCount  uint64
	unlockFailure uint64
}

// New creates a ledger manager.
func New(cfg Config) *Manager {
	if cfg.ReservationTimeout == 0 {
		cfg.ReservationTimeout = DefaultConfig().ReservationTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		adapters:     make(map[string]ledger.Adapter),
		reservations: make(map[string]*BalanceReservation),
		operations:   make(map[string]*CrossLedgerOperation),
		queues:       make(map[resKey]*reservationQueue),
		cfg:          cfg,
		logger:       log.New(os.Stderr, "[ledger-manager] ", log.LstdFlags),
	}
}

// RegisterAdapter adds an adapter to the registry.
func (m *Manager) RegisterAdapter(a ledger.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.LedgerID()] = a
}

// Adapter returns the adapter for a ledger id.
func (m *Manager) Adapter(ledgerID string) (ledger.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[ledgerID]
	if !ok {
		return nil, ErrLedgerNotSupported
	}
	return a, nil
}

// Adapters returns the registered ledger ids.
func (m *Manager) Adapters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		out = append(out, id)
	}
	return out
}

// GetReservation returns a copy of a reservation.
func (m *Manager) GetReservation(id string) (*BalanceReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

// GetReservedAmount returns the sum of active reservations for a key.
func (m *Manager) GetReservedAmount(ledgerID, accountID, assetID string) amount.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reservedLocked(resKey{ledgerID, accountID, assetID}, false)
}

// ReservationCount returns the number of active reservations.
func (m *Manager) ReservationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reservations)
}

// reservedLocked sums reservations for key. When unpromotedOnly is true,
// reservations already promoted to an on-ledger lock are skipped: their
// amounts are visible through the adapter's locked balance and would
// otherwise be counted twice. Caller must hold mu.
func (m *Manager) reservedLocked(key resKey, unpromotedOnly bool) amount.Amount {
	total := amount.Zero
	for _, r := range m.reservations {
		if r.LedgerID != key.ledgerID || r.AccountID != key.accountID || r.AssetID != key.assetID {
			continue
		}
		if unpromotedOnly && r.LockTxHash != "" {
			continue
		}
		next, err := total.Add(r.Amount)
		if err != nil {
			// Reservation sums are bounded by ledger balances; overflow
			// here means corrupted state.
			m.logger.Printf("reservation sum overflow for %v", key)
			continue
		}
		total = next
	}
	return total
}

// Metrics returns a snapshot of manager state.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byStatus := make(map[OperationStatus]int)
	for _, op := range m.operations {
		byStatus[op.Status]++
	}
	return Metrics{
		ActiveReservations:  len(m.reservations),
		OperationsByStatus:  byStatus,
		ExpiredReservations: m.expiredCount,
		UnlockFailures:      m.unlockFailure,
	}
}
