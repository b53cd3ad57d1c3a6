package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/ledger"
)

// InitiateCrossLedgerTransfer validates both ledgers, reserves the amount
// on the source, and creates a pending cross-ledger operation.
func (m *Manager) InitiateCrossLedgerTransfer(ctx context.Context, fromLedger, toLedger, fromAccount, toAccount, assetID string, amt amount.Amount) (*CrossLedgerOperation, error) {
	if !amt.IsPositive() {
		return nil, ErrInvalidAmount
	}

	fromAdapter, err := m.Adapter(fromLedger)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	toAdapter, err := m.Adapter(toLedger)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if !fromAdapter.IsConnected() {
		return nil, fmt.Errorf("source %s: %w", fromLedger, ledger.ErrNotConnected)
	}
	if !toAdapter.IsConnected() {
		return nil, fmt.Errorf("destination %s: %w", toLedger, ledger.ErrNotConnected)
	}

	opID := uuid.NewString()
	reservationID, err := m.ReserveBalance(ctx, fromLedger, fromAccount, assetID, amt, opID)
	if err != nil {
		return nil, err
	}

	op := &CrossLedgerOperation{
		ID:           opID,
		FromLedger:   fromLedger,
		ToLedger:     toLedger,
		FromAccount:  fromAccount,
		ToAccount:    toAccount,
		AssetID:      assetID,
		Amount:       amt,
		Reservations: []string{reservationID},
		Status:       OpPending,
		Timestamp:    time.Now(),
	}

	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()

	cp := *op
	cp.Reservations = append([]string(nil), op.Reservations...)
	return &cp, nil
}

// GetOperation returns a copy of an operation.
func (m *Manager) GetOperation(id string) (*CrossLedgerOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	cp.Reservations = append([]string(nil), op.Reservations...)
	return &cp, nil
}

// setOperationStatus moves an operation to status, refusing transitions
// out of terminal states.
func (m *Manager) setOperationStatus(id string, status OperationStatus) (*CrossLedgerOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if op.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOperationTerminal, id, op.Status)
	}
	op.Status = status
	cp := *op
	cp.Reservations = append([]string(nil), op.Reservations...)
	return &cp, nil
}

// MarkOperationLocked records that the source leg's lock confirmed.
func (m *Manager) MarkOperationLocked(id string) error {
	_, err := m.setOperationStatus(id, OpLocked)
	return err
}

// CompleteOperation finalizes an operation: reservations are dropped
// without unlocking, since the locked funds have moved on-ledger.
func (m *Manager) CompleteOperation(ctx context.Context, id string) error {
	op, err := m.setOperationStatus(id, OpCompleted)
	if err != nil {
		return err
	}
	for _, rid := range op.Reservations {
		if err := m.ReleaseReservation(ctx, rid, false); err != nil && err != ErrReservationNotFound {
			m.logger.Printf("release after completion failed for %s: %v", rid, err)
		}
	}
	return nil
}

// FailOperation marks an operation failed and releases its reservations
// with unlock.
func (m *Manager) FailOperation(ctx context.Context, id string) error {
	return m.finishWithRelease(ctx, id, OpFailed)
}

// RollbackCrossLedgerOperation releases every reservation held by the
// operation (unlocking promoted ones) and marks it rolled back. Rollback
// of a terminal operation is rejected.
func (m *Manager) RollbackCrossLedgerOperation(ctx context.Context, id string) error {
	return m.finishWithRelease(ctx, id, OpRolledBack)
}

func (m *Manager) finishWithRelease(ctx context.Context, id string, status OperationStatus) error {
	op, err := m.setOperationStatus(id, status)
	if err != nil {
		return err
	}
	for _, rid := range op.Reservations {
		if err := m.ReleaseReservation(ctx, rid, true); err != nil && err != ErrReservationNotFound {
			m.logger.Printf("release during %s failed for %s: %v", status, rid, err)
		}
	}
	return nil
}
