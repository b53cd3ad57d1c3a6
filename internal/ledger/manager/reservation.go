package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/ledger"
)

// reserveRequest is one pending reservation waiting its turn on a key.
type reserveRequest struct {
	ctx         context.Context
	accountID   string
	assetID     string
	amt         amount.Amount
	operationID string
	done        chan reserveResult
}

type reserveResult struct {
	id  string
	err error
}

// reservationQueue serializes reservations per (ledger, account, asset)
// key. A dedicated dispatcher goroutine serves requests in FIFO order, so
// completion of one request never re-enters the next on the same stack.
type reservationQueue struct {
	key     resKey
	pending []*reserveRequest
	running bool
}

// enqueueReserve appends a request to the key's queue, starting a
// dispatcher if none is running.
func (m *Manager) enqueueReserve(key resKey, req *reserveRequest) {
	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = &reservationQueue{key: key}
		m.queues[key] = q
	}
	q.pending = append(q.pending, req)
	start := !q.running
	if start {
		q.running = true
	}
	m.mu.Unlock()

	if start {
		go m.dispatchReservations(key)
	}
}

// dispatchReservations drains the queue for one key. The bucket is removed
// once empty.
func (m *Manager) dispatchReservations(key resKey) {
	for {
		m.mu.Lock()
		q := m.queues[key]
		if q == nil || len(q.pending) == 0 {
			if q != nil {
				delete(m.queues, key)
			}
			m.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending = q.pending[1:]
		m.mu.Unlock()

		req.done <- m.doReserve(key, req)
	}
}

// doReserve runs the reservation critical section for one request.
func (m *Manager) doReserve(key resKey, req *reserveRequest) reserveResult {
	if err := req.ctx.Err(); err != nil {
		return reserveResult{err: err}
	}

	adapter, err := m.Adapter(key.ledgerID)
	if err != nil {
		return reserveResult{err: err}
	}

	balance, err := adapter.GetBalance(req.ctx, key.accountID, key.assetID)
	if err != nil {
		return reserveResult{err: err}
	}
	ledgerLocked, err := adapter.GetLocked(req.ctx, key.accountID, key.assetID)
	if err != nil {
		return reserveResult{err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reserved := m.reservedLocked(key, true)
	trulyAvailable := balance.SaturatingSub(ledgerLocked).SaturatingSub(reserved)
	if trulyAvailable.Less(req.amt) {
		return reserveResult{err: fmt.Errorf("%w: truly available %s < requested %s",
			ledger.ErrInsufficientBalance, trulyAvailable, req.amt)}
	}

	r := &BalanceReservation{
		ID:          uuid.NewString(),
		LedgerID:    key.ledgerID,
		AccountID:   key.accountID,
		AssetID:     key.assetID,
		Amount:      req.amt,
		OperationID: req.operationID,
		CreatedAt:   time.Now(),
	}
	m.reservations[r.ID] = r
	return reserveResult{id: r.ID}
}

// ValidateBalanceAvailability reports whether amount can be reserved right
// now: balance minus this router's reservations minus the ledger's locked
// balance must cover it. Cross-router reservations are invisible here;
// that is why cross-router writes require authority validation.
func (m *Manager) ValidateBalanceAvailability(ctx context.Context, ledgerID, accountID, assetID string, amt amount.Amount) (bool, error) {
	if !amt.IsPositive() {
		return false, ErrInvalidAmount
	}
	adapter, err := m.Adapter(ledgerID)
	if err != nil {
		return false, err
	}
	balance, err := adapter.GetBalance(ctx, accountID, assetID)
	if err != nil {
		return false, err
	}
	ledgerLocked, err := adapter.GetLocked(ctx, accountID, assetID)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	reserved := m.reservedLocked(resKey{ledgerID, accountID, assetID}, true)
	m.mu.RUnlock()

	available := balance.SaturatingSub(ledgerLocked).SaturatingSub(reserved)
	return !available.Less(amt), nil
}

// ReserveBalance places a soft claim on a ledger balance and returns the
// reservation id. Requests for the same (ledger, account, asset) key are
// served strictly in FIFO order.
func (m *Manager) ReserveBalance(ctx context.Context, ledgerID, accountID, assetID string, amt amount.Amount, operationID string) (string, error) {
	if !amt.IsPositive() {
		return "", ErrInvalidAmount
	}
	// Reject unknown ledgers before queuing.
	if _, err := m.Adapter(ledgerID); err != nil {
		return "", err
	}

	req := &reserveRequest{
		ctx:         ctx,
		accountID:   accountID,
		assetID:     assetID,
		amt:         amt,
		operationID: operationID,
		done:        make(chan reserveResult, 1),
	}
	m.enqueueReserve(resKey{ledgerID, accountID, assetID}, req)

	select {
	case res := <-req.done:
		return res.id, res.err
	case <-ctx.Done():
		// The dispatcher will still run the request; doReserve notices
		// the dead context and refuses it.
		return "", ctx.Err()
	}
}

// LockReservedBalance promotes a reservation to an on-ledger lock and
// returns the lock transaction hash. Calling it again on the same
// reservation returns the same hash.
func (m *Manager) LockReservedBalance(ctx context.Context, reservationID string) (string, error) {
	m.mu.Lock()
	r, ok := m.reservations[reservationID]
	if !ok {
		m.mu.Unlock()
		return "", ErrReservationNotFound
	}
	if r.LockTxHash != "" {
		hash := r.LockTxHash
		m.mu.Unlock()
		return hash, nil
	}
	ledgerID, accountID, assetID, amt := r.LedgerID, r.AccountID, r.AssetID, r.Amount
	m.mu.Unlock()

	adapter, err := m.Adapter(ledgerID)
	if err != nil {
		return "", err
	}
	hash, err := adapter.LockAsset(ctx, accountID, assetID, amt)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The reservation may have been released while the lock call was in
	// flight; in that case undo is handled by the expiry sweep path that
	// released it, and we surface the stale id.
	r, ok = m.reservations[reservationID]
	if !ok {
		return "", ErrReservationNotFound
	}
	r.LockTxHash = hash
	return hash, nil
}

// ReleaseReservation removes a reservation. When unlock is true and the
// reservation was promoted, the on-ledger lock is released as well. Unlock
// failures are logged but never leave the reservation in place: a stuck
// reservation would consume balance forever.
func (m *Manager) ReleaseReservation(ctx context.Context, reservationID string, unlock bool) error {
	m.mu.Lock()
	r, ok := m.reservations[reservationID]
	if !ok {
		m.mu.Unlock()
		return ErrReservationNotFound
	}
	delete(m.reservations, reservationID)
	cp := *r
	m.mu.Unlock()

	if unlock && cp.LockTxHash != "" {
		adapter, err := m.Adapter(cp.LedgerID)
		if err == nil {
			_, err = adapter.UnlockAsset(ctx, cp.AccountID, cp.AssetID, cp.Amount)
		}
		if err != nil {
			m.mu.Lock()
			m.unlockFailure++
			m.mu.Unlock()
			m.logger.Printf("unlock failed for reservation %s (%s/%s/%s): %v",
				cp.ID, cp.LedgerID, cp.AccountID, cp.AssetID, err)
		}
	}
	return nil
}
