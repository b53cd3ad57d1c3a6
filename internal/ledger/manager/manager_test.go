package manager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/ledger"
	"github.com/finp2p/finp2p-router/internal/ledger/mock"
)

func newTestManager(t *testing.T, ledgerIDs ...string) (*Manager, map[string]*mock.Adapter) {
	t.Helper()
	m := New(DefaultConfig())
	adapters := make(map[string]*mock.Adapter)
	for _, id := range ledgerIDs {
		a := mock.New(id)
		require.NoError(t, a.Connect(context.Background()))
		m.RegisterAdapter(a)
		adapters[id] = a
	}
	return m, adapters
}

func TestReserveBalanceBasic(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(100)))

	id, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(30), "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Equal(t, "30", m.GetReservedAmount("mock-a", "alice", "usd").String())

	r, err := m.GetReservation(id)
	require.NoError(t, err)
	require.Equal(t, "mock-a", r.LedgerID)
	require.Empty(t, r.LockTxHash)
}

func TestReserveZeroAmountRejectedBeforeIO(t *testing.T) {
	// No adapters registered: a zero amount must fail before the registry
	// is even consulted.
	m := New(DefaultConfig())
	_, err := m.ReserveBalance(context.Background(), "mock-a", "alice", "usd", amount.Zero, "")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReserveUnknownLedger(t *testing.T) {
	m, _ := newTestManager(t, "mock-a")
	_, err := m.ReserveBalance(context.Background(), "nope", "alice", "usd", amount.New(1), "")
	require.ErrorIs(t, err, ErrLedgerNotSupported)
}

// S2: reservation exceeding available fails, then succeeds after release.
func TestReservationExceedsAvailable(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(10)))

	first, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(8), "")
	require.NoError(t, err)

	_, err = m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(5), "")
	require.Error(t, err)
	require.Contains(t, strings.ToLower(err.Error()), "insufficient")

	require.NoError(t, m.ReleaseReservation(ctx, first, false))
	require.Equal(t, "0", m.GetReservedAmount("mock-a", "alice", "usd").String())

	_, err = m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(5), "")
	require.NoError(t, err)
}

func TestReservationQueueFIFO(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(1000)))

	// Enqueue N requests directly so insertion order is deterministic,
	// then observe completion order.
	const n = 10
	key := resKey{"mock-a", "alice", "usd"}
	reqs := make([]*reserveRequest, n)
	for i := 0; i < n; i++ {
		reqs[i] = &reserveRequest{
			ctx:       context.Background(),
			accountID: "alice",
			assetID:   "usd",
			amt:       amount.New(uint64(i + 1)),
			done:      make(chan reserveResult, 1),
		}
		m.enqueueReserve(key, reqs[i])
	}

	var order []uint64
	for i := 0; i < n; i++ {
		res := <-reqs[i].done
		require.NoError(t, res.err)
		r, err := m.GetReservation(res.id)
		require.NoError(t, err)
		v, _ := r.Amount.Uint64()
		order = append(order, v)
	}
	for i, v := range order {
		require.Equal(t, uint64(i+1), v, "requests must be served in insertion order")
	}
}

func TestNoOversubscriptionUnderContention(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(100)))

	// 20 concurrent attempts to reserve 10 each; at most 10 can win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(10), ""); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, granted)
	require.Equal(t, "100", m.GetReservedAmount("mock-a", "alice", "usd").String())
}

func TestLockReservedBalanceIdempotent(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(100)))

	id, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(40), "")
	require.NoError(t, err)

	hash1, err := m.LockReservedBalance(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, hash1)

	hash2, err := m.LockReservedBalance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, hash1, hash2, "repeat lock must return the same hash")

	locked, err := adapters["mock-a"].GetLocked(ctx, "alice", "usd")
	require.NoError(t, err)
	require.Equal(t, "40", locked.String(), "lock must hit the ledger exactly once")
}

func TestPromotedReservationNotDoubleCounted(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(100)))

	id, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(40), "")
	require.NoError(t, err)
	_, err = m.LockReservedBalance(ctx, id)
	require.NoError(t, err)

	// Ledger now reports 40 locked; the promoted reservation must not be
	// subtracted again. 60 remains reservable.
	_, err = m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(60), "")
	require.NoError(t, err)
}

func TestReleaseWithUnlock(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(100)))

	id, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(40), "")
	require.NoError(t, err)
	_, err = m.LockReservedBalance(ctx, id)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseReservation(ctx, id, true))

	locked, err := adapters["mock-a"].GetLocked(ctx, "alice", "usd")
	require.NoError(t, err)
	require.True(t, locked.IsZero())
	require.Equal(t, 0, m.ReservationCount())
}

func TestReleaseUnlockFailureStillDeletes(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(100)))

	id, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(40), "")
	require.NoError(t, err)
	_, err = m.LockReservedBalance(ctx, id)
	require.NoError(t, err)

	adapters["mock-a"].FailNext("unlock", ledger.ErrNotConnected)
	require.NoError(t, m.ReleaseReservation(ctx, id, true))

	// The reservation is gone even though the unlock failed.
	require.Equal(t, 0, m.ReservationCount())
	require.Equal(t, uint64(1), m.Metrics().UnlockFailures)
}

// S3: initiate cross-ledger transfer, then roll it back.
func TestCrossLedgerRollback(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a", "mock-b")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(50)))

	op, err := m.InitiateCrossLedgerTransfer(ctx, "mock-a", "mock-b", "alice", "bob", "usd", amount.New(15))
	require.NoError(t, err)
	require.Equal(t, OpPending, op.Status)
	require.Len(t, op.Reservations, 1)
	require.Equal(t, 1, m.ReservationCount())

	require.NoError(t, m.RollbackCrossLedgerOperation(ctx, op.ID))

	got, err := m.GetOperation(op.ID)
	require.NoError(t, err)
	require.Equal(t, OpRolledBack, got.Status)
	require.Equal(t, 0, m.ReservationCount())
}

func TestRollbackTerminalOperationRejected(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a", "mock-b")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(50)))

	op, err := m.InitiateCrossLedgerTransfer(ctx, "mock-a", "mock-b", "alice", "bob", "usd", amount.New(15))
	require.NoError(t, err)
	require.NoError(t, m.RollbackCrossLedgerOperation(ctx, op.ID))

	err = m.RollbackCrossLedgerOperation(ctx, op.ID)
	require.ErrorIs(t, err, ErrOperationTerminal)
}

func TestInitiateRequiresConnectedLedgers(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a", "mock-b")
	ctx := context.Background()
	require.NoError(t, adapters["mock-b"].Disconnect(ctx))

	_, err := m.InitiateCrossLedgerTransfer(ctx, "mock-a", "mock-b", "alice", "bob", "usd", amount.New(1))
	require.ErrorIs(t, err, ledger.ErrNotConnected)
}

func TestSweepExpiredReleasesAndUnlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReservationTimeout = 10 * time.Millisecond
	m := New(cfg)
	a := mock.New("mock-a")
	require.NoError(t, a.Connect(context.Background()))
	m.RegisterAdapter(a)
	ctx := context.Background()
	require.NoError(t, a.Mint("alice", "usd", amount.New(100)))

	id, err := m.ReserveBalance(ctx, "mock-a", "alice", "usd", amount.New(40), "")
	require.NoError(t, err)
	_, err = m.LockReservedBalance(ctx, id)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, m.SweepExpired(ctx))
	require.Equal(t, 0, m.ReservationCount())

	locked, err := a.GetLocked(ctx, "alice", "usd")
	require.NoError(t, err)
	require.True(t, locked.IsZero(), "promoted reservation must be unlocked on expiry")
	require.Equal(t, uint64(1), m.Metrics().ExpiredReservations)
}

func TestCompleteOperationKeepsLock(t *testing.T) {
	m, adapters := newTestManager(t, "mock-a", "mock-b")
	ctx := context.Background()
	require.NoError(t, adapters["mock-a"].Mint("alice", "usd", amount.New(50)))

	op, err := m.InitiateCrossLedgerTransfer(ctx, "mock-a", "mock-b", "alice", "bob", "usd", amount.New(15))
	require.NoError(t, err)

	_, err = m.LockReservedBalance(ctx, op.Reservations[0])
	require.NoError(t, err)
	require.NoError(t, m.MarkOperationLocked(op.ID))
	require.NoError(t, m.CompleteOperation(ctx, op.ID))

	// Completion drops the reservation but leaves the on-ledger lock to
	// the destination-leg settlement.
	require.Equal(t, 0, m.ReservationCount())
	locked, err := adapters["mock-a"].GetLocked(ctx, "alice", "usd")
	require.NoError(t, err)
	require.Equal(t, "15", locked.String())

	got, err := m.GetOperation(op.ID)
	require.NoError(t, err)
	require.Equal(t, OpCompleted, got.Status)
}
