package confirmation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/crypto"
	"github.com/finp2p/finp2p-router/internal/kv"
	"github.com/finp2p/finp2p-router/internal/kv/memory"
)

func newStore(t *testing.T, routerID string, shared *memory.Store) *Store {
	t.Helper()
	priv, _, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(priv)
	require.NoError(t, err)
	return NewStore(routerID, shared, signer)
}

func testTransfer(id string) *types.Transfer {
	return &types.Transfer{
		ID:          id,
		FromAccount: types.FinID{ID: "alice", Kind: types.KindAccount, Domain: "bank-a"},
		ToAccount:   types.FinID{ID: "bob", Kind: types.KindAccount, Domain: "bank-b"},
		Asset:       types.FinID{ID: "usd-token", Kind: types.KindAsset, Domain: "bank-a"},
		Amount:      amount.New(40),
		Status:      types.TransferExecuting,
		CreatedAt:   time.Now(),
	}
}

func TestCreateConfirmationRecord(t *testing.T) {
	shared := memory.New()
	s := newStore(t, "router-a", shared)
	ctx := context.Background()

	rec, err := s.CreateConfirmationRecord(ctx, testTransfer("t-1"), StatusConfirmed, "0xabc")
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, rec.Signature)
	require.Equal(t, "router-a", rec.RouterID)
	require.Equal(t, "0xabc", rec.Metadata.LedgerTxHash)

	got, err := s.GetConfirmation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, StatusConfirmed, got.Status)

	// Indices are populated.
	hist, err := s.GetTransactionHistory(ctx, "alice@bank-a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	byAsset, err := s.GetAssetTransactions(ctx, "usd-token@bank-a")
	require.NoError(t, err)
	require.Len(t, byAsset, 1)
}

func TestCreateRejectsInvalidStatus(t *testing.T) {
	s := newStore(t, "router-a", memory.New())
	_, err := s.CreateConfirmationRecord(context.Background(), testTransfer("t-1"), StatusPending, "")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCreateRejectsInvalidTransfer(t *testing.T) {
	s := newStore(t, "router-a", memory.New())
	tr := testTransfer("t-1")
	tr.Amount = amount.Zero
	_, err := s.CreateConfirmationRecord(context.Background(), tr, StatusConfirmed, "")
	require.Error(t, err)
}

// S4: two routers writing to the same shared store drive the dual status
// from partial_confirmed to dual_confirmed.
func TestDualConfirmationAggregation(t *testing.T) {
	shared := memory.New()
	routerA := newStore(t, "router-a", shared)
	routerB := newStore(t, "router-b", shared)
	ctx := context.Background()

	_, err := routerA.CreateConfirmationRecord(ctx, testTransfer("t-1"), StatusConfirmed, "")
	require.NoError(t, err)

	dual, err := routerA.GetDualStatus(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, DualPartialConfirmed, dual.Status)

	_, err = routerB.CreateConfirmationRecord(ctx, testTransfer("t-1"), StatusConfirmed, "")
	require.NoError(t, err)

	dual, err = routerB.GetDualStatus(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, DualConfirmed, dual.Status)
	require.Len(t, dual.Confirmations, 2)

	// Completion timestamp is set once dual confirmed.
	completed, err := shared.Get(ctx, kv.TransferCompletionKey("t-1"))
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, completed)
	require.NoError(t, err)
}

func TestDualStatusFailed(t *testing.T) {
	shared := memory.New()
	routerA := newStore(t, "router-a", shared)
	routerB := newStore(t, "router-b", shared)
	ctx := context.Background()

	_, err := routerA.CreateConfirmationRecord(ctx, testTransfer("t-2"), StatusConfirmed, "")
	require.NoError(t, err)
	_, err = routerB.CreateConfirmationRecord(ctx, testTransfer("t-2"), StatusFailed, "")
	require.NoError(t, err)

	dual, err := routerA.GetDualStatus(ctx, "t-2")
	require.NoError(t, err)
	require.Equal(t, DualFailed, dual.Status)
}

func TestRollbackConfirmation(t *testing.T) {
	shared := memory.New()
	s := newStore(t, "router-a", shared)
	ctx := context.Background()

	rec, err := s.CreateConfirmationRecord(ctx, testTransfer("t-3"), StatusConfirmed, "")
	require.NoError(t, err)

	rolled, err := s.RollbackConfirmation(ctx, rec.ID, "leg 2 timed out")
	require.NoError(t, err)
	require.Equal(t, StatusRolledBack, rolled.Status)
	require.Equal(t, "leg 2 timed out", rolled.RollbackReason)
	require.NotNil(t, rolled.RollbackTimestamp)

	// Dual status re-derives to failed.
	dual, err := s.GetDualStatus(ctx, "t-3")
	require.NoError(t, err)
	require.Equal(t, DualFailed, dual.Status)
}

func TestRollbackUnknownID(t *testing.T) {
	s := newStore(t, "router-a", memory.New())
	_, err := s.RollbackConfirmation(context.Background(), "ghost", "reason")
	require.ErrorIs(t, err, ErrConfirmationNotFound)
}

func TestSignatureVerifies(t *testing.T) {
	priv, pub, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(priv)
	require.NoError(t, err)
	s := NewStore("router-a", memory.New(), signer)

	rec, err := s.CreateConfirmationRecord(context.Background(), testTransfer("t-4"), StatusConfirmed, "")
	require.NoError(t, err)

	payload := signedPayload{
		TransferID: rec.TransferID,
		RouterID:   rec.RouterID,
		Amount:     rec.Metadata.Amount.String(),
		Timestamp:  rec.Timestamp.UnixMilli(),
	}
	require.NoError(t, crypto.Verify(payload, rec.Signature, pub))
}

func TestRegulatoryReportDeterministic(t *testing.T) {
	shared := memory.New()
	s := newStore(t, "router-a", shared)
	ctx := context.Background()

	tr1 := testTransfer("t-10")
	tr2 := testTransfer("t-11")
	tr2.FromAccount = types.FinID{ID: "carol", Kind: types.KindAccount, Domain: "bank-c"}
	tr2.Amount = amount.New(7)

	_, err := s.CreateConfirmationRecord(ctx, tr1, StatusConfirmed, "")
	require.NoError(t, err)
	_, err = s.CreateConfirmationRecord(ctx, tr2, StatusConfirmed, "")
	require.NoError(t, err)
	_, err = s.CreateConfirmationRecord(ctx, testTransfer("t-12"), StatusFailed, "")
	require.NoError(t, err)

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)

	r1, err := s.GenerateRegulatoryReport(ctx, from, to)
	require.NoError(t, err)
	r2, err := s.GenerateRegulatoryReport(ctx, from, to)
	require.NoError(t, err)
	require.Equal(t, r1, r2, "report must be deterministic")

	require.Equal(t, 3, r1.TotalRecords)
	require.Len(t, r1.ByUser, 2)
	require.Len(t, r1.ByAsset, 1)
	// 40 confirmed + 7 confirmed; the failed 40 does not count.
	require.Equal(t, "47", r1.ByAsset[0].SuccessfulVolume.String())

	alice := r1.ByUser[0]
	require.Equal(t, "alice@bank-a", alice.Account)
	require.Equal(t, 2, alice.Total)
	require.Equal(t, 1, alice.Confirmed)
	require.Equal(t, 1, alice.Failed)
}

func TestCleanupOldRecords(t *testing.T) {
	shared := memory.New()
	s := newStore(t, "router-a", shared)
	ctx := context.Background()

	rec, err := s.CreateConfirmationRecord(ctx, testTransfer("t-20"), StatusConfirmed, "")
	require.NoError(t, err)

	// Backdate the record beyond the retention window.
	rec.Timestamp = time.Now().AddDate(0, 0, -10)
	require.NoError(t, s.writeRecord(ctx, rec))

	deleted, err := s.CleanupOldRecords(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = s.GetConfirmation(ctx, rec.ID)
	require.ErrorIs(t, err, ErrConfirmationNotFound)

	// The user index prunes lazily on read.
	hist, err := s.GetTransactionHistory(ctx, "alice@bank-a")
	require.NoError(t, err)
	require.Empty(t, hist)
}
