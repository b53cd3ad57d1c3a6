package confirmation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/crypto"
	"github.com/finp2p/finp2p-router/internal/kv"
)

// Store writes and reads this router's confirmation records and maintains
// the shared dual-confirmation aggregates.
type Store struct {
	routerID string
	kv       kv.Store
	signer   *crypto.Signer
}

// NewStore creates a confirmation store for routerID.
func NewStore(routerID string, store kv.Store, signer *crypto.Signer) *Store {
	return &Store{routerID: routerID, kv: store, signer: signer}
}

// RouterID returns the owning router id.
func (s *Store) RouterID() string { return s.routerID }

// CreateConfirmationRecord writes this router's audit row for a transfer,
// updates the user and asset indices, and re-derives the dual status.
func (s *Store) CreateConfirmationRecord(ctx context.Context, transfer *types.Transfer, status Status, ledgerTxHash string) (*Record, error) {
	if status != StatusConfirmed && status != StatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if err := transfer.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &Record{
		ID:         uuid.NewString(),
		TransferID: transfer.ID,
		RouterID:   s.routerID,
		Status:     status,
		Timestamp:  now,
		Metadata: Metadata{
			FromAccount:  transfer.FromAccount.String(),
			ToAccount:    transfer.ToAccount.String(),
			Asset:        transfer.Asset.String(),
			Amount:       transfer.Amount,
			LedgerTxHash: ledgerTxHash,
		},
	}

	sig, err := s.signer.Sign(signedPayload{
		TransferID: rec.TransferID,
		RouterID:   rec.RouterID,
		Amount:     rec.Metadata.Amount.String(),
		Timestamp:  now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("sign confirmation: %w", err)
	}
	rec.Signature = sig

	if err := s.writeRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, kv.UserTransactionsKey(rec.Metadata.FromAccount), rec.ID); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, kv.AssetTransactionsKey(rec.Metadata.Asset), rec.ID); err != nil {
		return nil, err
	}
	if err := s.updateDualStatus(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetConfirmation returns one of this router's records by id.
func (s *Store) GetConfirmation(ctx context.Context, confirmationID string) (*Record, error) {
	raw, err := s.kv.HGet(ctx, kv.ConfirmationsKey(s.routerID), confirmationID)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationNotFound, confirmationID)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := kv.DecodeRecord(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RollbackConfirmation rewrites a record as rolled back and re-derives
// the dual status.
func (s *Store) RollbackConfirmation(ctx context.Context, confirmationID, reason string) (*Record, error) {
	rec, err := s.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec.Status = StatusRolledBack
	rec.RollbackReason = reason
	rec.RollbackTimestamp = &now

	if err := s.writeRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.updateDualStatus(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetDualStatus returns the dual-confirmation aggregate for a transfer,
// or a pending aggregate if no router has written yet.
func (s *Store) GetDualStatus(ctx context.Context, transferID string) (*DualConfirmation, error) {
	raw, err := s.kv.Get(ctx, kv.DualConfirmationKey(transferID))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return &DualConfirmation{
			TransferID:    transferID,
			Confirmations: make(map[string]DualEntry),
			Status:        DualPending,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var dual DualConfirmation
	if err := kv.DecodeRecord(raw, &dual); err != nil {
		return nil, err
	}
	if dual.Confirmations == nil {
		dual.Confirmations = make(map[string]DualEntry)
	}
	return &dual, nil
}

// GetTransactionHistory returns this router's records for a from-account,
// via the user index.
func (s *Store) GetTransactionHistory(ctx context.Context, account string) ([]*Record, error) {
	ids, err := s.kv.SMembers(ctx, kv.UserTransactionsKey(account))
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, ids)
}

// GetAssetTransactions returns this router's records for an asset, via
// the asset index.
func (s *Store) GetAssetTransactions(ctx context.Context, assetID string) ([]*Record, error) {
	ids, err := s.kv.SMembers(ctx, kv.AssetTransactionsKey(assetID))
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, ids)
}

// CleanupOldRecords deletes this router's confirmations older than the
// given number of days. Index entries for deleted records are pruned on
// the next read. Returns the number deleted.
func (s *Store) CleanupOldRecords(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	all, err := s.kv.HGetAll(ctx, kv.ConfirmationsKey(s.routerID))
	if err != nil {
		return 0, err
	}

	var stale []string
	for id, raw := range all {
		var rec Record
		if err := kv.DecodeRecord(raw, &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.kv.HDel(ctx, kv.ConfirmationsKey(s.routerID), stale...); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// collect loads records by id, skipping ids that no longer resolve
// (lazily pruning the index).
func (s *Store) collect(ctx context.Context, ids []string) ([]*Record, error) {
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetConfirmation(ctx, id)
		if errors.Is(err, ErrConfirmationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) writeRecord(ctx context.Context, rec *Record) error {
	raw, err := kv.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return s.kv.HSet(ctx, kv.ConfirmationsKey(s.routerID), rec.ID, raw)
}

// updateDualStatus folds rec into the shared aggregate and re-derives it.
// Writes from two routers may race; the derivation is monotonic with
// respect to additions of confirmed records, so the losing write is
// recovered on the next update.
func (s *Store) updateDualStatus(ctx context.Context, rec *Record) error {
	dual, err := s.GetDualStatus(ctx, rec.TransferID)
	if err != nil {
		return err
	}

	dual.Confirmations[rec.RouterID] = DualEntry{
		ConfirmationID: rec.ID,
		RouterID:       rec.RouterID,
		Status:         rec.Status,
		Timestamp:      rec.Timestamp,
		Signature:      rec.Signature,
	}
	dual.derive()
	dual.UpdatedAt = time.Now()

	raw, err := kv.EncodeRecord(dual)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, kv.DualConfirmationKey(rec.TransferID), raw); err != nil {
		return err
	}

	if dual.Status == DualConfirmed {
		completed := time.Now().UTC().Format(time.RFC3339)
		if err := s.kv.Set(ctx, kv.TransferCompletionKey(rec.TransferID), completed); err != nil {
			return err
		}
	}
	return nil
}
