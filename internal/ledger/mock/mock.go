// Package mock implements a deterministic in-memory ledger adapter used by
// tests and standalone deployments. It supports native locking, keeps a
// transaction journal with an LRU status cache, and can inject latency or
// forced failures.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/ledger"
)

const (
	// txStatusCacheSize bounds the LRU in front of the journal.
	txStatusCacheSize = 1024

	// eventBufferSize bounds the adapter event channel.
	eventBufferSize = 64
)

// Adapter is an in-memory mock ledger.
type Adapter struct {
	ledgerID string

	mu        sync.RWMutex
	connected bool
	assets    map[string]*types.Asset
	accounts  map[string]*types.Account
	balances  map[string]map[string]amount.Amount // accountID -> assetID -> balance
	locked    map[string]map[string]amount.Amount // accountID -> assetID -> locked
	journal   map[string]*ledger.Transaction

	statusCache *lru.Cache[string, ledger.TxStatus]
	events      chan ledger.Event

	// latency is applied to every call that would hit the network.
	latency time.Duration

	// failNext, when set, fails the next matching operation once.
	failNext map[string]error
}

// New creates a mock adapter with the given ledger id.
func New(ledgerID string) *Adapter {
	cache, _ := lru.New[string, ledger.TxStatus](txStatusCacheSize)
	return &Adapter{
		ledgerID:    ledgerID,
		assets:      make(map[string]*types.Asset),
		accounts:    make(map[string]*types.Account),
		balances:    make(map[string]map[string]amount.Amount),
		locked:      make(map[string]map[string]amount.Amount),
		journal:     make(map[string]*ledger.Transaction),
		statusCache: cache,
		failNext:    make(map[string]error),
	}
}

func (a *Adapter) LedgerID() string  { return a.ledgerID }
func (a *Adapter) Kind() ledger.Kind { return ledger.KindMock }

// Finality returns the mock policy: confirmed transactions are immediately
// acceptable.
func (a *Adapter) Finality() ledger.FinalityPolicy { return ledger.FinalityPolicy{} }

// SetLatency injects artificial latency into every adapter call.
func (a *Adapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// FailNext arranges for the next call of the named operation ("transfer",
// "lock", "unlock") to fail once with err.
func (a *Adapter) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[op] = err
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	a.connected = true
	a.events = make(chan ledger.Event, eventBufferSize)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	close(a.events)
	a.events = nil
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) Events() <-chan ledger.Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events
}

// sleep applies the configured latency, respecting ctx.
func (a *Adapter) sleep(ctx context.Context) error {
	a.mu.RLock()
	d := a.latency
	a.mu.RUnlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeFailure consumes a forced failure for op, if any. Caller must hold mu.
func (a *Adapter) takeFailure(op string) error {
	if err, ok := a.failNext[op]; ok {
		delete(a.failNext, op)
		return ledger.NewAdapterError(a.ledgerID, op, false, err)
	}
	return nil
}

func (a *Adapter) CreateAsset(ctx context.Context, spec ledger.AssetSpec) (*types.Asset, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, ledger.ErrNotConnected
	}

	asset := &types.Asset{
		ID:          uuid.NewString(),
		Symbol:      spec.Symbol,
		Name:        spec.Name,
		Decimals:    spec.Decimals,
		TotalSupply: spec.TotalSupply,
		LedgerID:    a.ledgerID,
		Metadata:    spec.Metadata,
	}
	asset.FinID = types.FinID{ID: asset.ID, Kind: types.KindAsset, Domain: a.ledgerID}
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	a.assets[asset.ID] = asset
	return asset, nil
}

func (a *Adapter) GetAsset(ctx context.Context, assetID string) (*types.Asset, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, ledger.ErrNotConnected
	}
	asset, ok := a.assets[assetID]
	if !ok {
		return nil, ledger.ErrAssetNotFound
	}
	cp := *asset
	return &cp, nil
}

func (a *Adapter) CreateAccount(ctx context.Context, institutionID string) (*types.Account, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, ledger.ErrNotConnected
	}

	id := uuid.NewString()
	account := &types.Account{
		FinID:         types.FinID{ID: id, Kind: types.KindAccount, Domain: a.ledgerID},
		Address:       "mock:" + id,
		LedgerID:      a.ledgerID,
		InstitutionID: institutionID,
	}
	a.accounts[id] = account
	return account, nil
}

func (a *Adapter) GetAccount(ctx context.Context, accountID string) (*types.Account, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, ledger.ErrNotConnected
	}
	account, ok := a.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	// Refresh the balance view on read.
	cp := *account
	cp.Balances = make(map[string]amount.Amount, len(a.balances[accountID]))
	for assetID, bal := range a.balances[accountID] {
		cp.Balances[assetID] = bal
	}
	return &cp, nil
}

// Mint credits amt of assetID to accountID. Test and genesis helper; not
// part of the Adapter interface.
func (a *Adapter) Mint(accountID, assetID string, amt amount.Amount) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	bal := a.balanceLocked(accountID, assetID)
	next, err := bal.Add(amt)
	if err != nil {
		return err
	}
	a.setBalance(accountID, assetID, next)
	return nil
}

// balanceLocked returns the current balance. Caller must hold mu.
func (a *Adapter) balanceLocked(accountID, assetID string) amount.Amount {
	return a.balances[accountID][assetID]
}

func (a *Adapter) lockedAmount(accountID, assetID string) amount.Amount {
	return a.locked[accountID][assetID]
}

func (a *Adapter) setBalance(accountID, assetID string, v amount.Amount) {
	m, ok := a.balances[accountID]
	if !ok {
		m = make(map[string]amount.Amount)
		a.balances[accountID] = m
	}
	m[assetID] = v
}

func (a *Adapter) setLocked(accountID, assetID string, v amount.Amount) {
	m, ok := a.locked[accountID]
	if !ok {
		m = make(map[string]amount.Amount)
		a.locked[accountID] = m
	}
	m[assetID] = v
}

func (a *Adapter) GetBalance(ctx context.Context, accountID, assetID string) (amount.Amount, error) {
	if err := a.sleep(ctx); err != nil {
		return amount.Zero, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return amount.Zero, ledger.ErrNotConnected
	}
	return a.balanceLocked(accountID, assetID), nil
}

func (a *Adapter) GetAvailable(ctx context.Context, accountID, assetID string) (amount.Amount, error) {
	if err := a.sleep(ctx); err != nil {
		return amount.Zero, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return amount.Zero, ledger.ErrNotConnected
	}
	return a.balanceLocked(accountID, assetID).SaturatingSub(a.lockedAmount(accountID, assetID)), nil
}

func (a *Adapter) GetLocked(ctx context.Context, accountID, assetID string) (amount.Amount, error) {
	if err := a.sleep(ctx); err != nil {
		return amount.Zero, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return amount.Zero, ledger.ErrNotConnected
	}
	return a.lockedAmount(accountID, assetID), nil
}

// record appends a confirmed transaction to the journal and emits the
// corresponding event. Caller must hold mu.
func (a *Adapter) record(txType ledger.EventType, from, to, assetID string, amt amount.Amount) string {
	hash := fmt.Sprintf("mock-%s-%s", a.ledgerID, uuid.NewString())
	tx := &ledger.Transaction{
		Hash:      hash,
		From:      from,
		To:        to,
		AssetID:   assetID,
		Amount:    amt,
		Status:    ledger.TxConfirmed,
		Timestamp: time.Now(),
	}
	a.journal[hash] = tx
	a.statusCache.Add(hash, ledger.TxConfirmed)

	if a.events != nil {
		evt := ledger.Event{
			Type:      txType,
			LedgerID:  a.ledgerID,
			TxHash:    hash,
			Timestamp: tx.Timestamp,
		}
		select {
		case a.events <- evt:
		default:
		}
	}
	return hash
}

func (a *Adapter) Transfer(ctx context.Context, fromID, toID, assetID string, amt amount.Amount) (string, error) {
	if !amt.IsPositive() {
		return "", fmt.Errorf("%w: transfer amount must be positive", ledger.ErrInsufficientBalance)
	}
	if err := a.sleep(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", ledger.ErrNotConnected
	}
	if err := a.takeFailure("transfer"); err != nil {
		return "", err
	}

	available := a.balanceLocked(fromID, assetID).SaturatingSub(a.lockedAmount(fromID, assetID))
	if available.Less(amt) {
		return "", fmt.Errorf("%w: available %s < requested %s", ledger.ErrInsufficientBalance, available, amt)
	}

	fromBal, _ := a.balanceLocked(fromID, assetID).Sub(amt)
	toBal, err := a.balanceLocked(toID, assetID).Add(amt)
	if err != nil {
		return "", err
	}
	a.setBalance(fromID, assetID, fromBal)
	a.setBalance(toID, assetID, toBal)

	return a.record(ledger.EventTxConfirmed, fromID, toID, assetID, amt), nil
}

func (a *Adapter) LockAsset(ctx context.Context, accountID, assetID string, amt amount.Amount) (string, error) {
	if !amt.IsPositive() {
		return "", fmt.Errorf("%w: lock amount must be positive", ledger.ErrInsufficientBalance)
	}
	if err := a.sleep(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", ledger.ErrNotConnected
	}
	if err := a.takeFailure("lock"); err != nil {
		return "", err
	}

	available := a.balanceLocked(accountID, assetID).SaturatingSub(a.lockedAmount(accountID, assetID))
	if available.Less(amt) {
		return "", fmt.Errorf("%w: available %s < lock %s", ledger.ErrInsufficientBalance, available, amt)
	}

	next, err := a.lockedAmount(accountID, assetID).Add(amt)
	if err != nil {
		return "", err
	}
	a.setLocked(accountID, assetID, next)

	return a.record(ledger.EventAssetLocked, accountID, accountID, assetID, amt), nil
}

func (a *Adapter) UnlockAsset(ctx context.Context, accountID, assetID string, amt amount.Amount) (string, error) {
	if err := a.sleep(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", ledger.ErrNotConnected
	}
	if err := a.takeFailure("unlock"); err != nil {
		return "", err
	}

	current := a.lockedAmount(accountID, assetID)
	if current.Less(amt) {
		return "", fmt.Errorf("unlock %s exceeds locked %s", amt, current)
	}
	next, _ := current.Sub(amt)
	a.setLocked(accountID, assetID, next)

	return a.record(ledger.EventAssetUnlocked, accountID, accountID, assetID, amt), nil
}

func (a *Adapter) GetTransaction(ctx context.Context, txHash string) (*ledger.Transaction, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, ledger.ErrNotConnected
	}
	tx, ok := a.journal[txHash]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (a *Adapter) GetTransactionStatus(ctx context.Context, txHash string) (ledger.TxStatus, error) {
	if status, ok := a.statusCache.Get(txHash); ok {
		return status, nil
	}
	tx, err := a.GetTransaction(ctx, txHash)
	if err != nil {
		return "", err
	}
	a.statusCache.Add(txHash, tx.Status)
	return tx.Status, nil
}
