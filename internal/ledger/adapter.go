// Package ledger defines the uniform adapter contract over one concrete
// distributed ledger. The router core only ever talks to ledgers through
// this interface; individual adapters (mock, sui, hedera, ...) live in
// subpackages.
package ledger

import (
	"context"
	"time"

	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/core/types"
)

// Kind is the typed ledger identifier an adapter exposes.
type Kind string

const (
	KindMock   Kind = "mock"
	KindSui    Kind = "sui"
	KindHedera Kind = "hedera"
	KindAptos  Kind = "aptos"
	KindFabric Kind = "fabric"
)

// TxStatus is the lifecycle status of a ledger transaction. A pending
// transaction must never be treated as confirmed.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Transaction is an adapter's view of one ledger transaction.
type Transaction struct {
	Hash      string        `json:"hash"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	AssetID   string        `json:"assetId"`
	Amount    amount.Amount `json:"amount"`
	Status    TxStatus      `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// AssetSpec describes an asset to create on a ledger.
type AssetSpec struct {
	Symbol      string
	Name        string
	Decimals    uint8
	TotalSupply amount.Amount
	Metadata    map[string]string
}

// FinalityPolicy tells the transfer state machine when a confirmed
// transaction is acceptable for leg progression. The zero value means
// immediate acceptance, which is the mock adapter's default.
type FinalityPolicy struct {
	// Confirmations is the number of ledger confirmations required.
	Confirmations int
	// MinAge is the minimum time since the transaction confirmed.
	MinAge time.Duration
}

// EventType identifies an adapter event.
type EventType string

const (
	EventAssetLocked   EventType = "asset_locked"
	EventAssetUnlocked EventType = "asset_unlocked"
	EventTxConfirmed   EventType = "tx_confirmed"
	EventTxFailed      EventType = "tx_failed"
)

// Event is emitted by an adapter when an asset lock or a terminal
// transaction state is observed. OperationID correlates the event with a
// cross-ledger operation when one is in flight.
type Event struct {
	Type        EventType
	LedgerID    string
	TxHash      string
	OperationID string
	Timestamp   time.Time
}

// Adapter is the uniform capability set over one ledger.
//
// Connect, Disconnect, and IsConnected are idempotent. All amounts are
// non-negative 128-bit integers. Balance reads are atomic with respect to
// the ledger's own finality.
type Adapter interface {
	LedgerID() string
	Kind() Kind

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	CreateAsset(ctx context.Context, spec AssetSpec) (*types.Asset, error)
	GetAsset(ctx context.Context, assetID string) (*types.Asset, error)

	CreateAccount(ctx context.Context, institutionID string) (*types.Account, error)
	GetAccount(ctx context.Context, accountID string) (*types.Account, error)

	// GetBalance returns the total balance; GetAvailable returns
	// balance - locked; GetLocked returns the locked portion. Adapters
	// without native locking report locked = 0.
	GetBalance(ctx context.Context, accountID, assetID string) (amount.Amount, error)
	GetAvailable(ctx context.Context, accountID, assetID string) (amount.Amount, error)
	GetLocked(ctx context.Context, accountID, assetID string) (amount.Amount, error)

	// Transfer moves amount within this ledger and returns the tx hash.
	// The adapter guarantees atomicity at the ledger level.
	Transfer(ctx context.Context, fromID, toID, assetID string, amt amount.Amount) (string, error)

	// LockAsset and UnlockAsset manage the on-ledger custody primitive
	// behind balance locking. The effect is observable through GetLocked.
	LockAsset(ctx context.Context, accountID, assetID string, amt amount.Amount) (string, error)
	UnlockAsset(ctx context.Context, accountID, assetID string, amt amount.Amount) (string, error)

	GetTransaction(ctx context.Context, txHash string) (*Transaction, error)
	GetTransactionStatus(ctx context.Context, txHash string) (TxStatus, error)

	// Finality returns the adapter's acceptance policy for confirmed
	// transactions.
	Finality() FinalityPolicy

	// Events returns the adapter's event stream. The channel is closed on
	// Disconnect.
	Events() <-chan Event
}
