// Package types defines the shared domain model of the FinP2P router:
// identities, assets, accounts, transfers, and the router roster.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/finp2p/finp2p-router/internal/core/amount"
)

// FinIDKind classifies what a FinID refers to.
type FinIDKind string

const (
	KindInstitution FinIDKind = "institution"
	KindAsset       FinIDKind = "asset"
	KindAccount     FinIDKind = "account"
)

// FinID is an identity handle usable across ledgers.
// FinIDs are immutable once issued.
type FinID struct {
	ID     string    `json:"id"`
	Kind   FinIDKind `json:"kind"`
	Domain string    `json:"domain"`
}

// String returns the canonical "id@domain" form.
func (f FinID) String() string {
	if f.Domain == "" {
		return f.ID
	}
	return f.ID + "@" + f.Domain
}

// IsZero returns true for the empty FinID.
func (f FinID) IsZero() bool { return f.ID == "" }

// Asset is a symbolic, decimal-aware fungible token identity.
// Assets are created by a ledger adapter and never deleted.
type Asset struct {
	ID              string            `json:"id"`
	FinID           FinID             `json:"finId"`
	Symbol          string            `json:"symbol"`
	Name            string            `json:"name"`
	Decimals        uint8             `json:"decimals"`
	TotalSupply     amount.Amount     `json:"totalSupply"`
	LedgerID        string            `json:"ledgerId"`
	ContractAddress string            `json:"contractAddress,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// MaxDecimals is the largest supported decimal precision for an asset.
const MaxDecimals = 38

// Validate checks the structural invariants of an asset.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return errors.New("asset id must not be empty")
	}
	if a.Decimals > MaxDecimals {
		return fmt.Errorf("asset decimals %d exceeds maximum %d", a.Decimals, MaxDecimals)
	}
	return nil
}

// Account is a ledger-specific custody container. The balance map is a view
// refreshed on read, not an authoritative store.
type Account struct {
	FinID         FinID                    `json:"finId"`
	Address       string                   `json:"address"`
	LedgerID      string                   `json:"ledgerId"`
	InstitutionID string                   `json:"institutionId"`
	Balances      map[string]amount.Amount `json:"balances,omitempty"`
}

// TransferStatus is the user-visible status of a transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferRouting   TransferStatus = "routing"
	TransferExecuting TransferStatus = "executing"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// IsTerminal returns true for statuses a transfer can never leave.
func (s TransferStatus) IsTerminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferCancelled
}

// transferNext enumerates the legal forward edges of the status DAG.
// cancelled is reachable from any non-terminal status and handled separately.
var transferNext = map[TransferStatus][]TransferStatus{
	TransferPending:   {TransferRouting},
	TransferRouting:   {TransferExecuting},
	TransferExecuting: {TransferCompleted, TransferFailed},
}

// CanTransition reports whether a transfer may move from to to.
func (s TransferStatus) CanTransition(to TransferStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == TransferCancelled || to == TransferFailed {
		return true
	}
	for _, next := range transferNext[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transfer is a user-visible transfer request.
type Transfer struct {
	ID          string            `json:"id"`
	FromAccount FinID             `json:"fromAccount"`
	ToAccount   FinID             `json:"toAccount"`
	Asset       FinID             `json:"asset"`
	Amount      amount.Amount     `json:"amount"`
	Status      TransferStatus    `json:"status"`
	Route       []RouteStep       `json:"route,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Validate checks the transfer invariants that hold before any I/O.
func (t *Transfer) Validate() error {
	if t.ID == "" {
		return errors.New("transfer id must not be empty")
	}
	if !t.Amount.IsPositive() {
		return errors.New("transfer amount must be positive")
	}
	if t.FromAccount.IsZero() || t.ToAccount.IsZero() {
		return errors.New("transfer accounts must be set")
	}
	return nil
}

// RouteAction is the ledger action performed by one route step.
type RouteAction string

const (
	ActionLock     RouteAction = "lock"
	ActionUnlock   RouteAction = "unlock"
	ActionMint     RouteAction = "mint"
	ActionBurn     RouteAction = "burn"
	ActionTransfer RouteAction = "transfer"
)

// StepStatus is the execution status of a route step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// RouteStep is one hop of a transfer plan.
type RouteStep struct {
	RouterID  string      `json:"routerId"`
	LedgerID  string      `json:"ledgerId"`
	Action    RouteAction `json:"action"`
	Status    StepStatus  `json:"status"`
	TxHash    string      `json:"txHash,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// ValidateRoute checks the structural rules of a route plan before
// execution: a lock step must be succeeded by a mint, and a burn step must
// be succeeded by an unlock.
func ValidateRoute(route []RouteStep) error {
	for i, step := range route {
		switch step.Action {
		case ActionLock:
			if i+1 >= len(route) || route[i+1].Action != ActionMint {
				return fmt.Errorf("route step %d: lock must be followed by mint", i)
			}
		case ActionBurn:
			if i+1 >= len(route) || route[i+1].Action != ActionUnlock {
				return fmt.Errorf("route step %d: burn must be followed by unlock", i)
			}
		case ActionMint, ActionUnlock, ActionTransfer:
		default:
			return fmt.Errorf("route step %d: unknown action %q", i, step.Action)
		}
	}
	return nil
}

// RouterStatus is the liveness status of a peer router.
type RouterStatus string

const (
	RouterOnline      RouterStatus = "online"
	RouterOffline     RouterStatus = "offline"
	RouterMaintenance RouterStatus = "maintenance"
)

// RouterInfo describes a router in the federation roster.
type RouterInfo struct {
	ID               string       `json:"id"`
	Endpoint         string       `json:"endpoint"`
	PublicKey        string       `json:"publicKey"`
	SupportedLedgers []string     `json:"supportedLedgers"`
	Status           RouterStatus `json:"status"`
	LastSeen         time.Time    `json:"lastSeen"`
}

// NetworkTopology is a point-in-time snapshot of the router roster and its
// adjacency, refreshed on heartbeat.
type NetworkTopology struct {
	Routers     map[string]RouterInfo `json:"routers"`
	Connections map[string][]string   `json:"connections"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}
