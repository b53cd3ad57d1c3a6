// Package transfer implements the per-transfer atomic-swap state machine:
// lock on the source ledger, the corresponding action on the destination,
// commit, or rollback. Each in-flight transfer is driven by its own
// goroutine; adapter events fan in through the engine's watchers.
package transfer

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransition is returned when a state change violates the
	// machine's edges.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTransferNotFound is returned for unknown transfer ids.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrLegTimeout is returned when a leg is not confirmed within the
	// configured bound. It forces a rollback.
	ErrLegTimeout = errors.New("leg confirmation timed out")

	// ErrEngineClosed is returned when the engine has been stopped.
	ErrEngineClosed = errors.New("transfer engine is closed")

	// ErrEscrowRequired is returned when a cross-ledger request has no
	// escrow account on the destination ledger.
	ErrEscrowRequired = errors.New("destination escrow account required")

	// ErrLedgerTxFailed is returned when a leg transaction fails on the
	// ledger.
	ErrLedgerTxFailed = errors.New("ledger transaction failed")
)

// State is a node of the atomic-swap machine.
type State string

const (
	StateInitiated            State = "INITIATED"
	StateLeg1PrepareSent      State = "LEG1_PREPARE_SENT"
	StateLeg1PrepareConfirmed State = "LEG1_PREPARE_CONFIRMED"
	StateLeg2PrepareSent      State = "LEG2_PREPARE_SENT"
	StateLeg2PrepareConfirmed State = "LEG2_PREPARE_CONFIRMED"
	StateCommitSent           State = "COMMIT_SENT"
	StateCompleted            State = "COMPLETED"
	StateRollback             State = "ROLLBACK"
)

// IsTerminal returns true for the absorbing states.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateRollback
}

// stateNext enumerates the forward edges. ROLLBACK is additionally
// reachable from every non-terminal state.
var stateNext = map[State]State{
	StateInitiated:            StateLeg1PrepareSent,
	StateLeg1PrepareSent:      StateLeg1PrepareConfirmed,
	StateLeg1PrepareConfirmed: StateLeg2PrepareSent,
	StateLeg2PrepareSent:      StateLeg2PrepareConfirmed,
	StateLeg2PrepareConfirmed: StateCommitSent,
	StateCommitSent:           StateCompleted,
}

// CanTransition reports whether the edge s -> to exists.
func (s State) CanTransition(to State) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StateRollback {
		return true
	}
	return stateNext[s] == to
}

// StateChange is one transition of one transfer, mirrored to the
// key-value pub/sub channel for observers.
type StateChange struct {
	TransferID string    `json:"transferId"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
