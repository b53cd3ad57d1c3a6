package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/finp2p/finp2p-router/internal/confirmation/processor"
	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/kv"
	"github.com/finp2p/finp2p-router/internal/ledger"
	"github.com/finp2p/finp2p-router/internal/ledger/manager"
)

// TaskSubmitter queues a confirmation write after a transfer completes.
// Satisfied by *processor.Processor.
type TaskSubmitter interface {
	AddTask(transfer *types.Transfer, priority processor.Priority, maxRetries int) (string, error)
}

// Request describes one transfer to execute. FromLedger == ToLedger
// selects the same-ledger short circuit; otherwise the atomic-swap
// machine runs and EscrowAccountID must name the router's operational
// account on the destination ledger.
type Request struct {
	Transfer        *types.Transfer
	FromLedger      string
	ToLedger        string
	FromAccountID   string
	ToAccountID     string
	EscrowAccountID string
	AssetID         string
}

// Config holds the transfer engine tunables.
type Config struct {
	// LegTimeout bounds the wait for each leg's ledger confirmation.
	LegTimeout time.Duration

	// TransferTTL is the overall transfer deadline; older non-completed
	// transfers are forced to failed.
	TransferTTL time.Duration

	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		LegTimeout:    5 * time.Minute,
		TransferTTL:   60 * time.Minute,
		SweepInterval: 60 * time.Second,
	}
}

// Status is a point-in-time view of one transfer's execution.
type Status struct {
	TransferID     string
	State          State
	TransferStatus types.TransferStatus
	OperationID    string
	Leg1TxHash     string
	Leg2TxHash     string
	Err            string
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// execution is the engine's internal per-transfer record. The driving
// goroutine owns the step sequence; field access serializes on the
// engine mutex.
type execution struct {
	req         Request
	state       State
	direct      bool
	operationID string
	leg1TxHash  string
	leg2TxHash  string
	err         error
	startedAt   time.Time
	updatedAt   time.Time
}

// Engine runs transfer executions and the expiry sweep.
type Engine struct {
	cfg     Config
	manager *manager.Manager
	kv      kv.Store
	tasks   TaskSubmitter
	logger  *log.Logger

	mu     sync.RWMutex
	active map[string]*execution
	subs   map[string]chan ledger.Event

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	started   bool
}

// New creates a transfer engine. tasks may be nil, in which case no
// confirmation tasks are submitted on completion.
func New(cfg Config, mgr *manager.Manager, store kv.Store, tasks TaskSubmitter) *Engine {
	def := DefaultConfig()
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = def.LegTimeout
	}
	if cfg.TransferTTL <= 0 {
		cfg.TransferTTL = def.TransferTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Engine{
		cfg:     cfg,
		manager: mgr,
		kv:      store,
		tasks:   tasks,
		logger:  log.New(os.Stderr, "[transfer-engine] ", log.LstdFlags),
		active:  make(map[string]*execution),
		subs:    make(map[string]chan ledger.Event),
		closeCh: make(chan struct{}),
	}
}

// Start launches the adapter event watchers and the expiry sweep.
// Adapters must be connected before Start so their event streams exist.
// Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for _, id := range e.manager.Adapters() {
		a, err := e.manager.Adapter(id)
		if err != nil {
			continue
		}
		events := a.Events()
		if events == nil {
			continue
		}
		e.wg.Add(1)
		go e.watch(events)
	}

	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop shuts the engine down. In-flight executions observe the close and
// abort into rollback. Idempotent.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() { close(e.closeCh) })
	e.wg.Wait()
}

// Execute validates the request, registers the execution, and drives it
// on its own goroutine. Progress is observable through Status.
func (e *Engine) Execute(req Request) error {
	if req.Transfer == nil {
		return fmt.Errorf("transfer is required")
	}
	if err := req.Transfer.Validate(); err != nil {
		return err
	}
	if req.FromLedger == "" || req.ToLedger == "" {
		return fmt.Errorf("source and destination ledgers are required")
	}
	direct := req.FromLedger == req.ToLedger
	if !direct && req.EscrowAccountID == "" {
		return ErrEscrowRequired
	}

	select {
	case <-e.closeCh:
		return ErrEngineClosed
	default:
	}

	now := time.Now()
	x := &execution{
		req:       req,
		state:     StateInitiated,
		direct:    direct,
		startedAt: now,
		updatedAt: now,
	}

	e.mu.Lock()
	if _, dup := e.active[req.Transfer.ID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("transfer %s already executing", req.Transfer.ID)
	}
	e.active[req.Transfer.ID] = x
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(x)
	return nil
}

// Status returns the current view of a transfer known to the engine.
func (e *Engine) Status(transferID string) (*Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.active[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	return e.snapshotLocked(x), nil
}

// ActiveCount returns the number of tracked executions, terminal ones
// included until the sweep removes them.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

func (e *Engine) snapshotLocked(x *execution) *Status {
	s := &Status{
		TransferID:     x.req.Transfer.ID,
		State:          x.state,
		TransferStatus: x.req.Transfer.Status,
		OperationID:    x.operationID,
		Leg1TxHash:     x.leg1TxHash,
		Leg2TxHash:     x.leg2TxHash,
		StartedAt:      x.startedAt,
		UpdatedAt:      x.updatedAt,
	}
	if x.err != nil {
		s.Err = x.err.Error()
	}
	return s
}

// run drives one execution to a terminal state.
func (e *Engine) run(x *execution) {
	defer e.wg.Done()

	if x.direct {
		e.runDirect(x)
		return
	}
	e.runCrossLedger(x)
}

// runDirect is the same-ledger short circuit: one adapter transfer, the
// usual status walk, no reservations.
func (e *Engine) runDirect(x *execution) {
	adapter, err := e.manager.Adapter(x.req.FromLedger)
	if err != nil {
		e.rollback(x, err)
		return
	}

	e.setTransferStatus(x, types.TransferRouting)
	e.setTransferStatus(x, types.TransferExecuting)

	ctx, cancel := e.runContext()
	defer cancel()
	txHash, err := adapter.Transfer(ctx, x.req.FromAccountID, x.req.ToAccountID, x.req.AssetID, x.req.Transfer.Amount)
	if err != nil {
		e.rollback(x, err)
		return
	}

	e.mu.Lock()
	x.leg1TxHash = txHash
	e.mu.Unlock()
	e.complete(x)
}

// runCrossLedger walks the atomic-swap machine: lock on the source,
// escrow transfer on the destination, commit.
func (e *Engine) runCrossLedger(x *execution) {
	ctx, cancel := e.runContext()
	defer cancel()

	fromAdapter, err := e.manager.Adapter(x.req.FromLedger)
	if err != nil {
		e.rollback(x, err)
		return
	}
	toAdapter, err := e.manager.Adapter(x.req.ToLedger)
	if err != nil {
		e.rollback(x, err)
		return
	}

	// Leg 1: reserve and lock on the source.
	op, err := e.manager.InitiateCrossLedgerTransfer(ctx,
		x.req.FromLedger, x.req.ToLedger,
		x.req.FromAccountID, x.req.ToAccountID,
		x.req.AssetID, x.req.Transfer.Amount)
	if err != nil {
		e.rollback(x, err)
		return
	}
	e.mu.Lock()
	x.operationID = op.ID
	e.mu.Unlock()

	if err := e.setState(x, StateLeg1PrepareSent, ""); err != nil {
		e.rollback(x, err)
		return
	}
	lockTx, err := e.manager.LockReservedBalance(ctx, op.Reservations[0])
	if err != nil {
		e.rollback(x, err)
		return
	}
	e.mu.Lock()
	x.leg1TxHash = lockTx
	e.mu.Unlock()

	if err := e.awaitFinal(ctx, fromAdapter, lockTx); err != nil {
		e.rollback(x, err)
		return
	}
	if err := e.setState(x, StateLeg1PrepareConfirmed, ""); err != nil {
		e.rollback(x, err)
		return
	}

	// Leg 2: release the amount from escrow on the destination.
	if err := e.setState(x, StateLeg2PrepareSent, ""); err != nil {
		e.rollback(x, err)
		return
	}
	destTx, err := toAdapter.Transfer(ctx, x.req.EscrowAccountID, x.req.ToAccountID, x.req.AssetID, x.req.Transfer.Amount)
	if err != nil {
		e.rollback(x, err)
		return
	}
	e.mu.Lock()
	x.leg2TxHash = destTx
	e.mu.Unlock()

	if err := e.awaitFinal(ctx, toAdapter, destTx); err != nil {
		e.rollback(x, err)
		return
	}
	if err := e.setState(x, StateLeg2PrepareConfirmed, ""); err != nil {
		e.rollback(x, err)
		return
	}

	// Commit: the source lock stays in place backing the destination
	// credit; the reservation itself is released.
	if err := e.setState(x, StateCommitSent, ""); err != nil {
		e.rollback(x, err)
		return
	}
	if err := e.manager.CompleteOperation(ctx, op.ID); err != nil {
		e.rollback(x, err)
		return
	}
	e.complete(x)
}

// runContext bounds a whole execution by the transfer TTL; each leg's
// confirmation wait is additionally bounded by the leg timeout.
func (e *Engine) runContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.TransferTTL)
}

// awaitFinal waits until the transaction is confirmed on the ledger and
// the adapter's finality policy is satisfied. The status is probed once
// up front so an event emitted before subscription is not lost.
func (e *Engine) awaitFinal(ctx context.Context, a ledger.Adapter, txHash string) error {
	sub := e.subscribe(txHash)
	defer e.unsubscribe(txHash)

	st, err := a.GetTransactionStatus(ctx, txHash)
	if err == nil {
		switch st {
		case ledger.TxConfirmed:
			return e.awaitFinality(ctx, a, txHash)
		case ledger.TxFailed:
			return fmt.Errorf("%w: %s", ErrLedgerTxFailed, txHash)
		}
	}

	timer := time.NewTimer(e.cfg.LegTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-sub:
			switch ev.Type {
			case ledger.EventTxFailed:
				return fmt.Errorf("%w: %s", ErrLedgerTxFailed, txHash)
			default:
				return e.awaitFinality(ctx, a, txHash)
			}
		case <-timer.C:
			return fmt.Errorf("%w: %s on %s", ErrLegTimeout, txHash, a.LedgerID())
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closeCh:
			return ErrEngineClosed
		}
	}
}

// awaitFinality honors the adapter's time-based finality policy. Depth
// policies are enforced by the adapter itself through its status
// reporting.
func (e *Engine) awaitFinality(ctx context.Context, a ledger.Adapter, txHash string) error {
	policy := a.Finality()
	if policy.MinAge <= 0 {
		return nil
	}
	tx, err := a.GetTransaction(ctx, txHash)
	if err != nil {
		return err
	}
	wait := time.Until(tx.Timestamp.Add(policy.MinAge))
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closeCh:
		return ErrEngineClosed
	}
}

// setState applies an edge-checked transition and mirrors it to the
// transfer's event channel. Direct executions jump straight to COMPLETED.
func (e *Engine) setState(x *execution, to State, reason string) error {
	e.mu.Lock()
	from := x.state
	allowed := from.CanTransition(to)
	if !allowed && x.direct && to == StateCompleted && !from.IsTerminal() {
		allowed = true
	}
	if !allowed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	x.state = to
	x.updatedAt = time.Now()

	var target types.TransferStatus
	switch to {
	case StateLeg1PrepareSent:
		target = types.TransferRouting
	case StateLeg2PrepareSent:
		target = types.TransferExecuting
	case StateCompleted:
		target = types.TransferCompleted
	case StateRollback:
		target = types.TransferFailed
	}
	if target != "" && x.req.Transfer.Status.CanTransition(target) {
		x.req.Transfer.Status = target
	}
	e.mu.Unlock()

	e.publishChange(StateChange{
		TransferID: x.req.Transfer.ID,
		From:       from,
		To:         to,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
	return nil
}

// setTransferStatus walks the user-visible status without touching the
// machine state. Used by the same-ledger short circuit.
func (e *Engine) setTransferStatus(x *execution, to types.TransferStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if x.req.Transfer.Status.CanTransition(to) {
		x.req.Transfer.Status = to
		x.updatedAt = time.Now()
	}
}

// complete finalizes a successful execution and submits the confirmation
// task.
func (e *Engine) complete(x *execution) {
	if x.direct {
		e.setTransferStatus(x, types.TransferCompleted)
	}
	if err := e.setState(x, StateCompleted, ""); err != nil {
		e.rollback(x, err)
		return
	}
	if e.tasks != nil {
		if _, err := e.tasks.AddTask(x.req.Transfer, processor.PriorityMedium, 0); err != nil {
			e.logger.Printf("transfer %s: confirmation task rejected: %v", x.req.Transfer.ID, err)
		}
	}
}

// rollback forces a failed execution into ROLLBACK, releasing its
// reservations and unlocking the source. Unlock failures are logged but
// never block the transition.
func (e *Engine) rollback(x *execution, cause error) {
	e.mu.Lock()
	if x.state.IsTerminal() {
		e.mu.Unlock()
		return
	}
	x.err = cause
	e.mu.Unlock()

	if err := e.setState(x, StateRollback, cause.Error()); err != nil {
		return
	}
	e.logger.Printf("transfer %s rolled back: %v", x.req.Transfer.ID, cause)

	e.mu.RLock()
	opID := x.operationID
	e.mu.RUnlock()
	if opID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.manager.RollbackCrossLedgerOperation(ctx, opID); err != nil {
		e.logger.Printf("transfer %s: operation rollback failed: %v", x.req.Transfer.ID, err)
	}
}

// publishChange mirrors a transition to the transfer's pub/sub channel.
// Best effort; the machine never depends on it.
func (e *Engine) publishChange(ch StateChange) {
	raw, err := json.Marshal(ch)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.kv.Publish(ctx, kv.TransferEventsChannel(ch.TransferID), string(raw)); err != nil {
		e.logger.Printf("transfer %s: event publish failed: %v", ch.TransferID, err)
	}
}

// subscribe registers interest in events for one transaction hash.
func (e *Engine) subscribe(txHash string) chan ledger.Event {
	ch := make(chan ledger.Event, 4)
	e.mu.Lock()
	e.subs[txHash] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) unsubscribe(txHash string) {
	e.mu.Lock()
	delete(e.subs, txHash)
	e.mu.Unlock()
}

// watch fans one adapter's event stream into per-transaction
// subscriptions.
func (e *Engine) watch(events <-chan ledger.Event) {
	defer e.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.mu.RLock()
			sub := e.subs[ev.TxHash]
			e.mu.RUnlock()
			if sub != nil {
				select {
				case sub <- ev:
				default:
				}
			}
		case <-e.closeCh:
			return
		}
	}
}

// sweepLoop periodically expires stale executions and drops terminal
// ones from the active table.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.SweepExpired()
		case <-e.closeCh:
			return
		}
	}
}

// SweepExpired forces transfers older than the TTL to failed and removes
// terminal executions. Returns the number of expired transfers.
func (e *Engine) SweepExpired() int {
	now := time.Now()

	e.mu.Lock()
	var stale []*execution
	for id, x := range e.active {
		if x.state.IsTerminal() {
			delete(e.active, id)
			continue
		}
		if now.Sub(x.startedAt) > e.cfg.TransferTTL {
			stale = append(stale, x)
		}
	}
	e.mu.Unlock()

	for _, x := range stale {
		e.rollback(x, fmt.Errorf("transfer ttl exceeded after %s", e.cfg.TransferTTL))
	}
	return len(stale)
}
