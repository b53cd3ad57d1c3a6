package router

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/kv"
	"github.com/finp2p/finp2p-router/internal/transfer"
)

// RoutingEntry maps one ledger to the router serving it.
type RoutingEntry struct {
	RouterID  string    `json:"routerId"`
	LedgerID  string    `json:"ledgerId"`
	Endpoint  string    `json:"endpoint,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func routingKey(e RoutingEntry) string { return e.RouterID + "/" + e.LedgerID }

// localRoutingEntries describes this router's own ledgers.
func (r *Router) localRoutingEntries() []RoutingEntry {
	now := time.Now()
	var out []RoutingEntry
	for _, id := range r.manager.Adapters() {
		out = append(out, RoutingEntry{
			RouterID:  r.cfg.RouterID,
			LedgerID:  id,
			Endpoint:  r.cfg.Endpoint,
			UpdatedAt: now,
		})
	}
	return out
}

// heartbeatEntries derives routing entries from a peer heartbeat.
func heartbeatEntries(p HeartbeatPayload) []RoutingEntry {
	now := time.Now()
	out := make([]RoutingEntry, 0, len(p.Ledgers))
	for _, ledgerID := range p.Ledgers {
		out = append(out, RoutingEntry{
			RouterID:  p.RouterID,
			LedgerID:  ledgerID,
			Endpoint:  p.Endpoint,
			UpdatedAt: now,
		})
	}
	return out
}

// RoutingTable returns the table entries sorted by router then ledger.
func (r *Router) RoutingTable() []RoutingEntry {
	r.mu.RLock()
	out := make([]RoutingEntry, 0, len(r.table))
	for _, e := range r.table {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return routingKey(out[i]) < routingKey(out[j]) })
	return out
}

// RoutersForLedger returns the routers known to serve a ledger.
func (r *Router) RoutersForLedger(ledgerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, e := range r.table {
		if e.LedgerID == ledgerID {
			out = append(out, e.RouterID)
		}
	}
	sort.Strings(out)
	return out
}

// mergeRoutingEntries folds entries into the table, newest wins, and
// persists the result.
func (r *Router) mergeRoutingEntries(ctx context.Context, entries []RoutingEntry) {
	if len(entries) == 0 {
		return
	}
	r.mu.Lock()
	changed := false
	for _, e := range entries {
		key := routingKey(e)
		if prev, ok := r.table[key]; ok && !e.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		r.table[key] = e
		changed = true
	}
	r.mu.Unlock()

	if changed {
		if err := r.saveRoutingTable(ctx); err != nil {
			r.logger.Printf("routing table save: %v", err)
		}
	}
}

// loadRoutingTable restores the persisted table, seeded with the local
// entries.
func (r *Router) loadRoutingTable(ctx context.Context) error {
	local := r.localRoutingEntries()

	raw, err := r.store.Get(ctx, kv.RoutingTableKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		r.mergeRoutingEntries(ctx, local)
		return nil
	}
	if err != nil {
		return err
	}

	var entries []RoutingEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return err
	}
	r.mergeRoutingEntries(ctx, append(entries, local...))
	return nil
}

// saveRoutingTable persists the table as a JSON array.
func (r *Router) saveRoutingTable(ctx context.Context) error {
	raw, err := json.Marshal(r.RoutingTable())
	if err != nil {
		return err
	}
	return r.store.Set(ctx, kv.RoutingTableKey, string(raw))
}

// buildRoute plans the route steps for a transfer intent: lock then mint
// across ledgers, a single transfer step within one.
func (r *Router) buildRoute(req TransferRequestPayload) []types.RouteStep {
	now := time.Now()
	if req.FromLedger == req.ToLedger {
		return []types.RouteStep{{
			RouterID:  r.cfg.RouterID,
			LedgerID:  req.FromLedger,
			Action:    types.ActionTransfer,
			Status:    types.StepPending,
			Timestamp: now,
		}}
	}
	return []types.RouteStep{
		{
			RouterID:  r.cfg.RouterID,
			LedgerID:  req.FromLedger,
			Action:    types.ActionLock,
			Status:    types.StepPending,
			Timestamp: now,
		},
		{
			RouterID:  r.cfg.RouterID,
			LedgerID:  req.ToLedger,
			Action:    types.ActionMint,
			Status:    types.StepPending,
			Timestamp: now,
		},
	}
}

// transferRequestOf converts a transfer intent into an engine request.
func transferRequestOf(p TransferRequestPayload) transfer.Request {
	return transfer.Request{
		Transfer:        p.Transfer,
		FromLedger:      p.FromLedger,
		ToLedger:        p.ToLedger,
		FromAccountID:   p.FromAccountID,
		ToAccountID:     p.ToAccountID,
		EscrowAccountID: p.EscrowAccountID,
		AssetID:         p.AssetID,
	}
}
