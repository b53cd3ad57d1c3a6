// Package router implements the router core: lifecycle, the peer roster,
// signed inter-router messaging, the routing table, and the periodic
// heartbeat, metrics, and expiry tasks.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finp2p/finp2p-router/internal/authority"
	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/crypto"
	"github.com/finp2p/finp2p-router/internal/kv"
	"github.com/finp2p/finp2p-router/internal/ledger/manager"
	"github.com/finp2p/finp2p-router/internal/transfer"
	"github.com/finp2p/finp2p-router/internal/transport"
)

var (
	// ErrPeerNotFound is returned for unknown peer ids.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrNotStarted is returned when an operation needs a running router.
	ErrNotStarted = errors.New("router not started")

	// ErrAuthorityDenied is returned when this router holds no authority
	// over the requested asset.
	ErrAuthorityDenied = errors.New("authority denied")
)

// Config holds the router core tunables.
type Config struct {
	RouterID string
	Endpoint string

	// HeartbeatInterval is the period of heartbeat writes and broadcasts.
	HeartbeatInterval time.Duration

	// MessageTTL is the lifetime stamped on outbound envelopes.
	MessageTTL time.Duration

	// ResponseTimeout bounds waits for transfer responses.
	ResponseTimeout time.Duration

	// SweepInterval is the period of the reservation and transfer expiry
	// sweeps.
	SweepInterval time.Duration

	// MetricsInterval is the period of the metrics refresh.
	MetricsInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MessageTTL:        60 * time.Second,
		ResponseTimeout:   30 * time.Second,
		SweepInterval:     60 * time.Second,
		MetricsInterval:   15 * time.Second,
	}
}

// Metrics is a point-in-time snapshot of router counters.
type Metrics struct {
	Peers            int
	OnlinePeers      int
	ActiveTransfers  int
	Reservations     int
	RoutingEntries   int
	MessagesReceived uint64
	MessagesDropped  uint64
	VerifyFailures   uint64
	HeartbeatsSent   uint64
	UpdatedAt        time.Time
}

// Router is the federation-facing core tying the subsystems together.
type Router struct {
	cfg       Config
	signer    *crypto.Signer
	store     kv.Store
	authority *authority.Service
	manager   *manager.Manager
	engine    *transfer.Engine
	transport transport.Transport
	logger    *log.Logger

	mu      sync.RWMutex
	peers   map[string]*types.RouterInfo
	table   map[string]RoutingEntry
	pending map[string]chan *TransferResponsePayload
	started bool
	metrics Metrics

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires a router core. All dependencies are required.
func New(cfg Config, signer *crypto.Signer, store kv.Store, auth *authority.Service, mgr *manager.Manager, engine *transfer.Engine, tp transport.Transport) *Router {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = def.MessageTTL
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = def.MetricsInterval
	}
	return &Router{
		cfg:       cfg,
		signer:    signer,
		store:     store,
		authority: auth,
		manager:   mgr,
		engine:    engine,
		transport: tp,
		logger:    log.New(os.Stderr, "[router] ", log.LstdFlags),
		peers:     make(map[string]*types.RouterInfo),
		table:     make(map[string]RoutingEntry),
		pending:   make(map[string]chan *TransferResponsePayload),
	}
}

// ID returns the router's id.
func (r *Router) ID() string { return r.cfg.RouterID }

// Start brings the router up: routing table load, transport listener,
// and the periodic tasks. Idempotent.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if err := r.loadRoutingTable(ctx); err != nil {
		r.logger.Printf("routing table load: %v", err)
	}
	if err := r.transport.Start(ctx, r.handleMessage); err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		return fmt.Errorf("transport start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	r.mu.Lock()
	r.cancel = cancel
	r.group = g
	r.mu.Unlock()

	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.sweepLoop(gctx) })
	g.Go(func() error { return r.metricsLoop(gctx) })

	// First heartbeat up front so authority checks see us immediately.
	r.beat(ctx)
	r.logger.Printf("router %s started on %s", r.cfg.RouterID, r.cfg.Endpoint)
	return nil
}

// Stop shuts the router down. Idempotent.
func (r *Router) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	g := r.group
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := r.transport.Close()
	if g != nil {
		g.Wait()
	}
	r.logger.Printf("router %s stopped", r.cfg.RouterID)
	return err
}

func (r *Router) isStarted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// heartbeatLoop writes this router's heartbeat and broadcasts it to all
// peers every interval. Peers silent for two intervals are marked
// offline.
func (r *Router) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.beat(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Router) beat(ctx context.Context) {
	if err := r.authority.Heartbeat(ctx); err != nil {
		r.logger.Printf("heartbeat write: %v", err)
	}
	r.BroadcastHeartbeat(ctx)

	stale := time.Now().Add(-2 * r.cfg.HeartbeatInterval)
	r.mu.Lock()
	for _, p := range r.peers {
		if p.Status == types.RouterOnline && p.LastSeen.Before(stale) {
			p.Status = types.RouterOffline
		}
	}
	r.mu.Unlock()
}

func (r *Router) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.manager.SweepExpired(ctx); n > 0 {
				r.logger.Printf("expired %d reservations", n)
			}
			if n := r.engine.SweepExpired(); n > 0 {
				r.logger.Printf("expired %d transfers", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Router) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.refreshMetrics()
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Router) refreshMetrics() {
	active := r.engine.ActiveCount()
	reservations := r.manager.Metrics().ActiveReservations

	r.mu.Lock()
	r.metrics.Peers = len(r.peers)
	online := 0
	for _, p := range r.peers {
		if p.Status == types.RouterOnline {
			online++
		}
	}
	r.metrics.OnlinePeers = online
	r.metrics.ActiveTransfers = active
	r.metrics.Reservations = reservations
	r.metrics.RoutingEntries = len(r.table)
	r.metrics.UpdatedAt = time.Now()
	r.mu.Unlock()
}

// Metrics returns the latest counter snapshot.
func (r *Router) Metrics() Metrics {
	r.refreshMetrics()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

// AddPeer adds or replaces a roster entry.
func (r *Router) AddPeer(info types.RouterInfo) {
	if info.Status == "" {
		info.Status = types.RouterOffline
	}
	r.mu.Lock()
	cp := info
	r.peers[info.ID] = &cp
	r.mu.Unlock()
}

// RemovePeer drops a roster entry.
func (r *Router) RemovePeer(peerID string) {
	r.mu.Lock()
	delete(r.peers, peerID)
	r.mu.Unlock()
}

// Peer returns a copy of one roster entry.
func (r *Router) Peer(peerID string) (*types.RouterInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	cp := *p
	return &cp, nil
}

// Peers returns a copy of the roster.
func (r *Router) Peers() []types.RouterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.RouterInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Topology returns a snapshot of the roster including this router, with
// the star adjacency of configured peer links.
func (r *Router) Topology() types.NetworkTopology {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routers := make(map[string]types.RouterInfo, len(r.peers)+1)
	var links []string
	for id, p := range r.peers {
		routers[id] = *p
		links = append(links, id)
	}
	routers[r.cfg.RouterID] = types.RouterInfo{
		ID:               r.cfg.RouterID,
		Endpoint:         r.cfg.Endpoint,
		PublicKey:        r.signer.PublicKey(),
		SupportedLedgers: r.manager.Adapters(),
		Status:           types.RouterOnline,
		LastSeen:         time.Now(),
	}
	return types.NetworkTopology{
		Routers:     routers,
		Connections: map[string][]string{r.cfg.RouterID: links},
		UpdatedAt:   time.Now(),
	}
}

func (r *Router) markSeen(peerID string) {
	r.mu.Lock()
	if p, ok := r.peers[peerID]; ok {
		p.LastSeen = time.Now()
		p.Status = types.RouterOnline
	}
	r.mu.Unlock()
}
