package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/finp2p/finp2p-router/internal/authority"
	"github.com/finp2p/finp2p-router/internal/core/amount"
	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/crypto"
	"github.com/finp2p/finp2p-router/internal/kv"
	"github.com/finp2p/finp2p-router/internal/kv/memory"
	"github.com/finp2p/finp2p-router/internal/ledger/manager"
	"github.com/finp2p/finp2p-router/internal/ledger/mock"
	"github.com/finp2p/finp2p-router/internal/transfer"
	"github.com/finp2p/finp2p-router/internal/transport"
	"github.com/finp2p/finp2p-router/internal/transport/loopback"
)

func testConfig(routerID, endpoint string) Config {
	return Config{
		RouterID:          routerID,
		Endpoint:          endpoint,
		HeartbeatInterval: 20 * time.Millisecond,
		MessageTTL:        time.Second,
		ResponseTimeout:   time.Second,
		SweepInterval:     50 * time.Millisecond,
		MetricsInterval:   20 * time.Millisecond,
	}
}

type testRouter struct {
	router  *Router
	auth    *authority.Service
	mgr     *manager.Manager
	adapter *mock.Adapter
	signer  *crypto.Signer
}

// newTestRouter builds a full router over a shared loopback network and
// a shared key-value store, serving one mock ledger.
func newTestRouter(t *testing.T, network *loopback.Network, store *memory.Store, routerID, ledgerID string) *testRouter {
	t.Helper()

	priv, _, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(priv)
	require.NoError(t, err)

	mgr := manager.New(manager.Config{})
	adapter := mock.New(ledgerID)
	require.NoError(t, adapter.Connect(context.Background()))
	mgr.RegisterAdapter(adapter)

	engine := transfer.New(transfer.Config{}, mgr, store, nil)
	engine.Start()
	t.Cleanup(engine.Stop)

	auth := authority.New(routerID, store, 100*time.Millisecond)
	endpoint := "loopback://" + routerID
	tp := loopback.New(network, endpoint)

	r := New(testConfig(routerID, endpoint), signer, store, auth, mgr, engine, tp)
	return &testRouter{router: r, auth: auth, mgr: mgr, adapter: adapter, signer: signer}
}

// peer links two routers both ways.
func peer(a, b *testRouter) {
	a.router.AddPeer(types.RouterInfo{
		ID:        b.router.ID(),
		Endpoint:  "loopback://" + b.router.ID(),
		PublicKey: b.signer.PublicKey(),
	})
	b.router.AddPeer(types.RouterInfo{
		ID:        a.router.ID(),
		Endpoint:  "loopback://" + a.router.ID(),
		PublicKey: a.signer.PublicKey(),
	})
}

func startRouter(t *testing.T, tr *testRouter) {
	t.Helper()
	require.NoError(t, tr.router.Start(context.Background()))
	t.Cleanup(func() { tr.router.Stop() })
}

func TestStartStopIdempotent(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")

	ctx := context.Background()
	require.NoError(t, a.router.Start(ctx))
	require.NoError(t, a.router.Start(ctx))
	require.NoError(t, a.router.Stop())
	require.NoError(t, a.router.Stop())
}

func TestHeartbeatUpdatesRosterAndRoutes(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")
	b := newTestRouter(t, network, store, "router-b", "mock-b")
	peer(a, b)
	startRouter(t, a)
	startRouter(t, b)

	require.Eventually(t, func() bool {
		p, err := a.router.Peer("router-b")
		if err != nil {
			return false
		}
		return p.Status == types.RouterOnline && len(p.SupportedLedgers) == 1 && p.SupportedLedgers[0] == "mock-b"
	}, 2*time.Second, 5*time.Millisecond)

	// Heartbeats feed the routing table.
	require.Eventually(t, func() bool {
		return len(a.router.RoutersForLedger("mock-b")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"router-b"}, a.router.RoutersForLedger("mock-b"))

	topo := a.router.Topology()
	require.Contains(t, topo.Routers, "router-a")
	require.Contains(t, topo.Routers, "router-b")
	require.Equal(t, []string{"router-b"}, topo.Connections["router-a"])
}

func TestExpiredMessageDropped(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")
	b := newTestRouter(t, network, store, "router-b", "mock-b")
	peer(a, b)

	payload, _ := json.Marshal(HeartbeatPayload{RouterID: "router-b"})
	sig, err := b.signer.Sign([]byte(payload))
	require.NoError(t, err)
	msg := &transport.Message{
		ID:         uuid.NewString(),
		Type:       transport.MsgHeartbeat,
		FromRouter: "router-b",
		ToRouter:   "router-a",
		Payload:    payload,
		Signature:  sig,
		Timestamp:  time.Now().Add(-time.Minute).UnixMilli(),
		TTL:        1000,
	}

	a.router.handleMessage(context.Background(), msg)

	m := a.router.Metrics()
	require.Equal(t, uint64(1), m.MessagesReceived)
	require.Equal(t, uint64(1), m.MessagesDropped)

	p, err := a.router.Peer("router-b")
	require.NoError(t, err)
	require.True(t, p.LastSeen.IsZero(), "expired heartbeat must not refresh the peer")
}

func TestBadSignatureDropped(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")
	b := newTestRouter(t, network, store, "router-b", "mock-b")
	peer(a, b)

	payload, _ := json.Marshal(HeartbeatPayload{RouterID: "router-b"})
	// Signed by A's key, claimed to be from B.
	sig, err := a.signer.Sign([]byte(payload))
	require.NoError(t, err)
	msg := &transport.Message{
		ID:         uuid.NewString(),
		Type:       transport.MsgHeartbeat,
		FromRouter: "router-b",
		ToRouter:   "router-a",
		Payload:    payload,
		Signature:  sig,
		Timestamp:  time.Now().UnixMilli(),
		TTL:        60000,
	}

	a.router.handleMessage(context.Background(), msg)

	m := a.router.Metrics()
	require.Equal(t, uint64(1), m.VerifyFailures)
	require.Equal(t, uint64(1), m.MessagesDropped)
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")
	b := newTestRouter(t, network, store, "router-b", "mock-b")
	peer(a, b)

	payload := json.RawMessage(`{"x":1}`)
	sig, err := b.signer.Sign([]byte(payload))
	require.NoError(t, err)
	msg := &transport.Message{
		ID:         uuid.NewString(),
		Type:       transport.MessageType("GOSSIP"),
		FromRouter: "router-b",
		ToRouter:   "router-a",
		Payload:    payload,
		Signature:  sig,
		Timestamp:  time.Now().UnixMilli(),
		TTL:        60000,
	}

	a.router.handleMessage(context.Background(), msg)

	m := a.router.Metrics()
	require.Equal(t, uint64(1), m.MessagesReceived)
	require.Equal(t, uint64(0), m.MessagesDropped)
}

func TestTransferRequestExecuted(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")
	b := newTestRouter(t, network, store, "router-b", "mock-b")
	peer(a, b)
	startRouter(t, a)
	startRouter(t, b)

	ctx := context.Background()
	_, err := a.auth.RegisterAsset(ctx, "usd-token", nil, []string{"router-b"})
	require.NoError(t, err)
	require.NoError(t, a.adapter.Mint("acct-a", "usd-token", amount.New(100)))

	tr := &types.Transfer{
		ID:          "t-remote",
		FromAccount: types.FinID{ID: "acct-a", Kind: types.KindAccount, Domain: "bank-a"},
		ToAccount:   types.FinID{ID: "acct-b", Kind: types.KindAccount, Domain: "bank-a"},
		Asset:       types.FinID{ID: "usd-token", Kind: types.KindAsset, Domain: "bank-a"},
		Amount:      amount.New(40),
		Status:      types.TransferPending,
		CreatedAt:   time.Now(),
	}

	resp, err := b.router.RequestTransfer(ctx, "router-a", TransferRequestPayload{
		Transfer:      tr,
		FromLedger:    "mock-a",
		ToLedger:      "mock-a",
		FromAccountID: "acct-a",
		ToAccountID:   "acct-b",
		AssetID:       "usd-token",
	})
	require.NoError(t, err)
	require.True(t, resp.Accepted, "reason: %s", resp.Reason)

	require.Eventually(t, func() bool {
		bal, err := a.adapter.GetBalance(ctx, "acct-b", "usd-token")
		return err == nil && bal.String() == "40"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransferRequestDeniedWithoutAuthority(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")
	b := newTestRouter(t, network, store, "router-b", "mock-b")
	peer(a, b)
	startRouter(t, a)
	startRouter(t, b)

	// Registered by B: A is neither primary nor backup.
	ctx := context.Background()
	_, err := b.auth.RegisterAsset(ctx, "eur-token", nil, nil)
	require.NoError(t, err)

	tr := &types.Transfer{
		ID:          "t-denied",
		FromAccount: types.FinID{ID: "acct-a", Kind: types.KindAccount, Domain: "bank-a"},
		ToAccount:   types.FinID{ID: "acct-b", Kind: types.KindAccount, Domain: "bank-a"},
		Asset:       types.FinID{ID: "eur-token", Kind: types.KindAsset, Domain: "bank-b"},
		Amount:      amount.New(5),
		Status:      types.TransferPending,
		CreatedAt:   time.Now(),
	}

	resp, err := b.router.RequestTransfer(ctx, "router-a", TransferRequestPayload{
		Transfer:      tr,
		FromLedger:    "mock-a",
		ToLedger:      "mock-a",
		FromAccountID: "acct-a",
		ToAccountID:   "acct-b",
		AssetID:       "eur-token",
	})
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.Contains(t, resp.Reason, "no authority")
}

func TestRouteDiscoveryMergesAndPersists(t *testing.T) {
	network := loopback.NewNetwork()
	store := memory.New()
	a := newTestRouter(t, network, store, "router-a", "mock-a")
	b := newTestRouter(t, network, store, "router-b", "mock-b")
	peer(a, b)
	startRouter(t, a)
	startRouter(t, b)

	a.router.DiscoverRoutes(context.Background(), "")

	require.Eventually(t, func() bool {
		return len(a.router.RoutersForLedger("mock-b")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	raw, err := store.Get(context.Background(), kv.RoutingTableKey)
	require.NoError(t, err)
	var entries []RoutingEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))
	require.NotEmpty(t, entries)
}
