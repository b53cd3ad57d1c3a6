package cli

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/finp2p/finp2p-router/internal/authority"
	"github.com/finp2p/finp2p-router/internal/config"
	"github.com/finp2p/finp2p-router/internal/confirmation"
	"github.com/finp2p/finp2p-router/internal/confirmation/processor"
	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/crypto"
	"github.com/finp2p/finp2p-router/internal/kv"
	kvmemory "github.com/finp2p/finp2p-router/internal/kv/memory"
	kvpebble "github.com/finp2p/finp2p-router/internal/kv/pebble"
	kvredis "github.com/finp2p/finp2p-router/internal/kv/redis"
	"github.com/finp2p/finp2p-router/internal/ledger/manager"
	"github.com/finp2p/finp2p-router/internal/ledger/mock"
	"github.com/finp2p/finp2p-router/internal/router"
	"github.com/finp2p/finp2p-router/internal/transfer"
	wstransport "github.com/finp2p/finp2p-router/internal/transport/ws"
)

// serverCmd starts the router daemon. Default action of the bare
// binary.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the router daemon",
	Long: `Start finp2pd: connect the configured ledger adapters, open the
key-value store, and join the federation. Runs until interrupted.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}
}

func openStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return kvmemory.New(), nil
	case "pebble":
		return kvpebble.Open(cfg.Storage.Path)
	case "redis":
		return kvredis.Open(cfg.Redis.URL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	privateKey := cfg.Security.PrivateKey
	if privateKey == "" {
		// Ephemeral identity for development; peers cannot pin it.
		var pub string
		privateKey, pub, err = crypto.GenerateKeypair()
		if err != nil {
			return err
		}
		log.Printf("no security.private_key configured, using ephemeral identity %s", pub)
	}
	signer, err := crypto.NewSigner(privateKey)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}

	mgr := manager.New(manager.Config{ReservationTimeout: cfg.ReservationTimeout})
	for name, lc := range cfg.Ledgers {
		switch lc.Type {
		case "mock":
			a := mock.New(name)
			if err := a.Connect(ctx); err != nil {
				return fmt.Errorf("connect ledger %s: %w", name, err)
			}
			defer a.Disconnect(context.Background())
			mgr.RegisterAdapter(a)
		default:
			// Production adapters ship out of tree and register here.
			return fmt.Errorf("ledger %s: adapter type %q not built into this binary", name, lc.Type)
		}
	}

	confStore := confirmation.NewStore(cfg.RouterID, store, signer)
	proc := processor.New(processor.Config{
		MaxConcurrency:    cfg.Confirmation.MaxConcurrency,
		BatchSize:         cfg.Confirmation.BatchSize,
		ProcessingTimeout: cfg.Confirmation.ProcessingTimeout,
		MaxRetries:        cfg.Confirmation.MaxRetries,
	}, confStore)
	defer proc.Shutdown(false)

	engine := transfer.New(transfer.Config{
		LegTimeout:    cfg.Transfer.LegTimeout,
		TransferTTL:   cfg.Transfer.TTL,
		SweepInterval: cfg.Transfer.SweepInterval,
	}, mgr, store, proc)
	engine.Start()
	defer engine.Stop()

	auth := authority.New(cfg.RouterID, store, authority.DefaultHeartbeatWindow)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	endpoint := fmt.Sprintf("ws://%s/ws", listenAddr)
	tp := wstransport.New(listenAddr)

	core := router.New(router.Config{
		RouterID:          cfg.RouterID,
		Endpoint:          endpoint,
		HeartbeatInterval: cfg.Network.HeartbeatInterval,
		ResponseTimeout:   cfg.Network.Timeout,
	}, signer, store, auth, mgr, engine, tp)
	for _, p := range cfg.Network.Peers {
		core.AddPeer(types.RouterInfo{ID: p.ID, Endpoint: p.URL, PublicKey: p.PublicKey})
	}

	if err := core.Start(ctx); err != nil {
		return err
	}
	defer core.Stop()

	if !quiet {
		fmt.Printf("finp2pd %s listening on %s (%d ledgers, %d peers)\n",
			cfg.RouterID, listenAddr, len(cfg.Ledgers), len(cfg.Network.Peers))
	}

	<-ctx.Done()
	if !quiet {
		fmt.Println("shutting down")
	}
	return nil
}
