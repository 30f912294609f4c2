package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// postgres driver for database/sql
	_ "github.com/lib/pq"

	"github.com/tichaonax/go-sync-infra/internal/api"
	"github.com/tichaonax/go-sync-infra/internal/config"
	"github.com/tichaonax/go-sync-infra/internal/conflict"
	"github.com/tichaonax/go-sync-infra/internal/partition"
	"github.com/tichaonax/go-sync-infra/internal/peer"
	"github.com/tichaonax/go-sync-infra/internal/security"
	"github.com/tichaonax/go-sync-infra/internal/storage"
	"github.com/tichaonax/go-sync-infra/internal/syncer"
	"github.com/tichaonax/go-sync-infra/internal/transport"
)

func New() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the sync node",
		Run: func(_ *cobra.Command, _ []string) {
			run()
		},
	}
}

func run() {
	cfg := config.DefaultServerConfigFromEnv()

	if cfg.Node.RegistrationKey == "" {
		log.Fatal().Msg("SYNC_REGISTRATION_KEY is required")
	}
	if cfg.Node.NodeID == "" {
		cfg.Node.NodeID = "node-" + uuid.New().String()
		log.Warn().
			Str("node_id", cfg.Node.NodeID).
			Msg("SYNC_NODE_ID not set, generated an ephemeral identity")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := time2.DefaultClock

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer closeStore()

	var cache *storage.RedisStore
	var announcer peer.Announcer
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid redis URL")
		}
		cache = storage.NewRedisStore(redis.NewClient(opts))
		announcer = peer.NewRedisAnnouncer(cache)
	}

	signer, err := buildSigner(cfg.Node)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize signing identity")
	}

	advertiseHost := cfg.Node.AdvertiseHost
	if advertiseHost == "" {
		advertiseHost = cfg.Node.ListenAddress
	}
	self := peer.Announcement{
		NodeID:    cfg.Node.NodeID,
		Address:   advertiseHost,
		Port:      cfg.Node.Port,
		NodeName:  cfg.Node.NodeName,
		PublicKey: signer.PublicKey(),
	}

	registry := peer.NewRegistry(cfg.Discovery.StalenessWindow, clock)
	discovery := peer.NewDiscovery(self, registry, announcer, cfg.Discovery)
	securityManager := security.NewManager(cfg.Node.NodeID, cfg.Security, cfg.Node.RegistrationKey, store, cache, clock)
	resolver := conflict.NewResolver(cfg.Node.NodeID, store)
	wireClient := transport.NewHTTPClient(cfg.Sync.RequestTimeout)

	engine := syncer.NewEngine(
		cfg.Node.NodeID, cfg.Node.RegistrationKey,
		cfg.Sync, cfg.Security,
		store, securityManager, discovery, resolver, wireClient, signer, clock,
	)

	detector := partition.NewDetector(cfg.Node.NodeID, store, discovery, clock)
	engine.AddObserver(detector)

	// a typed nil *RedisStore must not reach the Locker interface
	var recoveryLocks partition.Locker
	if cache != nil {
		recoveryLocks = cache
	}
	recovery := partition.NewRecoveryManager(store, engine, discovery, detector, recoveryLocks, clock)
	scheduler := syncer.NewScheduler(engine, cfg.Sync.SyncInterval)

	wireAddr := net.JoinHostPort(cfg.Node.ListenAddress, fmt.Sprintf("%d", cfg.Node.Port))
	wireServer := transport.NewHTTPServer(wireAddr, engine)
	management := api.NewServer(
		cfg.Node.NodeID, cfg.Management,
		store, securityManager, discovery, resolver, engine, detector, recovery,
	)

	securityManager.Start(ctx)
	defer securityManager.Stop()
	if err := discovery.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start peer discovery")
	}
	defer discovery.Stop()
	scheduler.Start(ctx)
	defer scheduler.Stop()
	defer recovery.Stop()

	errs := make(chan error, 2)
	go func() { errs <- wireServer.Start(ctx) }()
	go func() { errs <- management.Start(ctx) }()

	log.Info().
		Str("node_id", cfg.Node.NodeID).
		Str("node_name", cfg.Node.NodeName).
		Str("wire_address", wireAddr).
		Str("management_address", cfg.Management.ListenAddress).
		Msg("Sync node started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errs:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
		stop()
	}
}

func buildStore(ctx context.Context, cfg config.Server) (storage.Store, func(), error) {
	if !cfg.Database.Enabled {
		log.Info().Msg("Database disabled, using in-memory storage")
		return storage.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	store := storage.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func buildSigner(node config.Node) (*syncer.Signer, error) {
	if node.SigningKeySeed != "" {
		return syncer.NewSignerFromSeed(node.NodeID, node.SigningKeySeed)
	}
	signer, err := syncer.NewSigner(node.NodeID)
	if err != nil {
		return nil, err
	}
	log.Warn().Msg("SYNC_SIGNING_KEY not set, generated an ephemeral signing identity")
	return signer, nil
}
