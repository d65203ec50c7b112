package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/api"
	"github.com/basekick-labs/arc-catalog/internal/audit"
	"github.com/basekick-labs/arc-catalog/internal/auth"
	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/cluster/raft"
	"github.com/basekick-labs/arc-catalog/internal/config"
	"github.com/basekick-labs/arc-catalog/internal/logger"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/basekick-labs/arc-catalog/internal/scheduler"
	"github.com/basekick-labs/arc-catalog/internal/shutdown"
	"github.com/basekick-labs/arc-catalog/internal/snapshot"
	"github.com/basekick-labs/arc-catalog/internal/storage"
	"github.com/basekick-labs/arc-catalog/internal/wal"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "inspect":
		if err := runInspect(args, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("arc-catalog", Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (use serve, inspect or version)\n", cmd)
		os.Exit(2)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", "", "path to arc-catalog.toml")
	fs.Parse(args)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting Arc catalog...")

	metrics.Init(logger.Get("metrics"))

	shutdownCoordinator := shutdown.New(30*time.Second, logger.Get("shutdown"))

	storageBackend, err := storage.NewBackend(cfg.Storage, logger.Get("storage"))
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to initialize storage backend")
	}
	shutdownCoordinator.Register("storage", storageBackend, shutdown.PriorityStorage)

	format, err := snapshot.ParseFormat(cfg.Snapshot.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid snapshot format")
	}
	compression, err := snapshot.ParseCompression(cfg.Snapshot.Compression)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid snapshot compression")
	}
	prefix := cfg.Snapshot.Prefix
	if cfg.Cluster.Enabled {
		// Every member checkpoints its own replica.
		prefix += cfg.Catalog.NodeID + "/"
	}
	store, err := snapshot.NewStore(&snapshot.StoreConfig{
		Backend:     storageBackend,
		Prefix:      prefix,
		Format:      format,
		Compression: compression,
		Logger:      logger.Get("snapshot"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize snapshot store")
	}

	ctx := context.Background()
	initial, lastCheckpoint, err := loadCatalog(ctx, cfg, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load catalog")
	}

	manager, err := catalog.NewManager(&catalog.ManagerConfig{Initial: initial, Logger: logger.Get("catalog")})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create catalog manager")
	}
	registerMetricsHooks(manager)

	// Without raft the journal is the durability boundary: replay it, then
	// journal every later mutation before it is published.
	var walWriter *wal.Writer
	if !cfg.Cluster.Enabled && cfg.WAL.Enabled {
		stats, err := wal.NewRecovery(cfg.WAL.Directory, logger.Get("wal-recovery")).
			Replay(ctx, initial.Sequence(), manager.Apply)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WAL.Directory).Msg("WAL recovery failed")
		}

		walWriter, err = wal.NewWriter(&wal.WriterConfig{
			Dir:          cfg.WAL.Directory,
			SyncMode:     wal.SyncMode(cfg.WAL.SyncMode),
			MaxSizeBytes: cfg.WAL.MaxSize,
			LastSequence: stats.LastSequence,
			Logger:       logger.Get("wal"),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize WAL")
		}
		manager.OnPrepare(walWriter.PrepareHook())
		shutdownCoordinator.Register("wal", walWriter, shutdown.PriorityWAL)
	} else if !cfg.WAL.Enabled {
		log.Warn().Msg("WAL disabled: mutations after the last checkpoint are lost on crash")
	}

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		db, err := audit.OpenDB(cfg.Audit.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Audit.DBPath).Msg("Failed to open audit database")
		}
		auditLogger, err = audit.NewLogger(&audit.LoggerConfig{
			DB:            db,
			RetentionDays: cfg.Audit.RetentionDays,
			Logger:        logger.Get("audit"),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize audit logger")
		}
		auditLogger.Start()
		manager.OnCommit(auditLogger.CommitHook())
		shutdownCoordinator.RegisterHook("audit", func(ctx context.Context) error {
			auditLogger.Stop()
			return db.Close()
		}, shutdown.PriorityAudit)
	}

	var mutator api.Mutator = manager
	var raftNode *raft.Node
	if cfg.Cluster.Enabled {
		raftNode, err = raft.NewNode(&raft.NodeConfig{
			NodeID:         cfg.Catalog.NodeID,
			DataDir:        cfg.Cluster.DataDir,
			BindAddr:       cfg.Cluster.BindAddr,
			AdvertiseAddr:  cfg.Cluster.AdvertiseAddr,
			Bootstrap:      cfg.Cluster.Bootstrap,
			ApplyTimeout:   cfg.Cluster.ApplyTimeout,
			SnapshotRetain: cfg.Cluster.SnapshotCount,
			Logger:         logger.Get("raft"),
		}, raft.NewCatalogFSM(manager, logger.Get("raft-fsm")))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create raft node")
		}
		if err := raftNode.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start raft node")
		}
		shutdownCoordinator.Register("raft", raftNode, shutdown.PriorityRaft)
		mutator = raftNode
	}

	schedCfg := &scheduler.CheckpointSchedulerConfig{
		Source:         manager,
		Store:          store,
		Schedule:       cfg.Snapshot.Schedule,
		Retain:         cfg.Snapshot.Retain,
		LastCheckpoint: lastCheckpoint,
		Logger:         logger.Get("scheduler"),
	}
	if walWriter != nil {
		schedCfg.WAL = walWriter
	}
	checkpoints, err := scheduler.NewCheckpointScheduler(schedCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create checkpoint scheduler")
	}
	if err := checkpoints.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start checkpoint scheduler")
	}
	shutdownCoordinator.RegisterHook("checkpoint-scheduler", func(ctx context.Context) error {
		checkpoints.Stop()
		if _, err := checkpoints.RunNow(ctx); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
		return nil
	}, shutdown.PriorityScheduler)

	var authManager *auth.Manager
	if cfg.Auth.Enabled {
		authManager, err = auth.NewManager(&auth.ManagerConfig{
			DBPath:       cfg.Auth.DBPath,
			CacheTTL:     cfg.Auth.CacheTTL,
			MaxCacheSize: cfg.Auth.MaxCacheSize,
			Logger:       logger.Get("auth"),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize token manager")
		}
		shutdownCoordinator.Register("auth", authManager, shutdown.PriorityAuth)

		if token, err := authManager.EnsureInitialToken(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to create initial admin token")
		} else if token != "" {
			// Printed outside structured logging so it does not land in log storage.
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, "Initial admin API token (shown once, store it now):")
			fmt.Fprintln(os.Stderr, "  "+token)
			fmt.Fprintln(os.Stderr)
		}
	} else {
		log.Warn().Msg("Authentication disabled: catalog mutations are open to anyone who can reach the API")
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		BodyLimit:       int(cfg.Server.MaxPayloadSize),
		EnablePprof:     cfg.Server.EnablePprof,
	}
	if cfg.Server.TLSEnabled {
		serverConfig.TLSCertFile = cfg.Server.TLSCertFile
		serverConfig.TLSKeyFile = cfg.Server.TLSKeyFile
	}
	server := api.NewServer(serverConfig, logger.Get("api"))
	// Routes registered before the middleware would bypass it.
	server.GetApp().Use(auth.NewMiddleware(auth.DefaultMiddlewareConfig(authManager)))
	server.RegisterRoutes()
	if raftNode != nil {
		server.AddReadinessCheck("raft", func() error {
			if raftNode.LeaderAddr() == "" {
				return errors.New("no raft leader known")
			}
			return nil
		})
	}
	api.NewCatalogHandler(mutator, checkpoints, authManager, cfg.Cluster.ApplyTimeout, logger.Get("catalog-api")).
		RegisterRoutes(server.GetApp())
	if auditLogger != nil {
		api.NewAuditHandler(auditLogger, authManager, logger.Get("audit-api")).RegisterRoutes(server.GetApp())
	}
	if authManager != nil {
		api.NewAuthHandler(authManager, logger.Get("auth-api")).RegisterRoutes(server.GetApp())
	}
	shutdownCoordinator.Register("http-server", server, shutdown.PriorityHTTPServer)

	serverErr := server.Start()
	go func() {
		if err := <-serverErr; err != nil {
			shutdownCoordinator.Trigger()
		}
	}()

	cur := manager.Current()
	log.Info().
		Int("port", cfg.Server.Port).
		Str("node_id", cur.NodeID()).
		Str("instance_id", cur.InstanceID()).
		Uint64("sequence", cur.Sequence()).
		Bool("cluster", cfg.Cluster.Enabled).
		Str("version", Version).
		Msg("Arc catalog is ready!")

	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}
	log.Info().Msg("Arc catalog shutdown complete")
}
