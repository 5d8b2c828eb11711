// Command chatsvc is the composition root: it wires the hashring,
// membership watcher, chat registry, plugin handlers, replicator,
// persister, garbage collector, and HTTP RPC transport together and runs
// them until a termination signal arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/techresidents/chatsvc/internal/archivestore"
	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/config"
	"github.com/techresidents/chatsvc/internal/dispatcher"
	"github.com/techresidents/chatsvc/internal/gc"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/membership"
	"github.com/techresidents/chatsvc/internal/metadatastore"
	"github.com/techresidents/chatsvc/internal/metrics"
	"github.com/techresidents/chatsvc/internal/persistence"
	"github.com/techresidents/chatsvc/internal/plugins"
	"github.com/techresidents/chatsvc/internal/replication"
	"github.com/techresidents/chatsvc/internal/resource"
	"github.com/techresidents/chatsvc/internal/transport/httprpc"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.ServiceKey == "" {
		cfg.ServiceKey = uuid.NewString()
	}
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))
	logger := log.With().Str("service", "chatsvc").Str("service_key", cfg.ServiceKey).Logger()
	cfg.LogConfig(logger)

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsConn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer natsConn.Close()

	archivePool, err := archivestore.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open archive store")
	}
	defer archivePool.Close()

	metaStore := metadatastore.New(archivePool)

	ring := hashring.New(logger.With().Str("component", "hashring").Logger())

	watcher := membership.New(membership.Config{
		Conn:       natsConn,
		ServiceKey: cfg.ServiceKey,
		Hostname:   cfg.Hostname,
		Address:    cfg.Address,
		Port:       cfg.Port,
		Positions:  cfg.HashringPositionsPerNode,
		Logger:     logger.With().Str("component", "membership").Logger(),
	})
	watcher.Attach(ring)
	if err := watcher.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start membership watcher")
	}

	manager := chatmodel.NewChatManager(metaStore)

	registry := plugins.NewRegistry()
	registry.Register(plugins.MarkerHandler{})
	registry.Register(plugins.StatusHandler{})
	registry.Register(plugins.VoiceCallbackHandler{})
	pluginManager := plugins.NewManager(registry, logger.With().Str("component", "plugins").Logger())

	authConfig := httprpc.AuthConfig{Secret: cfg.AuthSecret}
	serviceToken, err := httprpc.SignServiceToken(authConfig, cfg.ServiceKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to sign service token")
	}
	peerClient := httprpc.NewClient(serviceToken, cfg.ReplicationTimeout)

	replicator := replication.New(replication.Config{
		SelfServiceKey: cfg.ServiceKey,
		Client:         peerClient,
		Ring:           ring,
		Manager:        manager,
		ConnPool:       replication.NewConnPool(cfg.ReplicationMaxConnsPerPeer),
		WorkerCount:    cfg.ReplicationPoolSize,
		QueueSize:      cfg.ReplicationQueueSize,
		DefaultN:       cfg.ReplicationN,
		DefaultW:       cfg.ReplicationW,
		MaxErrors:      cfg.ReplicationMaxErrors,
		SendTimeout:    cfg.ReplicationTimeout,
		AllowSameHost:  cfg.ReplicationAllowSameHost,
		Logger:         logger.With().Str("component", "replication").Logger(),
	})
	replicator.Start(ctx)

	archiveStore := archivestore.New(archivePool)
	persister := persistence.New(archiveStore, cfg.PersistWorkerCount, cfg.PersistQueueSize, logger.With().Str("component", "persistence").Logger())
	persister.Start(ctx)

	collector := gc.New(manager, cfg.GCInterval, cfg.GCThrottle, logger.With().Str("component", "gc").Logger())

	sampler := resource.NewSampler()
	resourceLogger := logger.With().Str("component", "resource").Logger()
	var latestSnapshot atomic.Pointer[resource.Snapshot]
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := sampler.Sample(ctx)
				if err != nil {
					resourceLogger.Warn().Err(err).Msg("failed to sample resource usage")
					continue
				}
				latestSnapshot.Store(&snap)
				collector.SetOverloaded(snap.Overloaded())
			}
		}
	}()

	d := dispatcher.New(dispatcher.Config{
		SelfServiceKey:     cfg.ServiceKey,
		Ring:               ring,
		Manager:            manager,
		Plugins:            pluginManager,
		Replicator:         replicator,
		Persister:          persister,
		PeerClient:         peerClient,
		DefaultN:           cfg.ReplicationN,
		DefaultW:           cfg.ReplicationW,
		ReplicationTimeout: cfg.ReplicationTimeout,
		LongPollWait:       cfg.LongPollWait,
		Logger:             logger,
	})

	persister.Subscribe(d.OnChatPersisted)
	collector.Subscribe(d.OnZombieChat)

	gcCtx, gcCancel := context.WithCancel(ctx)
	go collector.Run(gcCtx)

	mux := http.NewServeMux()
	mux.Handle("/", httprpc.NewServer(d, authConfig, logger.With().Str("component", "transport").Logger()).Routes())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := latestSnapshot.Load()
		if snap == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if snap.Overloaded() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// Shutdown order (per the core's concurrency contract): withdraw this
	// node's ring positions first so peers stop routing new work here,
	// then stop the GC, stop accepting HTTP, drain the replication and
	// persistence worker pools, wake any blocked long-polls, and finally
	// tear down external-store clients.
	if err := watcher.Stop(); err != nil {
		logger.Warn().Err(err).Msg("error withdrawing membership")
	}
	time.Sleep(200 * time.Millisecond)

	gcCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("error shutting down http server")
	}

	replicator.Stop()
	persister.Stop()
	manager.TriggerAll()

	logger.Info().Msg("shutdown complete")
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}
