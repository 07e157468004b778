package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livematch/quickmatch/internal/auth"
	"github.com/livematch/quickmatch/internal/config"
	"github.com/livematch/quickmatch/internal/gateway"
	"github.com/livematch/quickmatch/internal/messaging"
	"github.com/livematch/quickmatch/internal/metrics"
	"github.com/livematch/quickmatch/internal/pairing"
	"github.com/livematch/quickmatch/internal/presence"
	"github.com/livematch/quickmatch/internal/queue"
	"github.com/livematch/quickmatch/internal/ratelimit"
	"github.com/livematch/quickmatch/internal/store"
	"github.com/livematch/quickmatch/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := cfg.ValidateGateway(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatalf("failed to create token verifier: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "quickmatch-gateway-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	presenceStore, err := presence.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	rdb := presenceStore.Client()

	// --- Postgres ---
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if cfg.RunMigrations {
		if err := store.Migrate(db); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
	}

	backend := pairing.NewBackend(queue.NewStore(rdb), store.NewStore(db), natsClient)
	limiter := ratelimit.NewLimiter(rdb)

	gw := gateway.New(backend, natsClient, presenceStore, limiter, gateway.Config{
		PollInterval: cfg.PollInterval,
		MatchTimeout: cfg.MatchTimeout,
	})

	dispatcher := ws.NewMessageDispatcher()
	gw.Register(dispatcher)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	server := ws.NewServer(wsConfig, verifier, dispatcher.Dispatch)
	server.SetConnectLimiter(limiter)
	gw.Attach(server)
	gw.Start()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("Quick-match gateway starting")
	log.Printf("  listen_addr:   %s", cfg.ListenAddr)
	log.Printf("  metrics_addr:  %s", cfg.MetricsAddr)
	log.Printf("  nats_url:      %s", cfg.NATSURL)
	log.Printf("  redis_addr:    %s", cfg.RedisAddr)
	log.Printf("  server_name:   %s", cfg.ServerName)
	log.Printf("  poll_interval: %s", cfg.PollInterval)
	log.Printf("  match_timeout: %s", cfg.MatchTimeout)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Closing connections runs the disconnect cleanup for every user.
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		gw.Stop(ctx)
		_ = metricsServer.Shutdown(ctx)

		natsClient.Close()
		db.Close()
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
