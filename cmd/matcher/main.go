package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/livematch/quickmatch/internal/config"
	"github.com/livematch/quickmatch/internal/messaging"
	"github.com/livematch/quickmatch/internal/metrics"
	"github.com/livematch/quickmatch/internal/pairing"
	"github.com/livematch/quickmatch/internal/presence"
	"github.com/livematch/quickmatch/internal/queue"
	"github.com/livematch/quickmatch/internal/store"
)

func main() {
	log.Println("Starting quick-match pairing service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// Postgres setup.
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
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

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "quickmatch-matcher"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	matcher := pairing.NewMatcher(
		queue.NewStore(rdb),
		store.NewStore(db),
		natsClient,
		presence.NewStoreWithClient(rdb, cfg.ServerName),
		pairing.MatcherConfig{
			PairInterval:    cfg.PairInterval,
			ConnectDeadline: cfg.ConnectDeadline,
		},
	)
	matcher.Start()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: opsMux(rdb, db)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("Quick-match pairing service running")
	log.Printf("  redis_addr:       %s", cfg.RedisAddr)
	log.Printf("  nats_url:         %s", cfg.NATSURL)
	log.Printf("  metrics_addr:     %s", cfg.MetricsAddr)
	log.Printf("  pair_interval:    %s", cfg.PairInterval)
	log.Printf("  connect_deadline: %s", cfg.ConnectDeadline)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	matcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	natsClient.Close()
	db.Close()
	rdb.Close()
}

// opsMux serves /metrics and a /health check that pings Redis and Postgres.
func opsMux(rdb *redis.Client, db *sql.DB) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := map[string]string{"status": "ok", "redis": "ok", "postgres": "ok"}
		code := http.StatusOK
		if err := rdb.Ping(ctx).Err(); err != nil {
			resp["redis"], resp["status"], code = err.Error(), "degraded", http.StatusServiceUnavailable
		}
		if err := db.PingContext(ctx); err != nil {
			resp["postgres"], resp["status"], code = err.Error(), "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
