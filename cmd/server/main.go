package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/veilmarkets/perp-engine/internal/fhe"
	"github.com/veilmarkets/perp-engine/internal/ledger"
	"github.com/veilmarkets/perp-engine/internal/metrics"
	"github.com/veilmarkets/perp-engine/internal/model"
	"github.com/veilmarkets/perp-engine/internal/oracle"
	"github.com/veilmarkets/perp-engine/internal/pool"
	"github.com/veilmarkets/perp-engine/internal/session"
	"github.com/veilmarkets/perp-engine/internal/store"
	"github.com/veilmarkets/perp-engine/internal/vault"
)

// Component identities on the substrate. Fixed strings here; a deployment
// against a real substrate would read wired contract addresses instead.
const (
	ownerAddr  = model.Address("perp:owner")
	vaultAddr  = model.Address("perp:vault")
	ledgerAddr = model.Address("perp:ledger")
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	epochDuration := 24 * time.Hour
	if v := os.Getenv("EPOCH_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid EPOCH_DURATION", "err", err)
			os.Exit(1)
		}
		epochDuration = d
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pgPool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		st = store.NewPostgresStore(pgPool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core components ---
	engine := fhe.NewSimEngine()
	priceOracle := oracle.New(ownerAddr)
	balances := ledger.New(engine, ledgerAddr, ownerAddr)
	liquidity := pool.New(ownerAddr, epochDuration)
	sessions := session.New(ownerAddr)

	// --- WebSocket hub ---
	wsHub := vault.NewWSHub()
	go wsHub.Run()

	// --- Vault service + cross-wiring ---
	svc := vault.NewService(engine, vaultAddr, priceOracle, balances, liquidity, sessions, st, wsHub)

	if err := balances.SetVault(ownerAddr, vaultAddr); err != nil {
		slog.Error("ledger wiring failed", "err", err)
		os.Exit(1)
	}
	if err := liquidity.SetVault(ownerAddr, vaultAddr); err != nil {
		slog.Error("pool wiring failed", "err", err)
		os.Exit(1)
	}
	if err := priceOracle.SetAuthorizedCaller(ownerAddr, vaultAddr, true); err != nil {
		slog.Error("oracle wiring failed", "err", err)
		os.Exit(1)
	}
	if err := sessions.SetAllowedContract(ownerAddr, vaultAddr, true); err != nil {
		slog.Error("session wiring failed", "err", err)
		os.Exit(1)
	}

	srv := vault.NewServer(svc, engine, priceOracle, balances, liquidity, sessions, st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		srv.Mount(r)
	})

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}
