package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pile-engine/internal/config"
	"github.com/atmx/pile-engine/internal/events"
	"github.com/atmx/pile-engine/internal/keeper"
	"github.com/atmx/pile-engine/internal/ledger"
	"github.com/atmx/pile-engine/internal/metrics"
	"github.com/atmx/pile-engine/internal/model"
	"github.com/atmx/pile-engine/internal/oracle"
	"github.com/atmx/pile-engine/internal/store"
	"github.com/atmx/pile-engine/internal/token"
	"github.com/atmx/pile-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("pile-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("pile-engine stopped")
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Prices ---
	var prices oracle.Oracle
	var static *oracle.Static
	if cfg.OracleURL != "" {
		prices = oracle.NewHTTP(cfg.OracleURL, cfg.OracleTimeout)
		slog.Info("using remote price oracle", "url", cfg.OracleURL)
	} else {
		static = oracle.NewStatic()
		prices = static
		slog.Warn("ORACLE_URL not set, prices are set through the API")
	}

	// --- Event fan-out ---
	wsHub := trade.NewWSHub()
	publishers := events.Multi{wsHub}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, nc.Close)
		publishers = append(publishers, nc)
		slog.Info("publishing events to NATS", "subject", cfg.NATSSubject)
	}

	// --- Ledger ---
	bank := token.NewBank()
	l := ledger.New(bank, prices, ledger.Options{
		Journal:   st,
		Publisher: publishers,
	})
	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	l.Restore(snap)
	for _, id := range unfundedPools(snap, bank) {
		slog.Warn("restored pool has no asset custody, withdrawals will fail until it is funded", "pool", id)
	}

	tradeSvc := trade.NewService(l, st, bank, static)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pile-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed ledger events.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	if cfg.KeeperAccount != "" {
		k, err := keeper.New(l, prices, cfg.KeeperAccount, cfg.KeeperSchedule)
		if err != nil {
			return fmt.Errorf("keeper schedule %q: %w", cfg.KeeperSchedule, err)
		}
		g.Go(func() error {
			k.Start()
			<-gctx.Done()
			k.Stop()
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("pile-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down pile-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// unfundedPools lists restored pools that hold value while their custody
// account on the asset bank is empty.
func unfundedPools(snap *model.Snapshot, bank *token.Bank) []string {
	var ids []string
	for _, p := range snap.Pools {
		if p.TotalValue.IsZero() {
			continue
		}
		if bank.BalanceOf(p.Asset, p.Custody()).IsZero() {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
