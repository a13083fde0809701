package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/api"
	"github.com/orgsim/market-engine/internal/metrics"
	"github.com/orgsim/market-engine/internal/model"
	"github.com/orgsim/market-engine/internal/perp"
	"github.com/orgsim/market-engine/internal/pricing"
	"github.com/orgsim/market-engine/internal/risk"
	"github.com/orgsim/market-engine/internal/rng"
	"github.com/orgsim/market-engine/internal/sched"
	"github.com/orgsim/market-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
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

	// --- Price engine ---
	seed := int64(42)
	if s := os.Getenv("RNG_SEED"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			slog.Error("invalid RNG_SEED", "value", s, "err", err)
			os.Exit(1)
		}
		seed = parsed
	}

	instruments, err := loadInstruments(os.Getenv("INSTRUMENTS_FILE"))
	if err != nil {
		slog.Error("failed to load instruments", "err", err)
		os.Exit(1)
	}

	// A saved export, if present, overrides seed prices so instruments
	// resume where they left off instead of snapping back to initial.
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 10*time.Second)
	state, err := st.LoadEngineState(restoreCtx)
	restoreCancel()
	if err != nil && !errors.Is(err, store.ErrNoState) {
		slog.Error("failed to load engine state", "err", err)
		os.Exit(1)
	}
	if state != nil {
		savedPrices := make(map[string]decimal.Decimal, len(state.Markets))
		for _, m := range state.Markets {
			savedPrices[m.InstrumentID] = m.CurrentPrice
		}
		for i := range instruments {
			if p, ok := savedPrices[instruments[i].ID]; ok {
				instruments[i].CurrentPrice = p
			}
		}
	}

	prices := pricing.NewEngine(rng.New(seed))
	prices.InitializeInstruments(instruments)
	slog.Info("price engine initialized", "instruments", len(instruments), "seed", seed)

	// --- Exposure limits ---
	maxUserNotional := envDecimal("MAX_USER_NOTIONAL", decimal.NewFromInt(100000))
	maxMarketOI := envDecimal("MAX_MARKET_OPEN_INTEREST", decimal.NewFromInt(1000000))
	limiter := risk.NewLimiter(maxUserNotional, maxMarketOI)

	// --- Perpetuals engine ---
	perps := perp.NewEngine(limiter)
	if state != nil {
		perps.ImportState(*state)
		slog.Info("engine state restored",
			"markets", len(state.Markets),
			"positions", len(state.Positions),
			"exported_at", state.ExportedAt)
	} else {
		perps.InitializeMarkets(prices.Instruments())
		slog.Info("fresh engine state", "markets", len(perps.Markets()))
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Scheduler ---
	tickInterval := sched.DefaultTickInterval
	if v := os.Getenv("TICK_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid TICK_INTERVAL", "value", v, "err", err)
			os.Exit(1)
		}
		tickInterval = parsed
	}
	scheduler := sched.New(prices, perps, st, wsHub, sched.Config{TickInterval: tickInterval})

	schedCtx, schedCancel := context.WithCancel(context.Background())
	schedDone := make(chan error, 1)
	go func() { schedDone <- scheduler.Run(schedCtx) }()

	// --- API service ---
	svc := api.NewService(prices, perps, scheduler, st, wsHub)

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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.RegisterRoutes)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		slog.Info("market engine listening", "port", port, "tick_interval", tickInterval.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "err", err)
	}

	// Stop the scheduler last: its shutdown path persists the final
	// state export.
	schedCancel()
	if err := <-schedDone; err != nil {
		slog.Error("scheduler shutdown failed", "err", err)
	}
	slog.Info("shutdown complete")
}

// loadInstruments reads instrument seeds from a JSON file, or returns a
// built-in demo universe when no file is configured.
func loadInstruments(path string) ([]model.InstrumentSeed, error) {
	if path == "" {
		return demoInstruments(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var seeds []model.InstrumentSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no instruments in %s", path)
	}
	return seeds, nil
}

func demoInstruments() []model.InstrumentSeed {
	return []model.InstrumentSeed{
		{ID: "org-aurora", Name: "Aurora Dynamics", InitialPrice: decimal.NewFromInt(120)},
		{ID: "org-helix", Name: "Helix Biotech", InitialPrice: decimal.NewFromInt(85)},
		{ID: "org-nimbus", Name: "Nimbus Cloud", InitialPrice: decimal.NewFromInt(240)},
		{ID: "org-vertex", Name: "Vertex Robotics", InitialPrice: decimal.NewFromInt(56)},
		{ID: "org-zephyr", Name: "Zephyr Logistics", InitialPrice: decimal.NewFromInt(33)},
	}
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := decimal.NewFromString(v)
	if err != nil {
		slog.Error("invalid decimal env var", "key", key, "value", v, "err", err)
		os.Exit(1)
	}
	return parsed
}
