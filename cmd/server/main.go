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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/microbook/quote-engine/internal/book"
	"github.com/microbook/quote-engine/internal/config"
	"github.com/microbook/quote-engine/internal/exposure"
	"github.com/microbook/quote-engine/internal/gateway"
	"github.com/microbook/quote-engine/internal/metrics"
	"github.com/microbook/quote-engine/internal/model"
	"github.com/microbook/quote-engine/internal/notify"
	"github.com/microbook/quote-engine/internal/odds"
	"github.com/microbook/quote-engine/internal/quote"
	"github.com/microbook/quote-engine/internal/ratelimit"
	"github.com/microbook/quote-engine/internal/scheduler"
	"github.com/microbook/quote-engine/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("quote-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("quote-engine stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, shared rate limit, event fan-out) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("connected to Redis")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Exposure ledger, rebuilt from outstanding quotes ---
	ledger := exposure.NewLedger()
	quotes := quote.NewRegistry(st, ledger)
	if err := quotes.RestoreExposure(ctx); err != nil {
		return err
	}
	for key, committed := range ledger.Snapshot() {
		v, _ := committed.Float64()
		metrics.Exposure.WithLabelValues(key.MarketID, key.Side).Set(v)
	}

	// --- Rate limiter ---
	sched := scheduler.New(logger)
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit(), "ratelimit:quote")
	} else {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimit())
		if _, err := sched.Add("ratelimit-prune", "@every 1m", func(context.Context) {
			if n := mem.Prune(time.Now()); n > 0 {
				slog.Debug("rate-limit windows pruned", "count", n)
			}
		}); err != nil {
			return err
		}
		limiter = mem
	}

	// --- Gateways ---
	var payments gateway.PaymentGateway = gateway.SimulatedPayments{}
	if cfg.PaymentVerifierURL != "" {
		payments = gateway.NewHTTPVerifier(cfg.PaymentVerifierURL, cfg.PaymentTimeout)
	} else {
		slog.Warn("PAYMENT_VERIFIER_URL not set, using simulated payments")
	}
	var chain gateway.ChainGateway = gateway.SimulatedChain{}
	if cfg.ChainRPCURL != "" {
		rc, err := gateway.NewRPCChain(cfg.ChainRPCURL, cfg.ChainFrom, cfg.ContractAddress, gateway.HexJSONEncoder{}, cfg.ChainTimeout)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, rc.Close)
		chain = rc
	} else {
		slog.Warn("CHAIN_RPC_URL not set, using simulated chain")
	}
	oracle := gateway.NewSimulatedOracle(cfg.OracleDefault)

	// --- Event fan-out ---
	wsHub := notify.NewWSHub()
	var sinks notify.Fanout
	if rdb != nil {
		// Every instance relays the shared channel into its own hub.
		sinks = append(sinks, notify.NewRedisPublisher(rdb))
	} else {
		sinks = append(sinks, wsHub)
	}
	if cfg.KafkaBrokers != "" {
		w := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { w.Close() })
		sinks = append(sinks, notify.NewKafkaPublisher(w))
		slog.Info("Kafka events enabled", "topic", cfg.KafkaTopic)
	}
	events := notify.NewAsync(sinks, cfg.EventQueueSize)

	// --- Book service ---
	svc := book.NewService(book.Deps{
		Store:     st,
		Limiter:   limiter,
		Odds:      odds.NewEngine(st, odds.UniformJitter(cfg.OddsJitter)),
		Ledger:    ledger,
		Quotes:    quotes,
		Payments:  payments,
		Chain:     chain,
		Oracle:    oracle,
		Publisher: events,
	}, book.Config{
		QuoteTTL:        cfg.QuoteTTL,
		Edge:            cfg.Edge(),
		Limits:          cfg.Limits(),
		DefaultMaxStake: cfg.MaxStake(),
	})

	if _, err := sched.Add("quote-expiry", cfg.SweepSchedule, func(ctx context.Context) {
		if _, err := svc.SweepExpired(ctx); err != nil {
			slog.Error("expiry sweep failed", "err", err)
		}
	}); err != nil {
		return err
	}

	markets, err := svc.ListMarkets(ctx, "")
	if err != nil {
		return err
	}
	var open int
	for _, m := range markets {
		if m.Status == model.MarketOpen {
			open++
		}
	}
	metrics.ActiveMarkets.Set(float64(open))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+book.ClientIDHeader)
			w.Header().Set("Access-Control-Expose-Headers", "Payment-Required, X-Quote-ID, Retry-After")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"quote-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	h := book.NewHandler(svc)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live quote and settlement events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			h.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if rdb != nil {
		g.Go(func() error { return notify.RelayToHub(gctx, rdb, wsHub) })
	}
	g.Go(func() error {
		slog.Info("quote-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down quote-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
