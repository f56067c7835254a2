package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/api"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/client"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/crypto"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/ratelimit"
	"github.com/tallyhq/tally/internal/reservation"
	"github.com/tallyhq/tally/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tally credit service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()

	// Advisory balance cache; the service runs fine without Redis.
	var balanceCache ledger.BalanceCache
	if cfg.Redis.Addr != "" {
		c, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL, m.ObserveCacheLookup)
		if err != nil {
			slog.Warn("redis unavailable, running without balance cache", "error", err)
		} else {
			defer c.Close()
			balanceCache = c
			slog.Info("connected to redis", "addr", cfg.Redis.Addr)
		}
	}

	ledgerStore := ledger.NewStore(pool)
	creditLedger := ledger.NewLedger(ledgerStore, balanceCache)
	reservations := reservation.NewManager(reservation.NewStore(pool), balanceCache)

	limiter := ratelimit.NewLimiter(ratelimit.NewStore(pool), m.RateLimitFailOpenTotal.Inc)
	sweeper := ratelimit.NewSweeper(limiter, cfg.RateLimit.SweepInterval, func(removed int64) {
		m.RateLimitSweptTotal.Add(float64(removed))
	})
	go sweeper.Start(ctx)

	usageStore := usage.NewStore(pool)
	recorder := usage.NewRecorder(usageStore, cfg.Usage.FlushInterval, cfg.Usage.BatchSize, m.ObserveUsageFlush)
	go recorder.Start(ctx)

	cipher, err := crypto.NewCipher(cfg.Auth.EncryptionKey)
	if err != nil {
		return err
	}
	catalogService := catalog.NewService(catalog.NewStore(pool), creditLedger, cipher)

	clientStore := client.NewStore(pool)
	authService := auth.NewService(client.NewAuthAdapter(clientStore))

	m.RegisterDBPoolCollector(func() metrics.PoolStats {
		st := pool.Stat()
		return metrics.PoolStats{
			Total:    st.TotalConns(),
			Idle:     st.IdleConns(),
			Acquired: st.AcquiredConns(),
			Max:      st.MaxConns(),
		}
	})

	router := api.NewRouter(api.RouterDeps{
		Ledger:       creditLedger,
		Reservations: reservations,
		Limiter:      limiter,
		Catalog:      catalogService,
		Clients:      clientStore,
		Usage:        usageStore,
		Auth:         authService,
		Metrics:      m,
		DBPool:       pool,

		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RatePolicy: ratelimit.Policy{
			MaxRequests: cfg.RateLimit.Default,
			Window:      cfg.RateLimit.Window,
		},
		HistoryLimit:    cfg.Ledger.HistoryLimit,
		FreeTierCredits: cfg.Ledger.FreeTierCredits,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	sweeper.Stop()
	recorder.Stop()

	return srv.Shutdown(shutdownCtx)
}
