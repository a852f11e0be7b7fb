package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nvallet/voxgate/internal/account"
	"github.com/nvallet/voxgate/internal/api"
	"github.com/nvallet/voxgate/internal/auth"
	"github.com/nvallet/voxgate/internal/config"
	"github.com/nvallet/voxgate/internal/gateway"
	"github.com/nvallet/voxgate/internal/ledger"
	"github.com/nvallet/voxgate/internal/metrics"
	"github.com/nvallet/voxgate/internal/registry"
	"github.com/nvallet/voxgate/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Voxgate gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func setupLogging(cfg *config.Config) {
	var out io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

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
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	accountStore := account.NewStore(pool)
	authenticator := auth.New(cfg.Auth.JWTSecret, accountStore, cfg.Auth.CacheSize, cfg.Auth.CacheTTL)
	lgr := ledger.New(pool, cfg.Billing.RatePerMinute)
	reg := registry.New(cfg.Gateway.MaxConnections, cfg.Gateway.MaxPerAccount)

	relayClient := relay.NewClient(relay.Config{
		Endpoint:     cfg.Upstream.Endpoint,
		APIKey:       cfg.Upstream.APIKey,
		AudioFormat:  cfg.Upstream.AudioFormat,
		Model:        cfg.Upstream.Model,
		VADThreshold: cfg.Upstream.VAD.Threshold,
		VADPrefixMs:  cfg.Upstream.VAD.PrefixPaddingMs,
		VADSilenceMs: cfg.Upstream.VAD.SilenceDurationMs,
	})
	opener := gateway.SessionOpenerFunc(func(ctx context.Context) (gateway.RelaySession, error) {
		return relayClient.Open(ctx)
	})

	gw := gateway.New(authenticator, lgr, opener, reg, m)

	monitor := gateway.NewMonitor(reg, m, cfg.Gateway.IdleTimeout, cfg.Gateway.SweepInterval)
	monitor.Start(ctx)

	router := api.NewRouter(api.RouterDeps{
		Gateway:  gw,
		Registry: reg,
		Accounts: accountStore,
		Ledger:   lgr,
		Auth:     authenticator,
		Metrics:  m,
		AdminKey: cfg.Auth.AdminKey,
	})

	// Read and write timeouts stay unset: websocket streams are long-lived.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
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
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}
