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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwatch/dashboard/internal/alert"
	"github.com/fleetwatch/dashboard/internal/audit"
	"github.com/fleetwatch/dashboard/internal/config"
	"github.com/fleetwatch/dashboard/internal/ingest"
	"github.com/fleetwatch/dashboard/internal/logging"
	"github.com/fleetwatch/dashboard/internal/merge"
	"github.com/fleetwatch/dashboard/internal/notify"
	"github.com/fleetwatch/dashboard/internal/pipeline"
	"github.com/fleetwatch/dashboard/internal/server/rest"
	"github.com/fleetwatch/dashboard/internal/server/storage"
	"github.com/fleetwatch/dashboard/internal/server/websocket"
	"github.com/fleetwatch/dashboard/internal/staleness"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleetwatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/fleetwatch/config.yaml", "path to the YAML configuration file")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fleetwatch server starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("store", cfg.Store.Driver),
	)

	// ── Fleet Record Store ────────────────────────────────────────────────────
	store, err := storage.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	seedThresholds(ctx, store, cfg.Thresholds, logger)

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	// ── Auth ──────────────────────────────────────────────────────────────────
	pem, err := os.ReadFile(cfg.Auth.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("read JWT public key: %w", err)
	}
	pubKey, err := rest.ParseRSAPublicKey(pem)
	if err != nil {
		return err
	}
	auth := rest.NewAuth(rest.AuthConfig{
		PublicKey: pubKey,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		AgentKeys: cfg.Auth.AgentAPIKeys,
		Logger:    logger,
	})

	// ── Core components ───────────────────────────────────────────────────────
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	detector := staleness.New(cfg.Intervals.OfflineThreshold)
	live := merge.NewLiveBuffer()
	merger := merge.NewEngine(store, live, logger)
	ingestor := ingest.New(store, live, logger, cfg.Store.WriteTimeout)

	var notifier alert.Notifier
	dispatcher := buildDispatcher(cfg.Notify, store, loc, logger)
	if dispatcher != nil {
		notifier = dispatcher
	}
	engine := alert.NewEngine(store, notifier, logger, alert.Options{
		Detector: detector,
		Cooldown: cfg.Notify.Cooldown,
	})

	bc := websocket.NewBroadcaster(logger, 0)
	pipe := pipeline.New(store, merger, engine, bc, logger, pipeline.Options{
		Evaluate:     cfg.Intervals.Evaluate,
		LivePush:     cfg.Intervals.LivePush,
		AdminPush:    cfg.Intervals.AdminPush,
		Retention:    cfg.Store.HistoryRetention,
		WriteTimeout: cfg.Store.WriteTimeout,
		Offline:      detector,
	})

	// ── HTTP ──────────────────────────────────────────────────────────────────
	restSrv := rest.NewServer(rest.Deps{
		Store:    store,
		Ingestor: ingestor,
		Merger:   merger,
		Audit:    auditLog,
		Offline:  detector,
		Logger:   logger,

		VAPIDPublicKey: cfg.Notify.WebPush.VAPIDPublicKey,
	})
	handler := rest.NewRouter(restSrv, auth, rest.Streams{
		Dashboard: websocket.NewHandler(bc, auth, pipe, logger, 0),
		Agent:     websocket.NewAgentHandler(auth, ingestor, live, logger, 0),
	})

	// No WriteTimeout: WebSocket connections are long-lived and manage their
	// own write deadlines.
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipe.Run(gctx) })
	if dispatcher != nil {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		bc.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", slog.Any("error", err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("fleetwatch server failed", slog.Any("error", err))
		return err
	}
	if dispatcher != nil {
		st := dispatcher.Stats()
		logger.Info("notification totals",
			slog.Int64("sent", st.Sent),
			slog.Int64("failed", st.Failed),
			slog.Int64("dropped", st.Dropped),
		)
	}
	logger.Info("fleetwatch server exited cleanly")
	return nil
}

// buildDispatcher assembles the configured sinks. Web Push subscriptions are
// read from subs. It returns nil when no sink is configured.
func buildDispatcher(cfg config.NotifyConfig, subs notify.Subscriptions, loc *time.Location, logger *slog.Logger) *notify.Dispatcher {
	var sinks notify.Fanout
	if cfg.Line.Enabled() {
		sinks = append(sinks, notify.NewLine(cfg.Line.ChannelToken, cfg.Line.Endpoint, nil))
	}
	if cfg.Slack.Enabled() {
		sinks = append(sinks, notify.NewSlack(cfg.Slack.Token, cfg.Slack.Channel))
	}
	if cfg.Email.Enabled() {
		sinks = append(sinks, notify.NewEmail(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password, cfg.Email.From, cfg.Email.To))
	}
	if cfg.WebPush.Enabled() {
		sinks = append(sinks, notify.NewWebPush(subs, notify.WebPushOptions{
			PublicKey:  cfg.WebPush.VAPIDPublicKey,
			PrivateKey: cfg.WebPush.VAPIDPrivateKey,
			Subscriber: cfg.WebPush.Subscriber,
			TTL:        cfg.WebPush.TTL,
		}))
	}
	if len(sinks) == 0 {
		logger.Warn("no notification sink configured; alerts are recorded but not delivered")
		return nil
	}
	for _, s := range sinks {
		logger.Info("notification sink enabled", slog.String("sink", s.Name()))
	}
	return notify.NewDispatcher(sinks, cfg.Target, logger, notify.DispatcherOptions{
		QueueSize:   cfg.QueueSize,
		SendTimeout: cfg.SendTimeout,
		Location:    loc,
	})
}

// seedThresholds stores the configured thresholds when the store still holds
// the factory defaults. Thresholds saved through the API are left alone.
func seedThresholds(ctx context.Context, store storage.Store, want storage.ThresholdConfig, logger *slog.Logger) {
	current, err := store.LoadThresholds(ctx)
	if err != nil {
		logger.Warn("thresholds: load failed, not seeding", slog.Any("error", err))
		return
	}
	if current != storage.DefaultThresholds() || want == current {
		return
	}
	if err := store.SaveThresholds(ctx, want); err != nil {
		logger.Warn("thresholds: seed failed", slog.Any("error", err))
		return
	}
	logger.Info("thresholds: seeded from configuration")
}
