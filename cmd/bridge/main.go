// Command bridge keeps one chat session per configured client alive,
// forwards their events to the automation hub and serves the action
// endpoints the hub calls back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/whatsapp-addon/bridge/internal/config"
	"github.com/whatsapp-addon/bridge/internal/dispatch"
	"github.com/whatsapp-addon/bridge/internal/gateway"
	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/hub"
	"github.com/whatsapp-addon/bridge/internal/mock"
	"github.com/whatsapp-addon/bridge/internal/server"
	"github.com/whatsapp-addon/bridge/internal/session"
	"github.com/whatsapp-addon/bridge/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		port       int
		mockMode   bool
		mockTick   time.Duration
	)
	flagSet := pflag.NewFlagSet("bridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "/data/options.json", "path to the YAML or JSON config file")
	flagSet.IntVar(&port, "port", 0, "override server port")
	flagSet.BoolVar(&mockMode, "mock", false, "use scripted in-memory sessions instead of the gateway")
	flagSet.DurationVar(&mockTick, "mock-tick", 2*time.Second, "pace of scripted events in mock mode")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel := hub.New(hub.Options{
		BaseURL:     cfg.Hub.BaseURL,
		Token:       cfg.Hub.Token,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.BaseDelay,
		Timeout:     cfg.Delivery.Timeout,
		Logger:      logger.With("component", "hub"),
	})
	if cfg.Hub.Token == "" {
		logger.Warn("no hub token configured, deliveries will be unauthenticated")
	}

	var dialer session.Dialer
	if mockMode {
		logger.Info("starting in mock mode", "tick", mockTick)
		md := mock.NewDialer()
		md.Script = mock.Demo(mockTick)
		defer md.Stop()
		dialer = md
	} else {
		dialer = gateway.NewDialer(gateway.Options{
			URL:              cfg.Gateway.URL,
			HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
			CallTimeout:      cfg.Gateway.CallTimeout,
			Logger:           logger.With("component", "gateway"),
		})
	}

	broadcaster := server.NewBroadcaster(
		cfg.Status.BroadcastThrottle,
		cfg.Status.SnapshotInterval,
		cfg.Server.MaxConnections,
		logger.With("component", "feed"),
	)
	defer broadcaster.Close()

	sup := supervisor.New(supervisor.Options{
		StorageDir: cfg.Storage.Dir,
		Dialer:     dialer,
		Notifier:   channel,
		Observer:   broadcaster,
		Session: session.Options{
			PresenceInterval: cfg.Presence.Interval,
		},
		Logger: logger.With("component", "supervisor"),
	})
	broadcaster.SetSource(sup)

	if err := sup.StartAll(ctx, cfg.Clients); err != nil {
		// Sessions that started keep serving; the rest show as unavailable.
		logger.Error("some clients failed to start", "error", err)
	}
	logger.Info("supervising clients", "clients", strings.Join(cfg.Clients, ","))

	reporter := health.NewReporter(health.Sources{
		Sessions:   sup.Snapshot,
		Deliveries: channel.Stats,
		StorageDir: cfg.Storage.Dir,
	}, logger)

	srv := server.NewServer(cfg.Server, sup, dispatch.New(sup, logger.With("component", "dispatch")), broadcaster, logger.With("component", "server"))
	srv.SetReporter(reporter)

	serveErr := server.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, srv.Handler(), logger)

	logger.Info("shutting down")
	sup.Close()
	channel.Wait()
	return serveErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if os.Getenv("BRIDGE_DEBUG") == "1" {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
