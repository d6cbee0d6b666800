package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nodegate/bridge"
	"nodegate/compiler"
	"nodegate/config"
	"nodegate/gate"
	"nodegate/lifecycle"
	"nodegate/mux"
	"nodegate/observability/logging"
	telemetry "nodegate/observability/otel"
	"nodegate/policy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "./nodegate.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("NODEGATE_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	var logger *slog.Logger
	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		logger = logging.SetupWithOutput("nodegated", env, logging.RotatingWriter(path))
	} else {
		logger = logging.Setup("nodegated", env)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "nodegated",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := policy.LoadStore(cfg.PolicyFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load policy: %w", err)
		}
		logger.Warn("policy file missing, starting with no account grants", "path", cfg.PolicyFile)
		store = policy.NewStore()
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := mux.SocketDialer{Network: cfg.SocketNetwork, Path: cfg.SocketPath}
	confirm := bridge.NewConfirmer(logger)
	comp := compiler.NewCached(compiler.NewSolc(cfg.CompilerCommand, 0))
	g := gate.New(confirm, comp, logger)

	var limiter *policy.RateLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = policy.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}

	svc := mux.New(mux.Config{
		ConnectTimeout:   cfg.ConnectTimeout(),
		ReconnectTimeout: cfg.ReconnectTimeout(),
		RequestTimeout:   cfg.RequestTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
		MaxFrameBytes:    cfg.MaxFrameBytes,
	}, dialer, policy.NewFilter(store), g, limiter, logger)
	defer svc.Close()

	prober := lifecycle.NewProber(dialer, cfg.ProbeInterval(), 0, logger)
	coord := lifecycle.NewCoordinator(prober, svc, logger)
	go prober.Run(stopCtx)
	go coord.Run(stopCtx)

	server := bridge.NewServer(bridge.Config{
		Address:     cfg.BridgeAddress,
		MaxSessions: cfg.MaxSessions,
	}, svc, confirm, store, logger)

	logger.Info("nodegate starting",
		"socket", cfg.SocketPath,
		"network", cfg.SocketNetwork,
		"bridge", cfg.BridgeAddress,
	)
	return server.Serve(stopCtx)
}
