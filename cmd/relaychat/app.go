package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"RelayChat/internal/backend"
	"RelayChat/internal/chatbot"
	"RelayChat/internal/config"
	"RelayChat/internal/relay"
	"RelayChat/internal/session"
	"RelayChat/internal/telemetry"
)

// app holds the components shared by every command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   session.Store
	relay   *relay.Relay
	metrics *telemetry.Metrics

	cleanups []func()
}

func newApp(ctx context.Context, cfg config.Config, logFile string, withMetrics bool) (*app, error) {
	a := &app{cfg: cfg}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger, closeLog, err := telemetry.InitLogger(telemetry.LogConfig{
		Dir:    cfg.LogDir,
		File:   logFile,
		Level:  level,
		Format: cfg.LogFormat,
		Stderr: cfg.LogStderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.cleanups = append(a.cleanups, closeLog)

	tracer, meter, closeTelemetry, err := telemetry.InitTelemetry(ctx, telemetry.TelemetryConfig{
		Enabled: cfg.TelemetryEnabled,
		Dir:     cfg.LogDir,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.cleanups = append(a.cleanups, closeTelemetry)

	store, err := session.NewStore(ctx, session.Options{
		Backend:     cfg.SessionBackend,
		MaxTurns:    cfg.Relay.MaxTurns,
		SQLitePath:  cfg.SessionDBPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	a.store = store
	a.cleanups = append(a.cleanups, func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close session store", "error", err)
		}
	})

	provider, err := backend.New(backend.Options{
		Kind:       cfg.Provider,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}
	provider = backend.Instrument(provider, tracer, meter)

	a.relay = relay.New(store, provider, cfg.Relay,
		relay.WithLogger(logger),
		relay.WithTracer(tracer),
		relay.WithMeter(meter),
	)
	if withMetrics {
		a.metrics = telemetry.NewMetrics(cfg.MetricsNamespace)
	}

	logger.Info("relaychat starting",
		"version", version,
		"provider", provider.Name(),
		"model", cfg.Relay.Model,
		"session_backend", cfg.SessionBackend,
		"max_turns", cfg.Relay.MaxTurns,
		"timeout", cfg.Relay.Timeout.String(),
	)
	return a, nil
}

func (a *app) chatbotOptions() chatbot.Options {
	opts := chatbot.Options{
		Logger:          a.logger,
		Metrics:         a.metrics,
		RateLimitPerSec: a.cfg.RateLimitPerSec,
		RateLimitBurst:  a.cfg.RateLimitBurst,
	}
	if c, ok := a.store.(chatbot.Counter); ok {
		opts.Sessions = c
	}
	return opts
}

// Close runs cleanups in reverse order.
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
