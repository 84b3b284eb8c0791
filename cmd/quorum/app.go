package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/auth"
	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/effect"
	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/guard"
	"github.com/Mindburn-Labs/quorum/pkg/limiter"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
	"github.com/Mindburn-Labs/quorum/pkg/registry"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

const drainGrace = 5 * time.Second

// app is everything one command needs, built from the environment.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	registry  *registry.Registry
	telemetry *observability.Provider
	tokens    *auth.Tokens
	closers   []func() error
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		return store.Open(ctx, store.SQLite, cfg.DatabaseURL)
	case config.DriverPostgres:
		return store.Open(ctx, store.Postgres, cfg.DatabaseURL)
	case config.DriverFile:
		return store.NewFile(cfg.DatabaseURL)
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: driver %q", config.ErrInvalid, cfg.DatabaseDriver)
	}
}

// newApp loads config, opens storage and restores every wallet.
func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: cfg.NewLogger(stderr).With("component", "cli")}
	if cfg.AuthSecret != "" {
		if a.tokens, err = auth.NewTokens([]byte(cfg.AuthSecret)); err != nil {
			return nil, err
		}
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TelemetryEnabled
	obsCfg.Insecure = cfg.TelemetryInsecure
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Environment = cfg.Environment
	a.telemetry, err = observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry.WithErrorClassifier(engine.ErrorKind)
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(sctx)
	})

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	var bootstrap *config.Bootstrap
	if cfg.BootstrapFile != "" {
		if bootstrap, err = config.LoadBootstrap(cfg.BootstrapFile); err != nil {
			a.close()
			return nil, err
		}
	}

	opts, err := a.engineOptions(ctx, bootstrap)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = registry.New(
		registry.WithStore(a.store),
		registry.WithEngineOptions(opts...),
		registry.WithTelemetry(a.telemetry),
		registry.WithLogger(a.logger),
	)
	a.closers = append(a.closers, func() error {
		// An effect that outlives this grace keeps its claim in the store, so
		// no later invocation dispatches it again.
		dctx, cancel := context.WithTimeout(context.Background(), drainGrace)
		defer cancel()
		return a.registry.Drain(dctx)
	})
	if _, err := a.registry.Restore(ctx); err != nil {
		a.close()
		return nil, err
	}
	if bootstrap != nil {
		n, err := a.registry.Bootstrap(ctx, bootstrap)
		if err != nil {
			a.close()
			return nil, err
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "bootstrap wallets created", "count", n, "file", cfg.BootstrapFile)
		}
	}
	return a, nil
}

func (a *app) engineOptions(ctx context.Context, b *config.Bootstrap) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithEffectTimeout(a.cfg.EffectTimeout),
		engine.WithTelemetry(a.telemetry),
		engine.WithLogger(a.logger),
	}

	if a.cfg.EffectWebhookURL != "" {
		opts = append(opts, engine.WithEffect(effect.NewWebhook(a.cfg.EffectWebhookURL,
			effect.WithRetries(a.cfg.EffectRetries, 200*time.Millisecond))))
	}

	if b != nil && len(b.Guard) > 0 {
		rules := make([]guard.Rule, len(b.Guard))
		for i, r := range b.Guard {
			rules[i] = guard.Rule{Name: r.Name, Expr: r.Expr}
		}
		g, err := guard.New(rules, 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithGuard(g))
	}

	if a.cfg.SubmitRPM > 0 {
		// Validate guarantees RedisAddr: a per-process bucket would reset on
		// every invocation.
		rl, err := limiter.Dial(ctx, a.cfg.RedisAddr, limiter.Policy{RPM: a.cfg.SubmitRPM, Burst: a.cfg.SubmitBurst})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		opts = append(opts, engine.WithLimiter(rl))
	}
	return opts, nil
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
