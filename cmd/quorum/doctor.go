package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/limiter"
)

// runDoctor reports each dependency separately and exits non-zero if any
// check failed.
func runDoctor(ctx context.Context, stdout, stderr io.Writer) int {
	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(stdout, "  ✗ %-10s %v\n", name, err)
			return
		}
		_, _ = fmt.Fprintf(stdout, "  ✓ %s\n", name)
	}

	_, _ = fmt.Fprintln(stdout, "quorum doctor")
	cfg, err := config.Load()
	check("config", err)
	if err != nil {
		return fail(stderr, err)
	}

	if cfg.BootstrapFile != "" {
		_, err := config.LoadBootstrap(cfg.BootstrapFile)
		check("bootstrap", err)
	}

	if cfg.RedisAddr != "" {
		rl, err := limiter.Dial(ctx, cfg.RedisAddr, limiter.Policy{RPM: 1})
		check("redis", err)
		if err == nil {
			_ = rl.Close()
		}
	}

	a, err := newApp(ctx, stderr)
	check("store", err)
	if err == nil {
		_, _ = fmt.Fprintf(stdout, "  driver=%s wallets=%d\n", cfg.DatabaseDriver, a.registry.Count())
		a.close()
	}

	if failed > 0 {
		_, _ = fmt.Fprintf(stderr, "Error: %d check(s) failed\n", failed)
		return exitInternal
	}
	return exitOK
}
