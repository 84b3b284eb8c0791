package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/backup"
	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

func runToken(_ context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("token", stderr)
	raw := fs.String("owner", "", "owner identity")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	wallet := fs.String("wallet", "", "restrict the token to one wallet")
	if err := parse(fs, args); err != nil {
		return err
	}
	if a.tokens == nil {
		return fmt.Errorf("%w: QUORUM_AUTH_SECRET is not set", config.ErrInvalid)
	}
	o, err := owner.Parse(*raw)
	if err != nil {
		return fmt.Errorf("%w: --owner: %v", errUsage, err)
	}
	var wallets []string
	if *wallet != "" {
		if _, err := lookup(a, *wallet); err != nil {
			return err
		}
		wallets = append(wallets, *wallet)
	}
	tok, err := a.tokens.Issue(o, *ttl, wallets...)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return nil
}

func runBackup(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("backup", stderr)
	dest := fs.String("dest", a.cfg.BackupURL, "directory, s3://bucket/prefix or gs://bucket/prefix")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *dest == "" {
		return fmt.Errorf("%w: --dest or QUORUM_BACKUP_URL is required", errUsage)
	}

	sink, closeSink, err := backup.Open(ctx, *dest, s3Options(a.cfg))
	if err != nil {
		return err
	}
	defer func() { _ = closeSink() }()

	key, err := backup.Write(ctx, a.store, sink)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot written", "key", key, "dest", *dest, "wallets", a.registry.Count())
	_, _ = fmt.Fprintln(stdout, key)
	return nil
}

// runRestore loads a snapshot into the configured store. It opens the store
// directly: the registry would otherwise start from the empty store first.
func runRestore(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlags("restore", stderr)
	src := fs.String("src", "", "directory, s3://bucket/prefix or gs://bucket/prefix")
	key := fs.String("key", "", "snapshot key printed by backup")
	if err := parse(fs, args); err != nil {
		return fail(stderr, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}
	if *src == "" {
		*src = cfg.BackupURL
	}
	if *src == "" || *key == "" {
		return fail(stderr, fmt.Errorf("%w: --src and --key are required", errUsage))
	}

	sink, closeSink, err := backup.Open(ctx, *src, s3Options(cfg))
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = closeSink() }()
	snap, err := backup.Read(ctx, sink, *key)
	if err != nil {
		return fail(stderr, err)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	err = backup.Apply(ctx, snap, s)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(stderr, fmt.Errorf("restore: %w", err))
	}

	// Reopen through the registry so the hash chains are checked now rather
	// than on the next command.
	return withApp(ctx, stdout, stderr, nil, func(_ context.Context, a *app, _ []string, stdout, _ io.Writer) error {
		_, _ = fmt.Fprintf(stdout, "restored %d wallets from %s\n", a.registry.Count(), *key)
		return nil
	})
}

func s3Options(cfg *config.Config) backup.S3Options {
	return backup.S3Options{Region: cfg.S3Region, Endpoint: cfg.S3Endpoint}
}
