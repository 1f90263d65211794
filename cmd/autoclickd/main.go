package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/autoclick/internal/config"
	"github.com/g960059/autoclick/internal/console"
	"github.com/g960059/autoclick/internal/daemon"
	"github.com/g960059/autoclick/internal/db"
	"github.com/g960059/autoclick/internal/model"
	"github.com/g960059/autoclick/internal/wsbridge"
)

func main() {
	fs := pflag.NewFlagSet("autoclickd", pflag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	socketPath := fs.String("socket", "", "UDS path for autoclickd")
	dbPath := fs.String("db", "", "SQLite path")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if fs.Changed("socket") {
		cfg.SocketPath = *socketPath
	}
	if fs.Changed("db") {
		cfg.DBPath = *dbPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, cfg.NewLogger(os.Stderr)); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}
	settings, err := loadSettings(ctx, store, cfg)
	if err != nil {
		return err
	}

	dialer, err := wsbridge.NewDialer(wsbridge.Options{
		Codec:  wsbridge.Codec(cfg.BridgeCodec),
		Logger: logger.With("component", "wsbridge"),
	})
	if err != nil {
		return err
	}
	c, err := console.New(dialer, console.Options{
		Logger:           logger,
		Settings:         settings,
		ScanInterval:     cfg.ScanInterval,
		DetectTimeout:    cfg.DetectTimeout,
		DispatchTimeout:  cfg.DispatchTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReconnectDelay:   cfg.ReconnectDelay,
		StartClearsLock:  cfg.StartClearsLock,
		AutoConnect:      cfg.AutoConnect,
		Targets:          store,
		Store:            store,
		Journal:          store,
		JournalBuffer:    cfg.JournalBuffer,
	})
	if err != nil {
		return err
	}
	srv := daemon.NewServer(cfg, c, store, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return runRetention(gctx, store, cfg, logger) })
	g.Go(func() error { return srv.Start(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadSettings returns the persisted operator settings, seeding the
// store from cfg on first start.
func loadSettings(ctx context.Context, store *db.Store, cfg config.Config) (model.Settings, error) {
	settings, err := store.GetSettings(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	settings, err = store.UpsertSettings(ctx, cfg.InitialSettings())
	if err != nil {
		return model.Settings{}, fmt.Errorf("seed settings: %w", err)
	}
	return settings, nil
}

func runRetention(ctx context.Context, store *db.Store, cfg config.Config, logger *slog.Logger) error {
	if cfg.LogRetention <= 0 {
		return nil
	}
	purge := func() {
		cutoff := time.Now().UTC().Add(-cfg.LogRetention)
		n, err := store.PurgeLogEntries(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("log retention purge failed", "err", err)
		case n > 0:
			logger.Debug("purged log history", "rows", n, "cutoff", cutoff)
		}
	}

	purge()
	ticker := time.NewTicker(cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purge()
		}
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "autoclickd: %v\n", err)
	os.Exit(1)
}
