package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ivoronin/snapdog/internal/config"
	"github.com/ivoronin/snapdog/internal/logging"
	"github.com/ivoronin/snapdog/internal/metrics"
	"github.com/ivoronin/snapdog/internal/progress"
	"github.com/ivoronin/snapdog/internal/scopelock"
	"github.com/ivoronin/snapdog/internal/store"
)

// app carries per-invocation state shared by subcommands.
type app struct {
	configFile string

	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer
	store     *store.Store
	metrics   *metrics.Recorder
}

// init loads configuration and builds the logger. Runs before every subcommand.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	log, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: cmd.ErrOrStderr(),
		NoColor: !isTerminal(cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}
	a.cfg, a.log, a.logCloser = cfg, log, closer
	a.metrics = metrics.New()
	return nil
}

// openStore opens the snapshot database once per invocation.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.Open(ctx, a.cfg.Database.Path, a.log)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

func (a *app) locker() *scopelock.Locker {
	return scopelock.ForDatabase(a.cfg.Database.Path)
}

func (a *app) showProgress() bool {
	return progress.Enabled(!a.cfg.Progress)
}

// scopeRoot resolves the optional directory argument, falling back to
// scan.root, into the normalized key of a scope.
func (a *app) scopeRoot(args []string) (string, error) {
	dir := a.cfg.Scan.Root
	if len(args) > 0 {
		dir = args[0]
	}
	return normalizeRoot(dir)
}

// flushMetrics writes the registry when metrics.file is configured.
func (a *app) flushMetrics() {
	if a.cfg.Metrics.File == "" {
		return
	}
	if err := a.metrics.WriteFile(a.cfg.Metrics.File); err != nil {
		a.log.Warn().Err(err).Str("path", a.cfg.Metrics.File).Msg("failed to write metrics")
	}
}

func (a *app) close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		a.store = nil
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
		a.logCloser = nil
	}
	return errors.Join(errs...)
}
