package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ivoronin/snapdog/internal/reconciler"
	"github.com/ivoronin/snapdog/internal/scanner"
)

func newScanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Reconcile a directory tree with its snapshot",
		Long: `Walks the directory and reconciles the result with the stored snapshot.

New files are inserted, files whose size or modification time changed are
updated, files missing from the walk are soft-deleted and previously deleted
files that reappear are restored. Content hashes survive unchanged files.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, a, args)
		},
	}

	cmd.Flags().Bool("skip-hidden", false, "Skip files whose name starts with a dot")
	cmd.Flags().StringSliceP("exclude", "e", nil, "Glob patterns to exclude (matched against base names)")
	cmd.Flags().IntP("workers", "w", 0, "Number of parallel directory readers")
	cmd.Flags().Int("batch-size", 0, "Records written per transaction")

	return cmd
}

func runScan(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	target := a.cfg.Scan.Root
	if len(args) > 0 {
		target = args[0]
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	engine := reconciler.New(st, a.locker(), reconciler.Options{
		Walk: scanner.Options{
			Workers:      a.cfg.Scan.Workers,
			SkipHidden:   a.cfg.Scan.SkipHidden,
			Excludes:     a.cfg.Scan.Excludes,
			ShowProgress: a.showProgress(),
		},
		BatchSize: a.cfg.Scan.BatchSize,
	}, a.log)

	res, err := engine.Reconcile(ctx, target)
	if err != nil {
		return err
	}
	a.metrics.ObserveReconcile(res)
	a.flushMetrics()

	fmt.Fprintln(cmd.OutOrStdout(), res)
	return nil
}
