package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			return 130
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// execute runs one command line against a fresh command tree.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	defer func() { _ = a.close() }()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "snapdog",
		Short: "Snapshot directory trees and report on their contents",
		Long: `snapdog keeps a persistent snapshot of directory trees in SQLite.

Each scan reconciles the tree with the snapshot: new files are inserted,
changed files updated, vanished files soft-deleted and returning files
restored. Duplicate detection hashes only files whose size is shared, and
report commands answer questions from the snapshot without touching disk.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Config file (default ./snapdog.yaml or ~/.config/snapdog/snapdog.yaml)")
	pf.String("db", "", "Snapshot database path")
	pf.String("log-level", "", "Log level: trace, debug, info, warn, error")
	pf.String("log-file", "", "Write a rotated JSON session log to this file")
	pf.Bool("no-progress", false, "Disable progress output")
	pf.String("metrics-file", "", "Write Prometheus metrics in textfile format to this file")

	root.AddCommand(
		newScanCmd(a),
		newDupesCmd(a),
		newStatsCmd(a),
		newTopCmd(a),
		newTypesCmd(a),
		newHogsCmd(a),
		newAgeCmd(a),
		newEmptyCmd(a),
		newDeletedCmd(a),
		newRootsCmd(a),
		newHistoryCmd(a),
		newExportCmd(a),
		newVacuumCmd(a),
		newConfigCmd(a),
	)
	return root
}
