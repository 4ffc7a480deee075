package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivoronin/snapdog/internal/export"
	"github.com/ivoronin/snapdog/internal/store"
)

func newRootsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "List every scanned tree in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			roots, err := st.Roots(cmd.Context())
			if err != nil {
				return err
			}
			renderRoots(cmd.OutOrStdout(), roots)
			return nil
		},
	}
}

func renderRoots(w io.Writer, roots []store.RootStat) {
	if len(roots) == 0 {
		fmt.Fprintln(w, "No trees scanned yet.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "FILES\tACTIVE\tDELETED\tROOT")
	for _, r := range roots {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", r.Files, r.Active, r.Deleted, r.Root)
	}
	_ = tw.Flush()
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "history [dir]",
		Short: "Show recent scan and duplicate runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root := ""
			if !all {
				var err error
				if root, err = a.scopeRoot(args); err != nil {
					return err
				}
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			runs, err := st.Runs(ctx, root, limit)
			if err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "count", "n", 20, "Number of runs to show")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Show runs of every tree")
	return cmd
}

func renderRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "STARTED\tKIND\tDURATION\tOUTCOME\tROOT")
	for _, r := range runs {
		started := r.StartedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			when(&started), r.Kind, r.Duration().Round(time.Millisecond), runOutcome(r), r.Root)
	}
	_ = tw.Flush()
}

func runOutcome(r store.Run) string {
	if r.Error != "" {
		return "failed: " + r.Error
	}
	if r.Kind == store.RunHash {
		return fmt.Sprintf("%d hashed, %d failed, %d groups", r.Hashed, r.Failed, r.Groups)
	}
	return fmt.Sprintf("%d scanned, +%d ~%d -%d, %d restored, %d errors",
		r.Scanned, r.Inserted, r.Updated, r.Deleted, r.Restored, r.Errors)
}

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export [dir]",
		Short: "Export a tree's snapshot as CSV",
		Long: `Writes every record of the tree, including soft-deleted ones, as CSV.

The file is replaced atomically. Use "-o -" to write to standard output.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root, err := a.scopeRoot(args)
			if err != nil {
				return err
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			records, err := st.Scope(root).Records(ctx)
			if err != nil {
				return err
			}

			if output == "-" {
				return export.WriteCSV(cmd.OutOrStdout(), records)
			}
			if output == "" {
				output = fmt.Sprintf("snapdog-export-%s.csv", time.Now().Format("20060102_150405"))
			}
			if err := export.ToFile(output, records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", len(records), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default snapdog-export-<timestamp>.csv)")
	return cmd
}

func newVacuumCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			before, after, err := st.Vacuum(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database compacted from %s to %s\n", size(before), size(after))
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
