package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ivoronin/snapdog/internal/store"
)

// Report commands read the snapshot only; they never touch the tree.

const defaultTopN = 10

// reportCmd builds a read-only command over the scope named by [dir].
func reportCmd(a *app, use, short string, fn func(ctx context.Context, w io.Writer, scope *store.Scope) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [dir]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
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
			return fn(ctx, cmd.OutOrStdout(), st.Scope(root))
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return reportCmd(a, "stats", "Summarize a scanned tree", func(ctx context.Context, w io.Writer, scope *store.Scope) error {
		sum, err := scope.Summary(ctx)
		if err != nil {
			return err
		}
		dup, err := scope.DuplicateStats(ctx)
		if err != nil {
			return err
		}
		minSize, err := a.cfg.Hash.MinSizeBytes()
		if err != nil {
			return err
		}
		files, sizeGroups, err := scope.CandidatePopulation(ctx, minSize, a.cfg.Hash.MaxSameSize)
		if err != nil {
			return err
		}
		renderSummary(w, scope.Root(), sum, dup)
		fmt.Fprintf(w, "%d files in %d size groups qualify for hashing\n", files, sizeGroups)
		return nil
	})
}

func renderSummary(w io.Writer, root string, sum *store.Summary, dup store.DuplicateStats) {
	printHeading(w, "Snapshot of %s", root)
	tw := newTable(w)
	fmt.Fprintf(tw, "Active files:\t%d\t%s\n", sum.ActiveFiles, size(sum.ActiveBytes))
	fmt.Fprintf(tw, "Deleted files:\t%d\t%s\n", sum.DeletedFiles, size(sum.DeletedBytes))
	fmt.Fprintf(tw, "Directories:\t%d\t\n", sum.Directories)
	fmt.Fprintf(tw, "File types:\t%d\t\n", sum.Extensions)
	if sum.ActiveFiles > 0 {
		fmt.Fprintf(tw, "Average size:\t%s\t\n", size(sum.ActiveBytes/sum.ActiveFiles))
	}
	if sum.Largest != nil {
		fmt.Fprintf(tw, "Largest:\t%s\t%s\n", size(sum.Largest.Size), sum.Largest.Path)
	}
	if sum.SmallestNonZero != nil {
		fmt.Fprintf(tw, "Smallest:\t%s\t%s\n", size(sum.SmallestNonZero.Size), sum.SmallestNonZero.Path)
	}
	fmt.Fprintf(tw, "Duplicate groups:\t%d\t%d files\n", dup.Groups, dup.Files)
	fmt.Fprintf(tw, "Wasted space:\t%s\t\n", size(dup.WastedBytes))
	_ = tw.Flush()
}

func newTopCmd(a *app) *cobra.Command {
	var (
		n              int
		smallest       bool
		includeDeleted bool
	)
	cmd := reportCmd(a, "top", "List the largest files", func(ctx context.Context, w io.Writer, scope *store.Scope) error {
		var (
			refs []store.FileRef
			err  error
		)
		if smallest {
			refs, err = scope.SmallestFiles(ctx, n)
		} else {
			refs, err = scope.TopFiles(ctx, n, includeDeleted)
		}
		if err != nil {
			return err
		}
		renderFiles(w, refs)
		return nil
	})
	cmd.Flags().IntVarP(&n, "count", "n", defaultTopN, "Number of files to list")
	cmd.Flags().BoolVar(&smallest, "smallest", false, "List the smallest non-empty files instead")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "Include soft-deleted files")
	return cmd
}

func renderFiles(w io.Writer, refs []store.FileRef) {
	if len(refs) == 0 {
		fmt.Fprintln(w, "No files.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SIZE\tMODIFIED\tPATH")
	for _, r := range refs {
		path := r.Path
		if r.Deleted {
			path += " (deleted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", size(r.Size), when(r.ModifiedAt), path)
	}
	_ = tw.Flush()
}

func newTypesCmd(a *app) *cobra.Command {
	return reportCmd(a, "types", "Break down space by file extension", func(ctx context.Context, w io.Writer, scope *store.Scope) error {
		stats, err := scope.TypeStats(ctx)
		if err != nil {
			return err
		}
		renderTypes(w, stats)
		return nil
	})
}

func renderTypes(w io.Writer, stats []store.TypeStat) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No files.")
		return
	}
	var files, total int64
	for _, s := range stats {
		files += s.Files
		total += s.Bytes
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "EXTENSION\tFILES\tFILE SHARE\tSIZE\tSIZE SHARE\tAVG SIZE")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", s.Extension,
			s.Files, percent(s.Files, files),
			size(s.Bytes), percent(s.Bytes, total),
			size(s.AvgBytes()))
	}
	_ = tw.Flush()
}

func newHogsCmd(a *app) *cobra.Command {
	var n int
	cmd := reportCmd(a, "hogs", "List directories holding the most data", func(ctx context.Context, w io.Writer, scope *store.Scope) error {
		dirs, err := scope.SpaceHogs(ctx, n)
		if err != nil {
			return err
		}
		renderHogs(w, dirs)
		return nil
	})
	cmd.Flags().IntVarP(&n, "count", "n", defaultTopN, "Number of directories to list")
	return cmd
}

func renderHogs(w io.Writer, dirs []store.DirStat) {
	if len(dirs) == 0 {
		fmt.Fprintln(w, "No files.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SIZE\tFILES\tDIRECTORY")
	for _, d := range dirs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", size(d.Bytes), d.Files, d.Directory)
	}
	_ = tw.Flush()
}

func newAgeCmd(a *app) *cobra.Command {
	var n int
	cmd := reportCmd(a, "age", "List the oldest and newest files by modification time", func(ctx context.Context, w io.Writer, scope *store.Scope) error {
		oldest, err := scope.Oldest(ctx, n)
		if err != nil {
			return err
		}
		newest, err := scope.Newest(ctx, n)
		if err != nil {
			return err
		}
		printHeading(w, "Oldest files")
		renderAges(w, oldest)
		fmt.Fprintln(w)
		printHeading(w, "Newest files")
		renderAges(w, newest)
		return nil
	})
	cmd.Flags().IntVarP(&n, "count", "n", defaultTopN, "Number of files per list")
	return cmd
}

func renderAges(w io.Writer, refs []store.FileRef) {
	if len(refs) == 0 {
		fmt.Fprintln(w, "No files.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "MODIFIED\tAGE\tSIZE\tPATH")
	for _, r := range refs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", when(r.ModifiedAt), ago(r.ModifiedAt), size(r.Size), r.Path)
	}
	_ = tw.Flush()
}

func newEmptyCmd(a *app) *cobra.Command {
	return reportCmd(a, "empty", "List zero-byte files", func(ctx context.Context, w io.Writer, scope *store.Scope) error {
		refs, err := scope.ZeroByteFiles(ctx)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			fmt.Fprintln(w, "No empty files.")
			return nil
		}
		for _, r := range refs {
			fmt.Fprintln(w, r.Path)
		}
		fmt.Fprintf(w, "\n%d empty files\n", len(refs))
		return nil
	})
}

func newDeletedCmd(a *app) *cobra.Command {
	return reportCmd(a, "deleted", "List files that disappeared since they were first seen", func(ctx context.Context, w io.Writer, scope *store.Scope) error {
		refs, err := scope.DeletedFiles(ctx)
		if err != nil {
			return err
		}
		renderDeleted(w, refs)
		return nil
	})
}

func renderDeleted(w io.Writer, refs []store.FileRef) {
	if len(refs) == 0 {
		fmt.Fprintln(w, "No deleted files.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "DELETED\tSIZE\tPATH")
	for _, r := range refs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", when(r.DeletedAt), size(r.Size), r.Path)
	}
	_ = tw.Flush()
}
