package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ivoronin/snapdog/internal/cache"
	"github.com/ivoronin/snapdog/internal/duplicates"
	"github.com/ivoronin/snapdog/internal/hasher"
	"github.com/ivoronin/snapdog/internal/store"
)

func newDupesCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dupes [dir]",
		Short: "Hash same-size files and list duplicate groups",
		Long: `Finds files with identical content within a scanned tree.

Only active files whose size is shared by at least one other file, and by no
more than --max-same-size files, are hashed. Files hashed by an earlier run
keep their digest. Groups are rebuilt from scratch after every run.

Run "snapdog scan" first: duplicate detection reads the snapshot, not the tree.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDupes(cmd, a, args, limit)
		},
	}

	f := cmd.Flags()
	f.String("algorithm", "", fmt.Sprintf("Hash algorithm %v", hasher.Algorithms()))
	f.Int("chunk-size", 0, "Read buffer size in bytes")
	f.StringP("min-size", "m", "", "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	f.Int("max-same-size", 0, "Skip sizes shared by more files than this (0 = no limit)")
	f.Int("hash-workers", 0, "Number of files hashed in parallel")
	f.Uint("attempts", 0, "Read attempts per file")
	f.Duration("retry-delay", 0, "Base delay between read attempts")
	f.Duration("timeout", 0, "Per-file hashing timeout (0 = none)")
	f.String("cache-file", "", "Path to hash cache file (enables caching)")
	f.IntVarP(&limit, "limit", "n", 20, "Number of groups to list (0 = all)")

	return cmd
}

func runDupes(cmd *cobra.Command, a *app, args []string, limit int) error {
	ctx := cmd.Context()
	root, err := a.scopeRoot(args)
	if err != nil {
		return err
	}
	minSize, err := a.cfg.Hash.MinSizeBytes()
	if err != nil {
		return fmt.Errorf("invalid min-size: %w", err)
	}

	h, err := hasher.New(a.cfg.HasherOptions())
	if err != nil {
		return err
	}
	digests, err := cache.Open(a.cfg.Hash.CacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() {
		if err := digests.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to save cache")
		}
	}()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	scope := st.Scope(root)
	// A scope whose files all vanished still runs, so stale groups get cleared.
	if n, err := scope.RecordCount(ctx); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("no files recorded under %s (run \"snapdog scan %s\" first)", root, root)
	}

	detector := duplicates.New(st, a.locker(), h, duplicates.Options{
		MinSize:      minSize,
		MaxSameSize:  a.cfg.Hash.MaxSameSize,
		Workers:      a.cfg.Hash.Workers,
		Cache:        digests,
		ShowProgress: a.showProgress(),
	}, a.log)

	res, err := detector.Run(ctx, root)
	if err != nil {
		return err
	}
	a.metrics.ObserveDuplicates(res)
	a.flushMetrics()

	groups, err := scope.DuplicateGroups(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res)
	renderGroups(out, groups, limit)
	return nil
}

// renderGroups lists groups, most wasteful first.
func renderGroups(w io.Writer, groups []store.DuplicateGroup, limit int) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No duplicates found.")
		return
	}
	shown := groups
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for _, g := range shown {
		fmt.Fprintln(w)
		printHeading(w, "Group %d: %d files of %s, %s wasted", g.ID, len(g.Members), size(g.Size), size(g.Wasted()))
		for _, path := range g.Members {
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
	if len(shown) < len(groups) {
		fmt.Fprintf(w, "\n... and %d more groups (use --limit 0 to list all)\n", len(groups)-len(shown))
	}
}
