package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/storeman/internal/storeman"
	"github.com/openmined/storeman/internal/vault"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [vault...]",
		Short: "Synchronize the archive with every vault, or the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := syncOptions(cmd)
			s, closeFn, err := openStoreman(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			showHeader(cmd.OutOrStdout())
			results, err := s.Synchronize(cmd.Context(), opts, args...)
			printResults(cmd.OutOrStdout(), results)
			return err
		},
	}
	addSyncFlags(cmd)
	return cmd
}

func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("dry-run", "n", false, "show the planned operations without executing them")
	cmd.Flags().Bool("force", false, "take over the vault lock even if another client holds it")
	cmd.Flags().BoolP("wait", "w", false, "wait for a busy vault lock instead of failing")
}

func syncOptions(cmd *cobra.Command) vault.SyncOptions {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	wait, _ := cmd.Flags().GetBool("wait")
	return vault.SyncOptions{DryRun: dryRun, ForceLock: force, WaitLock: wait}
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Synchronize whenever the archive changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			debounce, _ := cmd.Flags().GetDuration("debounce")
			interval, _ := cmd.Flags().GetDuration("interval")
			opts := syncOptions(cmd)
			opts.DryRun = false

			s, closeFn, err := openStoreman(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			showHeader(cmd.OutOrStdout())
			defer slog.Info("Bye!")
			return s.Watch(cmd.Context(), storeman.WatchOptions{
				Sync:     opts,
				Debounce: debounce,
				Interval: interval,
				OnSync: func(results []*vault.SyncResult, err error) {
					printResults(cmd.OutOrStdout(), results)
					if err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), red("error:"), err)
					}
				},
			})
		},
	}
	addSyncFlags(cmd)
	cmd.Flags().Duration("debounce", storeman.DefaultDebounce, "quiet period before a change triggers a sync")
	cmd.Flags().Duration("interval", 5*time.Minute, "also sync periodically (0 disables)")
	return cmd
}

func printResults(w io.Writer, results []*vault.SyncResult) {
	for _, r := range results {
		printResult(w, r)
	}
}

func printResult(w io.Writer, r *vault.SyncResult) {
	took := r.Took.Round(time.Millisecond)
	switch {
	case r.UpToDate:
		fmt.Fprintf(w, "%s %s up to date %s\n", green("✓"), r.Vault, gray(took))
		return
	case r.DryRun:
		fmt.Fprintf(w, "%s %s would run %d operations\n", cyan("~"), r.Vault, r.Operations.Len())
		for _, op := range r.Operations.All() {
			fmt.Fprintf(w, "    %s\n", op)
		}
	default:
		fmt.Fprintf(w, "%s %s %d operations %s\n", green("✓"), r.Vault, r.Executed, gray(took))
	}

	st := r.Stats
	fmt.Fprintf(w, "    local %d  remote %d  removed %d  unchanged %d",
		st.FromLocal, st.FromRemote, st.Removed, st.Unchanged)
	if st.Convergent > 0 {
		fmt.Fprintf(w, "  convergent %d", st.Convergent)
	}
	if st.Conflicts > 0 {
		fmt.Fprintf(w, "  resolved conflicts %d", st.Conflicts)
	}
	fmt.Fprintln(w)

	if r.Published {
		fmt.Fprintf(w, "    published index, collected %s\n", humanize.Comma(int64(r.Collected))+" blobs")
	}
}
