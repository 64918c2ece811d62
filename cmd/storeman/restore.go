package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/openmined/storeman/internal/utils"
	"github.com/openmined/storeman/internal/vault"
	"github.com/spf13/cobra"
)

var errNotEmpty = errors.New("target directory is not empty")

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <vault>",
		Short: "Bring the archive back to the state published in a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd, args[0], "")
		},
	}
	addRestoreFlags(cmd)
	return cmd
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <vault> <dir>",
		Short: "Write the state published in a vault into another directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := utils.ResolvePath(args[1])
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			if !force && utils.DirExists(dir) {
				empty, err := utils.IsEmptyDir(dir)
				if err != nil {
					return err
				}
				if !empty {
					return fmt.Errorf("%w: %s (use --force to merge into it)", errNotEmpty, dir)
				}
			}
			return runRestore(cmd, args[0], dir)
		},
	}
	addRestoreFlags(cmd)
	cmd.Flags().Bool("force", false, "write into a non-empty directory")
	return cmd
}

func addRestoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("match", "m", "", "only restore paths matching this glob, e.g. 'docs/**'")
	cmd.Flags().BoolP("dry-run", "n", false, "show the planned operations without executing them")
	cmd.Flags().BoolP("wait", "w", false, "wait for a busy vault lock instead of failing")
}

func runRestore(cmd *cobra.Command, title, dir string) error {
	match, _ := cmd.Flags().GetString("match")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	wait, _ := cmd.Flags().GetBool("wait")

	s, closeFn, err := openStoreman(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	showHeader(cmd.OutOrStdout())
	res, err := s.Restore(cmd.Context(), title, dir, vault.RestoreOptions{
		Match:    match,
		WaitLock: wait,
		DryRun:   dryRun,
	})
	if err != nil {
		return err
	}
	printRestore(cmd.OutOrStdout(), res, dryRun)
	return nil
}

func printRestore(w io.Writer, res *vault.RestoreResult, dryRun bool) {
	if dryRun {
		fmt.Fprintf(w, "%s %s would run %d operations for %d objects\n", cyan("~"), res.Vault, res.Operations.Len(), res.Objects)
		for _, op := range res.Operations.All() {
			fmt.Fprintf(w, "    %s\n", op)
		}
		return
	}
	fmt.Fprintf(w, "%s %s restored %d objects with %d operations\n", green("✓"), res.Vault, res.Objects, res.Executed)
}
