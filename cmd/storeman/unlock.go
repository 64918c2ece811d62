package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <vault>",
		Short: "Forcibly remove a stale vault lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := openStoreman(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			prev, err := s.Unlock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if prev == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s was not locked\n", green("✓"), args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed lock of %s held by %s since %s\n",
				green("✓"), args[0], prev.Identity, humanize.Time(prev.Acquired))
			if age := prev.Age(time.Now()); age < time.Minute {
				fmt.Fprintln(cmd.OutOrStdout(), red("warning:"), "the lock was recent, its holder may still be running")
			}
			return nil
		},
	}
}
