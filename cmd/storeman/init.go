package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/openmined/storeman/internal/config"
	"github.com/openmined/storeman/internal/utils"
	"github.com/spf13/cobra"
)

var errConfigExists = errors.New("config already exists")

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <vault-dir>",
		Short: "Create a config that mirrors the archive into a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("config")
			if root == "" {
				root = "."
			}
			root, err := utils.ResolvePath(root)
			if err != nil {
				return err
			}
			file := filepath.Join(root, config.FileName)
			if filepath.Ext(root) == ".json" {
				file, root = root, filepath.Dir(root)
			}
			vaultDir, err := utils.ResolvePath(args[0])
			if err != nil {
				return err
			}

			cfg := config.Default(root, vaultDir)
			cfg.File = file
			if id, _ := cmd.Flags().GetString("identity"); id != "" {
				cfg.Identity = id
			}
			if title, _ := cmd.Flags().GetString("title"); title != "" {
				cfg.Vaults[0].Title = title
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if utils.FileExists(cfg.File) {
				return fmt.Errorf("%w: %s", errConfigExists, cfg.File)
			}
			if err := utils.EnsureDir(vaultDir); err != nil {
				return err
			}

			cmd.SilenceUsage = true
			if err := cfg.Save(cfg.File); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", green("✓"), cfg.File)
			return nil
		},
	}
	cmd.Flags().String("identity", "", "client identity shown in vault locks (default user@host)")
	cmd.Flags().String("title", "", "vault title (default \"local\")")
	return cmd
}
