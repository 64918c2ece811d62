package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/storeman/internal/config"
	"github.com/openmined/storeman/internal/lock"
	"github.com/openmined/storeman/internal/utils"
	"github.com/openmined/storeman/internal/vault"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type vaultView struct {
	Title       string            `yaml:"title"`
	Adapter     string            `yaml:"adapter"`
	Settings    map[string]string `yaml:"settings,omitempty"`
	Objects     int               `yaml:"objects"`
	Files       int               `yaml:"files"`
	Directories int               `yaml:"directories"`
	Symlinks    int               `yaml:"symlinks"`
	Size        string            `yaml:"size"`
	Blobs       int               `yaml:"blobs"`
	Base        int               `yaml:"base"`
	Lock        *lockView         `yaml:"lock,omitempty"`
}

type lockView struct {
	Identity string `yaml:"identity"`
	Acquired string `yaml:"acquired"`
	Age      string `yaml:"age"`
}

type infoView struct {
	Archive  string      `yaml:"archive"`
	Identity string      `yaml:"identity"`
	Vaults   []vaultView `yaml:"vaults"`
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the published state of every vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asYAML, _ := cmd.Flags().GetBool("yaml")

			s, closeFn, err := openStoreman(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			infos, err := s.Info(cmd.Context())
			if err != nil {
				return err
			}
			view := newInfoView(s.Config(), infos, time.Now())
			if asYAML {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(view)
			}
			printInfo(cmd.OutOrStdout(), view)
			return nil
		},
	}
	cmd.Flags().Bool("yaml", false, "print as YAML")
	return cmd
}

func newInfoView(cfg *config.Config, infos []*vault.Info, now time.Time) infoView {
	view := infoView{Archive: cfg.Path, Identity: cfg.Identity}
	for _, info := range infos {
		vv := vaultView{
			Title:       info.Title,
			Adapter:     info.Adapter,
			Objects:     info.Objects,
			Files:       info.Files,
			Directories: info.Directories,
			Symlinks:    info.Symlinks,
			Size:        humanize.IBytes(uint64(info.TotalSize)),
			Blobs:       info.Blobs,
			Base:        info.BaseObjects,
			Lock:        newLockView(info.Lock, now),
		}
		if vc, ok := cfg.Vault(info.Title); ok && len(vc.Settings) > 0 {
			vv.Settings = utils.MaskSettings(vc.Settings)
		}
		view.Vaults = append(view.Vaults, vv)
	}
	return view
}

func newLockView(l *lock.Lock, now time.Time) *lockView {
	if l == nil {
		return nil
	}
	return &lockView{
		Identity: l.Identity,
		Acquired: l.Acquired.Format(time.RFC3339),
		Age:      humanize.RelTime(l.Acquired, now, "ago", "from now"),
	}
}

func printInfo(w io.Writer, view infoView) {
	fmt.Fprintf(w, "%s %s\n", cyan("archive "), view.Archive)
	fmt.Fprintf(w, "%s %s\n", cyan("identity"), view.Identity)
	for _, v := range view.Vaults {
		fmt.Fprintf(w, "\n%s (%s)\n", green(v.Title), v.Adapter)
		for _, k := range slices.Sorted(maps.Keys(v.Settings)) {
			fmt.Fprintf(w, "  %-12s %s\n", k, gray(v.Settings[k]))
		}
		fmt.Fprintf(w, "  %-12s %d (%d files, %d dirs, %d symlinks)\n", "objects", v.Objects, v.Files, v.Directories, v.Symlinks)
		fmt.Fprintf(w, "  %-12s %s in %d blobs\n", "size", v.Size, v.Blobs)
		fmt.Fprintf(w, "  %-12s %d objects\n", "base", v.Base)
		if v.Lock != nil {
			fmt.Fprintf(w, "  %-12s %s %s\n", "locked by", red(v.Lock.Identity), v.Lock.Age)
		}
	}
}
