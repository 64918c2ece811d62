package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/storeman/internal/config"
	"github.com/openmined/storeman/internal/storeman"
	"github.com/openmined/storeman/internal/utils"
	"github.com/openmined/storeman/internal/version"
	"github.com/spf13/cobra"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "storeman",
		Short:         "Mirror a local archive to one or more vaults",
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			setupLogger(cmd.ErrOrStderr(), verbose, nil)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file or archive directory (default: current directory)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	syncCmd := newSyncCmd()
	rootCmd.RunE = syncCmd.RunE
	rootCmd.Flags().AddFlagSet(syncCmd.Flags())

	rootCmd.AddCommand(
		syncCmd,
		newWatchCmd(),
		newInfoCmd(),
		newRestoreCmd(),
		newDumpCmd(),
		newInitCmd(),
		newUnlockCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

// setupLogger installs the default logger. Records go to w in colour when w
// is a terminal and, when set, to logFile as plain text at debug level.
func setupLogger(w io.Writer, verbose bool, logFile io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	handlers := []slog.Handler{tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})}
	if logFile != nil {
		handlers = append(handlers, slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, config.ErrNoConfig) {
		return nil, fmt.Errorf("%w (run 'storeman init' first)", err)
	}
	return cfg, err
}

// openStoreman loads the config, locks the workspace and adds the workspace
// log file to the logger. The returned func closes everything.
func openStoreman(cmd *cobra.Command) (*storeman.Storeman, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	s, err := storeman.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	closeLog := func() {}
	ws := s.Workspace()
	if err := utils.EnsureDir(ws.LogsDir); err == nil {
		if f, err := os.OpenFile(ws.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			verbose, _ := cmd.Flags().GetBool("verbose")
			setupLogger(cmd.ErrOrStderr(), verbose, f)
			closeLog = func() { f.Close() }
		}
	}

	cmd.SilenceUsage = true
	return s, func() {
		if err := s.Close(); err != nil {
			slog.Warn("close", "error", err)
		}
		closeLog()
	}, nil
}

func showHeader(w io.Writer) {
	fmt.Fprintln(w, cyan(version.ShortWithApp()))
}
