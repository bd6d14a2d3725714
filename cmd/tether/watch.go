package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/ui"
)

var flagLogToFile bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the continuous sync loop in the foreground.

The daemon:
  1. Watches the workspace for local edits (debounced)
  2. Polls the remote change feed on the configured interval
  3. Runs one reconciliation pass per trigger, applying changes

Unlike 'tether sync', watch mode always applies; a daemon that only
previews would loop forever. Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		var logger *log.Logger
		if flagLogToFile {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			root := config.FindRoot(cwd)
			if root == "" {
				return fmt.Errorf("not inside a tether workspace (run 'tether init' first)")
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			rotated := &lumberjack.Logger{
				Filename:   cfg.LogPath(),
				MaxSize:    cfg.LogMaxSizeMB,
				MaxBackups: cfg.LogMaxBackups,
				MaxAge:     cfg.LogMaxAgeDays,
			}
			defer rotated.Close()
			logger = log.New(io.MultiWriter(os.Stderr, rotated), "[tether] ", log.LstdFlags)
		}

		ws, err := loadWorkspace(ctx, true, logger)
		if err != nil {
			return err
		}
		defer ws.close()

		fmt.Printf("%s Watching %s (poll every %v, debounce %v)\n",
			ui.RenderAccent("👁"), ws.cfg.Root, ws.cfg.PollInterval, ws.cfg.Debounce)
		fmt.Printf("Press Ctrl+C to stop\n\n")

		return ws.eng.Watch(ctx)
	},
}

func init() {
	watchCmd.Flags().BoolVar(&flagLogToFile, "log-file", false, "also log to .tether/tether.log with rotation")
	rootCmd.AddCommand(watchCmd)
}
