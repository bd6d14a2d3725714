package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/state"
	"github.com/tethersync/tether/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace status",
	Long: `Display the tracked files and workspace metadata.

Shows:
  - Workspace root and state database location
  - Every tracked pairing with its last sync time
  - Pending first uploads and orphaned entries`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

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

		// Status must work offline, so the remote client is never built.
		store, err := state.Open(cfg.StatePath())
		if err != nil {
			return err
		}
		defer store.Close()

		files, err := store.All(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Workspace %s\n\n", ui.RenderHeader("tether"), root)
		if len(files) == 0 {
			fmt.Printf("No tracked files. Use 'tether link' to start.\n\n")
			return nil
		}

		for _, f := range files {
			marker := ui.RenderPass("✓")
			note := ""
			switch {
			case f.Orphaned:
				marker = ui.RenderFail("✗")
				note = " (orphaned: remote gone)"
			case f.Pending():
				marker = ui.RenderWarn("⚠")
				note = " (awaiting first upload)"
			case f.Fingerprint == "":
				marker = ui.RenderWarn("⚠")
				note = " (awaiting first download)"
			}
			fmt.Printf("%s %s%s\n", marker, f.LocalPath, note)
			fmt.Printf("   %s\n", ui.RenderDim(fmt.Sprintf("remote %s, last sync %s",
				f.RemoteID, f.LastSyncAt.Format("2006-01-02 15:04:05"))))
		}

		cursor, err := store.Cursor(ctx)
		if err == nil && cursor != "" {
			fmt.Printf("\n%s\n", ui.RenderDim(fmt.Sprintf("poll cursor: %s", cursor)))
		}
		fmt.Printf("%s\n\n", ui.RenderDim(fmt.Sprintf("%d tracked file(s)", len(files))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
