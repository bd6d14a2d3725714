package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/state"
	"github.com/tethersync/tether/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a tether workspace",
	Long: `Initialize a directory as a tether workspace.

This creates the .tether/ metadata directory with:
  1. A starter config file (.tether/config.yaml)
  2. The tracked-file database (.tether/state.db)

Place your OAuth client secrets at .tether/credentials.json and the saved
token at .tether/token.json (or point credentials_file / token_file in the
config elsewhere).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}

		cfg, err := config.Init(dir)
		if err != nil {
			return err
		}

		// Create the database up front so a bad disk fails here, not
		// mid-sync.
		store, err := state.Open(cfg.StatePath())
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close state store: %v\n", err)
		}

		fmt.Printf("%s Initialized tether workspace at %s\n", ui.RenderPass("✓"), cfg.Root)
		fmt.Printf("   Config: %s\n", cfg.MetaDir()+"/config.yaml")
		fmt.Printf("   State:  %s\n", cfg.StatePath())
		fmt.Printf("\nNext: put OAuth credentials at %s and run 'tether link'\n", cfg.CredentialsFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
