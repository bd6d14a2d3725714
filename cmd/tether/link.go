package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/ui"
)

var linkCmd = &cobra.Command{
	Use:   "link <remote-id> <local-path>",
	Short: "Tie a local path to a remote document",
	Long: `Link a local file path to a remote document for synchronization.

If the local file already exists, its current content is treated as
in-sync; the next pass reconciles any divergence. If it does not exist,
the remote content is downloaded on the next sync.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		ws, err := loadWorkspace(ctx, false, nil)
		if err != nil {
			return err
		}
		defer ws.close()

		f, err := ws.eng.Link(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s Linked %s to %s\n", ui.RenderPass("✓"), f.LocalPath, f.RemoteID)
		if f.Fingerprint == "" {
			fmt.Printf("   Local file absent; 'tether sync' will download it\n")
		}
		return nil
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink <remote-id|local-path>",
	Short: "Stop tracking a file",
	Long: `Stop tracking a file without touching its content on either side.

The local file and the remote document both stay where they are; tether
simply forgets the pairing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		ws, err := loadWorkspace(ctx, false, nil)
		if err != nil {
			return err
		}
		defer ws.close()

		if err := ws.eng.Unlink(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Unlinked %s\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
}
