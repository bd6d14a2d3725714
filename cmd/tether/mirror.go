package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/engine"
	"github.com/tethersync/tether/internal/ui"
)

var (
	flagTreeApply bool
	flagTrack     bool
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror <folder-id> [dest-dir]",
	Short: "Download a remote folder tree into the workspace",
	Long: `Recursively download a remote folder into the workspace, recreating
its structure locally. Native documents are exported to their text form.

Without --apply this is a dry run listing what would be downloaded. With
--track every downloaded file is linked for ongoing synchronization;
without it the mirror is a one-shot copy.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		ws, err := loadWorkspace(ctx, false, nil)
		if err != nil {
			return err
		}
		defer ws.close()

		dest := "."
		if len(args) == 2 {
			dest = args[1]
		}

		report, err := ws.eng.Mirror(ctx, args[0], dest, engine.TreeOptions{
			DryRun: !flagTreeApply,
			Track:  flagTrack,
		})
		if err != nil {
			return err
		}
		printTreeReport(report, "download")
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <dir> [parent-folder-id]",
	Short: "Upload a local directory tree to the remote store",
	Long: `Recursively upload a workspace directory to the remote store,
creating remote folders to mirror the local structure.

Without --apply this is a dry run listing what would be uploaded. With
--track every uploaded file is linked for ongoing synchronization.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		ws, err := loadWorkspace(ctx, false, nil)
		if err != nil {
			return err
		}
		defer ws.close()

		parent := ""
		if len(args) == 2 {
			parent = args[1]
		}

		report, err := ws.eng.UploadTree(ctx, args[0], parent, engine.TreeOptions{
			DryRun: !flagTreeApply,
			Track:  flagTrack,
		})
		if err != nil {
			return err
		}
		printTreeReport(report, "upload")
		return nil
	},
}

func printTreeReport(report *engine.TreeReport, verb string) {
	for _, en := range report.Entries {
		switch {
		case en.Err != nil:
			fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), en.LocalPath, en.Err)
		case report.DryRun:
			fmt.Printf("%s would %s %s (%d bytes)\n", ui.RenderAccent("→"), verb, en.LocalPath, en.Size)
		default:
			fmt.Printf("%s %s (%d bytes)\n", ui.RenderPass("✓"), en.LocalPath, en.Size)
		}
	}

	ok, failed := report.Counts()
	fmt.Printf("\n%s %d file(s), %d folder(s), %d failed\n",
		ui.RenderAccent("Σ"), ok, report.Folders, failed)
	if report.DryRun {
		fmt.Printf("%s\n", ui.RenderDim("dry run; re-run with --apply to transfer"))
	}
}

func init() {
	for _, c := range []*cobra.Command{mirrorCmd, uploadCmd} {
		c.Flags().BoolVar(&flagTreeApply, "apply", false, "perform the transfer (default is dry run)")
		c.Flags().BoolVar(&flagTrack, "track", false, "link transferred files for ongoing sync")
		rootCmd.AddCommand(c)
	}
}
