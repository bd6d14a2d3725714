package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/engine"
	"github.com/tethersync/tether/internal/ui"
)

var (
	flagApply bool
	flagForce bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [remote-id|local-path]",
	Short: "Reconcile tracked files with the remote store",
	Long: `Reconcile every tracked file, or just one, against the remote store.

Without --apply this is a dry run: tether classifies each file, prints the
planned actions and content diffs, and changes nothing. Run again with
--apply to perform the plan.

Classification is fingerprint-based: only real content change counts, so
touching a file or an echo of tether's own write never triggers a transfer.
Conflicting edits fork the local copy to a timestamped sibling and take the
remote content as canonical; nothing is overwritten silently.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(args, engine.DirectionAuto)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <remote-id|local-path>",
	Short: "Upload one file's local content to the remote",
	Long: `Force the upload direction for a single tracked file.

Refuses to overwrite a remote document that changed since the last sync
unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(args, engine.DirectionPush)
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <remote-id|local-path>",
	Short: "Download one file's remote content locally",
	Long: `Force the download direction for a single tracked file.

A locally modified copy is forked to a conflict sibling first unless
--force is given, in which case it is overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(args, engine.DirectionPull)
	},
}

func runSync(args []string, dir engine.Direction) error {
	ctx, cancel := signalContext()
	defer cancel()

	ws, err := loadWorkspace(ctx, false, nil)
	if err != nil {
		return err
	}
	defer ws.close()

	opts := engine.SyncOptions{
		DryRun:    !flagApply,
		Force:     flagForce,
		Direction: dir,
	}

	if len(args) == 1 {
		res, err := ws.eng.SyncOne(ctx, args[0], opts)
		if err != nil {
			return err
		}
		printResult(res, opts.DryRun)
		if res.Failed() {
			return fmt.Errorf("sync failed for %s", args[0])
		}
		return nil
	}

	report, err := ws.eng.SyncAll(ctx, opts)
	if err != nil {
		return err
	}
	printReport(report)
	if len(report.Failures()) > 0 {
		return fmt.Errorf("%d file(s) failed", len(report.Failures()))
	}
	return nil
}

// printResult renders one file's outcome.
func printResult(res *engine.FileResult, dryRun bool) {
	name := res.LocalPath
	if name == "" {
		name = res.RemoteID
	}

	switch {
	case res.Failed():
		fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), name, res.Err)
	case res.Classification == engine.ClassConflict:
		fmt.Printf("%s %s: conflict", ui.RenderWarn("⚠"), name)
		if res.BackupPath != "" {
			fmt.Printf(" (local copy kept at %s)", res.BackupPath)
		}
		fmt.Println()
	case res.Action == engine.ActionNone:
		fmt.Printf("%s %s: %s\n", ui.RenderDim("·"), name, res.Classification)
	case dryRun:
		fmt.Printf("%s %s: would %s (%s)\n", ui.RenderAccent("→"), name, res.Action, res.Classification)
	default:
		fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), name, res.Action)
	}

	if res.Diff != "" {
		fmt.Println(ui.RenderDim(res.Diff))
	}
}

// printReport renders a full pass report.
func printReport(report *engine.Report) {
	for i := range report.Results {
		res := &report.Results[i]
		if res.Classification == engine.ClassUnchanged && !res.Failed() {
			continue
		}
		printResult(res, report.DryRun)
	}
	fmt.Printf("\n%s %s\n", ui.RenderAccent("Σ"), report.Summary())
	if report.DryRun {
		fmt.Printf("%s\n", ui.RenderDim("dry run; re-run with --apply to perform these actions"))
	}
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, pushCmd, pullCmd} {
		c.Flags().BoolVar(&flagApply, "apply", false, "perform the planned actions (default is dry run)")
		c.Flags().BoolVar(&flagForce, "force", false, "override the conflict guard")
		rootCmd.AddCommand(c)
	}
}
