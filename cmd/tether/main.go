// Command tether keeps a local workspace synchronized with a remote
// document store, bidirectionally and without destructive surprises.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/engine"
	"github.com/tethersync/tether/internal/remote/drive"
	"github.com/tethersync/tether/internal/state"
	"github.com/tethersync/tether/internal/transform"
	"github.com/tethersync/tether/internal/watcher"
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Bidirectional sync between a local workspace and a remote document store",
	Long: `tether links local files to remote documents and keeps both sides
converged. Edits flow in both directions; conflicts fork instead of
overwriting, deletions are held in a recoverable trash, and every mutating
command previews its plan before anything is applied.

A workspace is any directory initialized with 'tether init'; state lives
under .tether/ at the workspace root.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// workspace bundles everything a command needs once the config is resolved.
type workspace struct {
	cfg   *config.Config
	store *state.Store
	eng   *engine.Engine
	watch *watcher.Watcher
}

// loadWorkspace locates the workspace root from the current directory and
// wires the state store, remote client, and engine. withWatcher also builds
// the local filesystem watcher (watch mode only). logger may be nil for the
// engine default.
func loadWorkspace(ctx context.Context, withWatcher bool, logger *log.Logger) (*workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root := config.FindRoot(cwd)
	if root == "" {
		return nil, fmt.Errorf("not inside a tether workspace (run 'tether init' first)")
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, err
	}

	ts, err := drive.TokenSource(ctx, cfg.CredentialsFile, cfg.TokenFile)
	if err != nil {
		store.Close()
		return nil, err
	}
	remoteStore, err := drive.New(ctx, ts, drive.Config{
		ExportMIME: cfg.ExportMIME,
		Parent:     cfg.RemoteParent,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	ws := &workspace{cfg: cfg, store: store}

	if withWatcher {
		w, err := watcher.New(root, watcher.Config{
			Debounce:       cfg.Debounce,
			IgnorePatterns: cfg.IgnorePatterns,
			Logger:         logger,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		ws.watch = w
	}

	eng, err := engine.New(engine.Config{
		Root:            root,
		State:           store,
		Remote:          remoteStore,
		Watcher:         ws.watch,
		Transform:       transform.Text{},
		Logger:          logger,
		DownloadWorkers: cfg.DownloadWorkers,
		UploadWorkers:   cfg.UploadWorkers,
		PollInterval:    cfg.PollInterval,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	ws.eng = eng
	return ws, nil
}

func (ws *workspace) close() {
	if err := ws.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close state store: %v\n", err)
	}
}
