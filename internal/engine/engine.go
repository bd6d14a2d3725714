// Package engine implements the sync orchestrator: the single component with
// write access to both local and remote content.
//
// Each reconciliation pass consumes change records from the remote poller
// and the local watcher, consults the state store, classifies every affected
// file (new / updated / deleted / conflicted / echo), and issues exactly one
// corrective action per file: download, upload, trash-mirror, or
// conflict-fork. Passes never run concurrently; within a pass, per-file I/O
// runs on bounded worker pools sized separately for reads and writes.
//
// Nothing here is ever immediately destructive: remote deletions move local
// files into a recoverable holding area, local deletions use the remote's
// own trash, and conflicts fork instead of overwriting.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tethersync/tether/internal/remote"
	"github.com/tethersync/tether/internal/state"
	"github.com/tethersync/tether/internal/transform"
	"github.com/tethersync/tether/internal/watcher"
)

// Direction constrains a single-file sync.
type Direction string

const (
	// DirectionAuto lets the classification decide.
	DirectionAuto Direction = "auto"
	// DirectionPush uploads local content to the remote.
	DirectionPush Direction = "push"
	// DirectionPull downloads remote content to the local file.
	DirectionPull Direction = "pull"
)

// SyncOptions controls one reconciliation request.
type SyncOptions struct {
	// DryRun computes classifications and diffs without mutating the
	// state store or transferring anything.
	DryRun bool

	// Force overrides the conflict guard: a forced push overwrites remote
	// changes, a forced pull overwrites local changes without forking.
	Force bool

	// Direction applies to SyncOne only.
	Direction Direction
}

// Config wires an Engine together.
type Config struct {
	// Root is the absolute path of the local sync root.
	Root string

	// State is the durable tracked-file store.
	State *state.Store

	// Remote is the remote object protocol implementation.
	Remote remote.Store

	// Watcher is the local change source. Optional: required only for
	// Watch; suppression degrades to fingerprint echo checks without it.
	Watcher *watcher.Watcher

	// Transform converts content between remote and local forms.
	// Defaults to transform.Text.
	Transform transform.Transformer

	// Logger for engine activity. Defaults to stderr.
	Logger *log.Logger

	// DownloadWorkers bounds concurrent remote reads per pass.
	DownloadWorkers int

	// UploadWorkers bounds concurrent remote writes per pass.
	UploadWorkers int

	// PollInterval is the remote poll cadence in Watch mode.
	PollInterval time.Duration
}

// Engine is the sync orchestrator. Create with New.
type Engine struct {
	root            string
	state           *state.Store
	remote          remote.Store
	poller          *remote.Poller
	watch           *watcher.Watcher
	transform       transform.Transformer
	logger          *log.Logger
	downloadWorkers int
	uploadWorkers   int
	pollInterval    time.Duration

	// reconcileMu guarantees at most one corrective-action pass at a time.
	reconcileMu chan struct{}

	pendingMu    chan struct{}
	pendingLocal map[string]watcher.Op
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("engine: sync root cannot be empty")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("engine: state store cannot be nil")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("engine: remote store cannot be nil")
	}
	if cfg.Transform == nil {
		cfg.Transform = transform.Text{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = 8
	}
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}

	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to resolve sync root: %w", err)
	}

	e := &Engine{
		root:            abs,
		state:           cfg.State,
		remote:          cfg.Remote,
		poller:          remote.NewPoller(cfg.Remote, cfg.State, cfg.Logger),
		watch:           cfg.Watcher,
		transform:       cfg.Transform,
		logger:          cfg.Logger,
		downloadWorkers: cfg.DownloadWorkers,
		uploadWorkers:   cfg.UploadWorkers,
		pollInterval:    cfg.PollInterval,
		reconcileMu:     make(chan struct{}, 1),
		pendingMu:       make(chan struct{}, 1),
		pendingLocal:    make(map[string]watcher.Op),
	}
	return e, nil
}

// lock acquires a channel-based mutex honoring ctx cancellation.
func lock(ctx context.Context, mu chan struct{}) error {
	select {
	case mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unlock(mu chan struct{}) { <-mu }

// Link ties a local path to a remote object for future synchronization.
//
// The remote's current revision is recorded; if the local file exists its
// current fingerprint is recorded too, meaning the pair is treated as
// in-sync right now. If the local file is absent, the entry is a pending
// download resolved by the next pass.
func (e *Engine) Link(ctx context.Context, remoteID, localPath string) (*state.TrackedFile, error) {
	rel, err := e.relPath(localPath)
	if err != nil {
		return nil, err
	}

	obj, err := e.remote.Stat(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to stat remote object %s: %w", remoteID, err)
	}

	if existing, err := e.state.GetByPath(ctx, rel); err != nil {
		return nil, err
	} else if existing != nil && existing.RemoteID != remoteID {
		return nil, fmt.Errorf("%s is already linked to %s", rel, existing.RemoteID)
	}

	class := transform.ClassBinary
	if obj.Native {
		class = transform.ClassDocument
	}

	f := &state.TrackedFile{
		RemoteID:   remoteID,
		LocalPath:  rel,
		Revision:   obj.Revision,
		MimeClass:  class,
		RemoteMIME: obj.MIMEType,
		LastSyncAt: time.Now().UTC(),
	}

	if data, exists, err := readFileIfExists(e.absPath(rel)); err != nil {
		return nil, err
	} else if exists {
		f.Fingerprint = fingerprint(data)
	}

	if err := e.state.Upsert(ctx, f); err != nil {
		return nil, err
	}
	e.logger.Printf("Linked %s to %s (revision %s)", rel, remoteID, obj.Revision)
	return f, nil
}

// Unlink stops tracking a file without touching its content on either side.
func (e *Engine) Unlink(ctx context.Context, key string) error {
	f, err := e.lookup(ctx, key)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("no tracked file for %q", key)
	}
	return e.state.Delete(ctx, f.RemoteID)
}

// SyncOne reconciles a single tracked file, identified by remote ID or
// root-relative local path.
func (e *Engine) SyncOne(ctx context.Context, key string, opts SyncOptions) (*FileResult, error) {
	if err := lock(ctx, e.reconcileMu); err != nil {
		return nil, err
	}
	defer unlock(e.reconcileMu)

	f, err := e.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("no tracked file for %q", key)
	}
	if opts.Direction == "" {
		opts.Direction = DirectionAuto
	}

	item := workItem{tracked: f, statRemote: true}
	res := e.processItem(ctx, item, opts, make(chan struct{}, 1))
	return &res, nil
}

// SyncAll reconciles every tracked file plus any new objects reported by
// either change source, performing a full local scan for untracked files.
func (e *Engine) SyncAll(ctx context.Context, opts SyncOptions) (*Report, error) {
	if err := lock(ctx, e.reconcileMu); err != nil {
		return nil, err
	}
	defer unlock(e.reconcileMu)

	opts.Direction = DirectionAuto
	return e.runPass(ctx, opts, true)
}

// reconcile runs one cycle-triggered pass (timer poll or debounced local
// burst). Unlike SyncAll it skips the full local scan and touches only the
// files named by change records.
func (e *Engine) reconcile(ctx context.Context) (*Report, error) {
	if err := lock(ctx, e.reconcileMu); err != nil {
		return nil, err
	}
	defer unlock(e.reconcileMu)

	return e.runPass(ctx, SyncOptions{Direction: DirectionAuto}, false)
}

// Watch runs the cooperative sync loop: a timer fires remote polls, the
// local watcher flushes debounced bursts, and each trigger runs at most one
// reconciliation pass. Blocks until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	if e.watch == nil {
		return fmt.Errorf("engine: watch mode requires a local watcher")
	}

	if err := e.poller.Bootstrap(ctx, true); err != nil {
		return err
	}
	if err := e.watch.Start(); err != nil {
		return err
	}
	defer func() {
		if err := e.watch.Stop(); err != nil {
			e.logger.Printf("Error stopping watcher: %v", err)
		}
	}()

	e.logger.Printf("Watching %s (poll interval %v)", e.root, e.pollInterval)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("Shutdown signal received")
			return nil

		case batch, ok := <-e.watch.Batches():
			if !ok {
				return nil
			}
			e.enqueueLocal(batch)
			e.runTriggered(ctx)

		case <-ticker.C:
			e.runTriggered(ctx)

		case err, ok := <-e.watch.Errors():
			if !ok {
				return nil
			}
			e.logger.Printf("Watcher error: %v", err)
		}
	}
}

// runTriggered runs a reconcile pass and logs instead of failing; the watch
// loop must survive any single bad cycle.
func (e *Engine) runTriggered(ctx context.Context) {
	report, err := e.reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Printf("Reconcile pass failed: %v", err)
		}
		return
	}
	if len(report.Results) > 0 {
		e.logger.Printf("Pass complete (%s)", report.Summary())
		for _, f := range report.Failures() {
			e.logger.Printf("  failed %s: %v", f.LocalPath, f.Err)
		}
	}
}

// enqueueLocal merges a debounced watcher batch into the pending local set
// consumed by the next pass.
func (e *Engine) enqueueLocal(batch []watcher.Event) {
	e.pendingMu <- struct{}{}
	defer unlock(e.pendingMu)
	for _, ev := range batch {
		e.pendingLocal[ev.Path] = ev.Op
	}
}

// drainLocal removes and returns the pending local events.
func (e *Engine) drainLocal() map[string]watcher.Op {
	e.pendingMu <- struct{}{}
	defer unlock(e.pendingMu)
	out := e.pendingLocal
	e.pendingLocal = make(map[string]watcher.Op)
	return out
}

// requeueLocal puts drained events back, used when a dry-run pass must not
// consume them.
func (e *Engine) requeueLocal(events map[string]watcher.Op) {
	e.pendingMu <- struct{}{}
	defer unlock(e.pendingMu)
	for path, op := range events {
		if _, exists := e.pendingLocal[path]; !exists {
			e.pendingLocal[path] = op
		}
	}
}

// runPass executes one reconciliation pass. Caller holds reconcileMu.
func (e *Engine) runPass(ctx context.Context, opts SyncOptions, fullScan bool) (*Report, error) {
	started := time.Now()

	// A dry run on a fresh workspace keeps the start cursor in memory;
	// the first applying pass persists it.
	if err := e.poller.Bootstrap(ctx, !opts.DryRun); err != nil {
		return nil, err
	}

	changes, nextCursor, err := e.poller.Poll(ctx)
	if err != nil {
		// Terminal for this cycle only; local-only reconciliation can
		// still proceed.
		e.logger.Printf("Remote poll failed, continuing with local changes: %v", err)
		changes, nextCursor = nil, ""
	}

	localEvents := e.drainLocal()
	if opts.DryRun {
		defer e.requeueLocal(localEvents)
	}

	items, err := e.collectWork(ctx, changes, localEvents, fullScan)
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, len(items))
	wsem := make(chan struct{}, e.uploadWorkers)
	sem := make(chan struct{}, e.downloadWorkers)

	g, gctx := errgroup.WithContext(ctx)
	for i := range items {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				results[i] = FileResult{
					LocalPath: items[i].path(),
					RemoteID:  items[i].remoteID(),
					Err:       gctx.Err(),
				}
				return nil
			}
			results[i] = e.processItem(gctx, items[i], opts, wsem)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The cursor commits only after the pass that consumed its changes.
	// A cancelled or dry-run pass leaves it untouched so the next poll
	// replays; replay is idempotent.
	if !opts.DryRun && nextCursor != "" && ctx.Err() == nil {
		if err := e.poller.CommitCursor(ctx, nextCursor); err != nil {
			e.logger.Printf("Warning: failed to persist poll cursor: %v", err)
		}
	}

	return &Report{
		Results:   results,
		DryRun:    opts.DryRun,
		Duration:  time.Since(started),
		StartedAt: started,
	}, nil
}

// lookup resolves a key that may be a remote ID or a local path.
func (e *Engine) lookup(ctx context.Context, key string) (*state.TrackedFile, error) {
	f, err := e.state.GetByID(ctx, key)
	if err != nil || f != nil {
		return f, err
	}
	rel, err := e.relPath(key)
	if err != nil {
		return nil, err
	}
	return e.state.GetByPath(ctx, rel)
}

// relPath normalizes a possibly absolute local path to a root-relative
// slash path, rejecting paths outside the sync root.
func (e *Engine) relPath(localPath string) (string, error) {
	p := localPath
	if !filepath.IsAbs(p) {
		// Anchor relative inputs at the root so "../escape" resolves and
		// gets rejected like any other outside path.
		p = filepath.Join(e.root, p)
	}
	rel, err := filepath.Rel(e.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the sync root %s", localPath, e.root)
	}
	return filepath.ToSlash(rel), nil
}

// absPath converts a root-relative slash path to an absolute one.
func (e *Engine) absPath(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

// scanUntracked walks the sync root for files with no state entry,
// skipping transient and ignored paths.
func (e *Engine) scanUntracked(ctx context.Context, known map[string]bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != e.root && (name == watcher.MetaDirName || watcher.IsTransientName(name)) {
				return filepath.SkipDir
			}
			return nil
		}
		if watcher.IsTransientName(name) {
			return nil
		}
		rel, rerr := filepath.Rel(e.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !known[rel] {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync root: %w", err)
	}
	return out, nil
}
