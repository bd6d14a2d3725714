package engine

import (
	"context"
	"fmt"

	"github.com/tethersync/tether/internal/remote"
	"github.com/tethersync/tether/internal/state"
	"github.com/tethersync/tether/internal/watcher"
)

// workItem is one file's worth of work for a pass.
type workItem struct {
	// tracked is the state entry, nil for files seen for the first time.
	tracked *state.TrackedFile

	// change is the remote change record that named this file, if any.
	change *remote.Change

	// newLocal is the root-relative path of an untracked local file.
	newLocal string

	// statRemote forces a remote metadata check during classification,
	// used when no change record vouches for the remote side.
	statRemote bool
}

func (it workItem) path() string {
	if it.tracked != nil {
		return it.tracked.LocalPath
	}
	return it.newLocal
}

func (it workItem) remoteID() string {
	switch {
	case it.tracked != nil:
		return it.tracked.RemoteID
	case it.change != nil:
		return it.change.ID
	default:
		return ""
	}
}

// collectWork builds the pass's work set from both change sources, plus a
// full sweep of tracked files and untracked local files when fullScan is set.
func (e *Engine) collectWork(ctx context.Context, changes []remote.Change, localEvents map[string]watcher.Op, fullScan bool) ([]workItem, error) {
	var items []workItem
	seenID := make(map[string]bool)
	seenPath := make(map[string]bool)

	for i := range changes {
		c := &changes[i]
		tracked, err := e.state.GetByID(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if tracked == nil {
			if !c.Removed {
				items = append(items, workItem{change: c})
				seenID[c.ID] = true
			}
			continue
		}
		items = append(items, workItem{tracked: tracked, change: c})
		seenID[c.ID] = true
		seenPath[tracked.LocalPath] = true
	}

	for path := range localEvents {
		if seenPath[path] {
			continue
		}
		tracked, err := e.state.GetByPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if tracked == nil {
			if localEvents[path] != watcher.OpDelete {
				items = append(items, workItem{newLocal: path})
				seenPath[path] = true
			}
			continue
		}
		if seenID[tracked.RemoteID] {
			continue
		}
		items = append(items, workItem{tracked: tracked, statRemote: true})
		seenID[tracked.RemoteID] = true
		seenPath[path] = true
	}

	if fullScan {
		all, err := e.state.All(ctx)
		if err != nil {
			return nil, err
		}
		known := make(map[string]bool, len(all))
		for _, f := range all {
			known[f.LocalPath] = true
			if seenID[f.RemoteID] {
				continue
			}
			items = append(items, workItem{tracked: f, statRemote: true})
			seenID[f.RemoteID] = true
		}
		for p := range seenPath {
			known[p] = true
		}

		untracked, err := e.scanUntracked(ctx, known)
		if err != nil {
			return nil, err
		}
		for _, rel := range untracked {
			items = append(items, workItem{newLocal: rel})
		}
	}

	return items, nil
}

// processItem classifies one work item and performs its corrective action.
// The caller holds a read-pool slot; write actions additionally acquire a
// slot from wsem.
func (e *Engine) processItem(ctx context.Context, it workItem, opts SyncOptions, wsem chan struct{}) FileResult {
	switch {
	case it.newLocal != "":
		return e.processLocalNew(ctx, it.newLocal, opts, wsem)
	case it.tracked == nil:
		return e.processRemoteNew(ctx, it.change, opts)
	default:
		return e.processTracked(ctx, it, opts, wsem)
	}
}

// processTracked implements the classification table for a tracked file.
func (e *Engine) processTracked(ctx context.Context, it workItem, opts SyncOptions, wsem chan struct{}) FileResult {
	f := it.tracked
	res := FileResult{LocalPath: f.LocalPath, RemoteID: f.RemoteID, Action: ActionNone}

	if f.Orphaned {
		res.Classification = ClassOrphaned
		return res
	}
	if f.Pending() {
		// Awaiting first upload; retry the create.
		return e.uploadPending(ctx, f, opts, wsem)
	}

	abs := e.absPath(f.LocalPath)
	localData, localExists, err := readFileIfExists(abs)
	if err != nil {
		res.Err = fmt.Errorf("failed to read local file: %w", err)
		return res
	}

	var localFP string
	if localExists {
		localFP = fingerprint(localData)
	}
	pendingDownload := !localExists && f.Fingerprint == ""
	localDeleted := !localExists && f.Fingerprint != ""
	localChanged := localExists && localFP != f.Fingerprint

	// Remote status comes from the change record when one named this
	// file; otherwise a stat is needed whenever the decision could turn
	// on the remote side.
	remoteRev := f.Revision
	remoteRemoved := false
	var obj *remote.Object
	switch {
	case it.change != nil:
		remoteRemoved = it.change.Removed
		remoteRev = it.change.Revision
		obj = it.change.Object
	case it.statRemote || localChanged || localDeleted || pendingDownload ||
		opts.DryRun || opts.Force || opts.Direction != DirectionAuto:
		o, serr := e.remote.Stat(ctx, f.RemoteID)
		if serr != nil {
			if remote.IsPermanent(serr) {
				return e.markOrphaned(ctx, f, opts, serr)
			}
			res.Err = fmt.Errorf("failed to stat remote object: %w", serr)
			return res
		}
		obj = o
		remoteRemoved = o.Trashed
		remoteRev = o.Revision
	}
	remoteChanged := remoteRemoved || remoteRev != f.Revision

	switch opts.Direction {
	case DirectionPush:
		return e.pushOne(ctx, f, localExists, remoteRemoved, remoteChanged, opts, wsem)
	case DirectionPull:
		return e.pullOne(ctx, f, localChanged, localExists, remoteRemoved, opts, wsem)
	}

	switch {
	case localDeleted && remoteRemoved:
		res.Classification = ClassBothDeleted
		res.Action = ActionUntrack
		return e.finishUntrack(ctx, f, opts, res)

	case localDeleted && remoteChanged:
		// Remote edited what we deleted locally. Edits win over
		// deletions: restore the remote content.
		res.Classification = ClassRemoteOnly
		return e.doDownload(ctx, f, localData, opts, res)

	case localDeleted:
		res.Classification = ClassLocalDeleted
		return e.doTrashRemote(ctx, f, opts, wsem, res)

	case remoteRemoved && localChanged:
		// Local edited what the remote deleted. Edits win: recreate the
		// object remotely rather than discarding the edit.
		res.Classification = ClassLocalOnly
		return e.doUpload(ctx, f, nil, opts, wsem, res, true)

	case remoteRemoved:
		res.Classification = ClassRemoteDeleted
		return e.doHoldLocal(ctx, f, opts, res)

	case pendingDownload:
		res.Classification = ClassRemoteOnly
		return e.doDownload(ctx, f, nil, opts, res)

	case !localChanged && !remoteChanged:
		res.Classification = ClassUnchanged
		return res

	case localChanged && !remoteChanged:
		res.Classification = ClassLocalOnly
		return e.doUpload(ctx, f, obj, opts, wsem, res, false)

	case !localChanged: // remote changed
		res.Classification = ClassRemoteOnly
		return e.doDownload(ctx, f, localData, opts, res)
	}

	// Both sides changed. Fetch the remote content to distinguish a
	// convergent edit from a true conflict.
	remoteData, dObj, err := e.remote.Download(ctx, f.RemoteID)
	if err != nil {
		if remote.IsPermanent(err) {
			return e.markOrphaned(ctx, f, opts, err)
		}
		res.Err = fmt.Errorf("failed to download remote content: %w", err)
		return res
	}
	localForm, err := e.transform.ToLocal(remoteData, f.MimeClass)
	if err != nil {
		res.Err = fmt.Errorf("failed to convert remote content: %w", err)
		return res
	}

	if fingerprint(localForm) == localFP {
		res.Classification = ClassConvergent
		res.Action = ActionMarkSynced
		return e.doMarkSynced(ctx, f, localFP, dObj.Revision, opts, res)
	}

	res.Classification = ClassConflict
	return e.doConflictFork(ctx, f, localData, localForm, dObj, opts, res)
}

// pushOne forces the upload direction for a single-file sync.
func (e *Engine) pushOne(ctx context.Context, f *state.TrackedFile, localExists, remoteRemoved, remoteChanged bool, opts SyncOptions, wsem chan struct{}) FileResult {
	res := FileResult{LocalPath: f.LocalPath, RemoteID: f.RemoteID, Action: ActionUpload}

	if !localExists {
		res.Action = ActionNone
		res.Err = fmt.Errorf("local file %s does not exist", f.LocalPath)
		return res
	}
	if remoteChanged && !opts.Force {
		res.Classification = ClassConflict
		res.Action = ActionNone
		res.Err = fmt.Errorf("remote object changed since last sync; use force to overwrite")
		return res
	}
	res.Classification = ClassLocalOnly
	return e.doUpload(ctx, f, nil, opts, wsem, res, remoteRemoved)
}

// pullOne forces the download direction for a single-file sync. A dirty
// local copy is forked first unless force is set.
func (e *Engine) pullOne(ctx context.Context, f *state.TrackedFile, localChanged, localExists, remoteRemoved bool, opts SyncOptions, wsem chan struct{}) FileResult {
	res := FileResult{LocalPath: f.LocalPath, RemoteID: f.RemoteID, Action: ActionDownload}

	if remoteRemoved {
		res.Action = ActionNone
		res.Err = fmt.Errorf("remote object is trashed; nothing to pull")
		return res
	}

	if localChanged && !opts.Force {
		remoteData, obj, err := e.remote.Download(ctx, f.RemoteID)
		if err != nil {
			res.Err = fmt.Errorf("failed to download remote content: %w", err)
			return res
		}
		localForm, err := e.transform.ToLocal(remoteData, f.MimeClass)
		if err != nil {
			res.Err = fmt.Errorf("failed to convert remote content: %w", err)
			return res
		}
		localData, _, err := readFileIfExists(e.absPath(f.LocalPath))
		if err != nil {
			res.Err = err
			return res
		}
		if fingerprint(localForm) == fingerprint(localData) {
			res.Classification = ClassConvergent
			res.Action = ActionMarkSynced
			return e.doMarkSynced(ctx, f, fingerprint(localData), obj.Revision, opts, res)
		}
		res.Classification = ClassConflict
		return e.doConflictFork(ctx, f, localData, localForm, obj, opts, res)
	}

	var localData []byte
	if localExists {
		localData, _, _ = readFileIfExists(e.absPath(f.LocalPath))
	}
	res.Classification = ClassRemoteOnly
	return e.doDownload(ctx, f, localData, opts, res)
}

// markOrphaned records that the remote object is permanently gone and
// surfaces the failure instead of retrying forever.
func (e *Engine) markOrphaned(ctx context.Context, f *state.TrackedFile, opts SyncOptions, cause error) FileResult {
	res := FileResult{
		LocalPath:      f.LocalPath,
		RemoteID:       f.RemoteID,
		Classification: ClassOrphaned,
		Action:         ActionNone,
		Err:            fmt.Errorf("remote object permanently unavailable: %w", cause),
	}
	if opts.DryRun {
		return res
	}
	f.Orphaned = true
	if err := e.state.Upsert(ctx, f); err != nil {
		e.logger.Printf("Warning: failed to mark %s orphaned: %v", f.LocalPath, err)
	}
	return res
}
