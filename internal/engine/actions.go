package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tethersync/tether/internal/remote"
	"github.com/tethersync/tether/internal/state"
	"github.com/tethersync/tether/internal/transform"
	"github.com/tethersync/tether/internal/watcher"
)

// doUpload pushes local content to the remote. recreate uploads as a new
// object (the previous one is trashed or gone) instead of updating in place.
func (e *Engine) doUpload(ctx context.Context, f *state.TrackedFile, obj *remote.Object, opts SyncOptions, wsem chan struct{}, res FileResult, recreate bool) FileResult {
	res.Action = ActionUpload

	// Echo check: re-read immediately before the transfer. If the content
	// already matches the stored fingerprint, the "change" was our own
	// write and the upload is redundant.
	data, exists, err := readFileIfExists(e.absPath(f.LocalPath))
	if err != nil {
		res.Err = err
		return res
	}
	if !exists {
		res.Action = ActionNone
		res.Err = fmt.Errorf("local file %s vanished before upload", f.LocalPath)
		return res
	}
	fp := fingerprint(data)
	if fp == f.Fingerprint {
		res.Classification = ClassUnchanged
		res.Action = ActionNone
		return res
	}

	remoteForm, err := e.transform.ToRemote(data, f.MimeClass)
	if err != nil {
		res.Err = fmt.Errorf("failed to convert content for upload: %w", err)
		return res
	}

	if opts.DryRun {
		if obj != nil && !recreate {
			if current, _, derr := e.remote.Download(ctx, f.RemoteID); derr == nil {
				res.Diff = previewDiff(current, remoteForm,
					fmt.Sprintf("remote (rev %s)", obj.Revision), "local (proposed)")
			}
		}
		return res
	}

	targetID := f.RemoteID
	if recreate {
		targetID = ""
	}

	if err := lock(ctx, wsem); err != nil {
		res.Err = err
		return res
	}
	newObj, err := e.remote.Upload(ctx, targetID, path.Base(f.LocalPath), f.RemoteMIME, remoteForm)
	unlock(wsem)
	if err != nil {
		if remote.IsPermanent(err) && !recreate {
			return e.markOrphaned(ctx, f, opts, err)
		}
		res.Err = fmt.Errorf("failed to upload %s: %w", f.LocalPath, err)
		return res
	}

	if newObj.ID != f.RemoteID {
		if err := e.state.Rekey(ctx, f.RemoteID, newObj.ID); err != nil {
			res.Err = err
			return res
		}
		f.RemoteID = newObj.ID
		res.RemoteID = newObj.ID
	}

	f.Fingerprint = fp
	f.Revision = newObj.Revision
	f.RemoteMIME = newObj.MIMEType
	f.Orphaned = false
	f.LastSyncAt = time.Now().UTC()
	if err := e.state.Upsert(ctx, f); err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	return res
}

// doDownload writes remote content to the local file, suppressing the
// watcher for the duration so the write never echoes back as a change.
func (e *Engine) doDownload(ctx context.Context, f *state.TrackedFile, localData []byte, opts SyncOptions, res FileResult) FileResult {
	res.Action = ActionDownload

	remoteData, obj, err := e.remote.Download(ctx, f.RemoteID)
	if err != nil {
		if remote.IsPermanent(err) {
			return e.markOrphaned(ctx, f, opts, err)
		}
		res.Err = fmt.Errorf("failed to download %s: %w", f.RemoteID, err)
		return res
	}

	localForm, err := e.transform.ToLocal(remoteData, f.MimeClass)
	if err != nil {
		res.Err = fmt.Errorf("failed to convert downloaded content: %w", err)
		return res
	}

	if opts.DryRun {
		res.Diff = previewDiff(localData, localForm,
			"local (current)", fmt.Sprintf("remote (rev %s)", obj.Revision))
		return res
	}

	release := e.suppress(f.LocalPath)
	defer release()

	if err := atomicWrite(e.absPath(f.LocalPath), localForm); err != nil {
		res.Err = fmt.Errorf("failed to write %s: %w", f.LocalPath, err)
		return res
	}

	f.Fingerprint = fingerprint(localForm)
	f.Revision = obj.Revision
	f.RemoteMIME = obj.MIMEType
	f.LastSyncAt = time.Now().UTC()
	if err := e.state.Upsert(ctx, f); err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	return res
}

// doConflictFork resolves a true conflict without losing either side: the
// local copy is renamed with a timestamped conflict suffix, then the remote
// content becomes the canonical local file.
func (e *Engine) doConflictFork(ctx context.Context, f *state.TrackedFile, localData, remoteLocalForm []byte, obj *remote.Object, opts SyncOptions, res FileResult) FileResult {
	res.Action = ActionConflictFork
	backupRel := conflictName(f.LocalPath, time.Now())
	res.BackupPath = backupRel

	if opts.DryRun {
		res.Diff = previewDiff(localData, remoteLocalForm,
			fmt.Sprintf("local (would move to %s)", backupRel),
			fmt.Sprintf("remote (rev %s)", obj.Revision))
		return res
	}

	releaseLocal := e.suppress(f.LocalPath)
	defer releaseLocal()
	releaseBackup := e.suppress(backupRel)
	defer releaseBackup()

	abs := e.absPath(f.LocalPath)
	if err := os.Rename(abs, e.absPath(backupRel)); err != nil {
		res.Err = fmt.Errorf("failed to preserve local copy: %w", err)
		return res
	}
	if err := atomicWrite(abs, remoteLocalForm); err != nil {
		// The local copy survives under the conflict name; the next
		// trigger retries the canonical write as a plain download.
		res.Err = fmt.Errorf("failed to write canonical content after fork: %w", err)
		return res
	}

	f.Fingerprint = fingerprint(remoteLocalForm)
	f.Revision = obj.Revision
	f.RemoteMIME = obj.MIMEType
	f.LastSyncAt = time.Now().UTC()
	if err := e.state.Upsert(ctx, f); err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	return res
}

// doHoldLocal propagates a remote deletion by moving the local file into the
// recoverable holding area, never hard-deleting it.
func (e *Engine) doHoldLocal(ctx context.Context, f *state.TrackedFile, opts SyncOptions, res FileResult) FileResult {
	res.Action = ActionHoldLocal
	if opts.DryRun {
		return res
	}

	release := e.suppress(f.LocalPath)
	defer release()

	holdRel := path.Join(watcher.MetaDirName, "trash",
		time.Now().UTC().Format("20060102T150405"), f.LocalPath)
	holdAbs := e.absPath(holdRel)
	if err := os.MkdirAll(filepath.Dir(holdAbs), 0755); err != nil {
		res.Err = fmt.Errorf("failed to create holding area: %w", err)
		return res
	}
	if err := os.Rename(e.absPath(f.LocalPath), holdAbs); err != nil && !os.IsNotExist(err) {
		res.Err = fmt.Errorf("failed to move %s to holding area: %w", f.LocalPath, err)
		return res
	}

	if err := e.state.Delete(ctx, f.RemoteID); err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	return res
}

// doTrashRemote propagates a local deletion by moving the remote object to
// the remote store's own trash.
func (e *Engine) doTrashRemote(ctx context.Context, f *state.TrackedFile, opts SyncOptions, wsem chan struct{}, res FileResult) FileResult {
	res.Action = ActionTrashRemote
	if opts.DryRun {
		return res
	}

	if err := lock(ctx, wsem); err != nil {
		res.Err = err
		return res
	}
	err := e.remote.Trash(ctx, f.RemoteID)
	unlock(wsem)
	if err != nil && !remote.IsPermanent(err) {
		res.Err = fmt.Errorf("failed to trash remote object %s: %w", f.RemoteID, err)
		return res
	}

	if err := e.state.Delete(ctx, f.RemoteID); err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	return res
}

// doMarkSynced records a convergent edit: both sides already hold the same
// content, so only the stored fingerprint and revision move forward.
func (e *Engine) doMarkSynced(ctx context.Context, f *state.TrackedFile, fp, revision string, opts SyncOptions, res FileResult) FileResult {
	if opts.DryRun {
		return res
	}
	f.Fingerprint = fp
	f.Revision = revision
	f.LastSyncAt = time.Now().UTC()
	if err := e.state.Upsert(ctx, f); err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	return res
}

// finishUntrack removes the state entry for a file gone from both sides.
func (e *Engine) finishUntrack(ctx context.Context, f *state.TrackedFile, opts SyncOptions, res FileResult) FileResult {
	if opts.DryRun {
		return res
	}
	if err := e.state.Delete(ctx, f.RemoteID); err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	return res
}

// processLocalNew queues an untracked local file for upload-and-create.
func (e *Engine) processLocalNew(ctx context.Context, rel string, opts SyncOptions, wsem chan struct{}) FileResult {
	f := &state.TrackedFile{
		RemoteID:   state.PendingIDPrefix + uuid.NewString(),
		LocalPath:  rel,
		MimeClass:  transform.ClassBinary,
		RemoteMIME: detectMIME(rel),
	}
	if !opts.DryRun {
		if err := e.state.Upsert(ctx, f); err != nil {
			return FileResult{LocalPath: rel, Classification: ClassLocalNew, Err: err}
		}
	}
	res := e.uploadPending(ctx, f, opts, wsem)
	res.Classification = ClassLocalNew
	return res
}

// uploadPending performs (or retries) the first upload of a file that has
// never existed remotely, replacing its placeholder ID on success.
func (e *Engine) uploadPending(ctx context.Context, f *state.TrackedFile, opts SyncOptions, wsem chan struct{}) FileResult {
	res := FileResult{LocalPath: f.LocalPath, RemoteID: f.RemoteID, Classification: ClassLocalNew, Action: ActionUpload}

	data, exists, err := readFileIfExists(e.absPath(f.LocalPath))
	if err != nil {
		res.Err = err
		return res
	}
	if !exists {
		// Deleted again before it ever reached the remote.
		res.Classification = ClassBothDeleted
		res.Action = ActionUntrack
		return e.finishUntrack(ctx, f, opts, res)
	}

	remoteForm, err := e.transform.ToRemote(data, f.MimeClass)
	if err != nil {
		res.Err = fmt.Errorf("failed to convert content for upload: %w", err)
		return res
	}

	if opts.DryRun {
		res.Diff = fmt.Sprintf("would create remote object %q (%d bytes)", path.Base(f.LocalPath), len(remoteForm))
		return res
	}

	if err := lock(ctx, wsem); err != nil {
		res.Err = err
		return res
	}
	obj, err := e.remote.Upload(ctx, "", path.Base(f.LocalPath), f.RemoteMIME, remoteForm)
	unlock(wsem)
	if err != nil {
		res.Err = fmt.Errorf("failed to create remote object for %s: %w", f.LocalPath, err)
		return res
	}

	if err := e.state.Rekey(ctx, f.RemoteID, obj.ID); err != nil {
		res.Err = err
		return res
	}
	f.RemoteID = obj.ID
	f.Fingerprint = fingerprint(data)
	f.Revision = obj.Revision
	f.RemoteMIME = obj.MIMEType
	f.LastSyncAt = time.Now().UTC()
	if err := e.state.Upsert(ctx, f); err != nil {
		res.Err = err
		return res
	}
	res.RemoteID = obj.ID
	res.Applied = true
	return res
}

// processRemoteNew downloads a remote object seen for the first time into a
// fresh local file.
func (e *Engine) processRemoteNew(ctx context.Context, c *remote.Change, opts SyncOptions) FileResult {
	res := FileResult{RemoteID: c.ID, Classification: ClassRemoteNew, Action: ActionDownload}

	obj := c.Object
	if obj == nil {
		o, err := e.remote.Stat(ctx, c.ID)
		if err != nil {
			res.Err = fmt.Errorf("failed to stat new remote object: %w", err)
			return res
		}
		obj = o
	}

	class := transform.ClassBinary
	if obj.Native {
		class = transform.ClassDocument
	}

	rel, err := e.placeRemoteNew(ctx, obj)
	if err != nil {
		res.Err = err
		return res
	}
	res.LocalPath = rel

	if opts.DryRun {
		res.Diff = fmt.Sprintf("would create %s from remote object %q", rel, obj.Name)
		return res
	}

	f := &state.TrackedFile{
		RemoteID:   obj.ID,
		LocalPath:  rel,
		MimeClass:  class,
		RemoteMIME: obj.MIMEType,
	}
	return e.doDownload(ctx, f, nil, opts, res)
}

// placeRemoteNew picks a root-relative path for a new remote object,
// disambiguating when the natural name is taken.
func (e *Engine) placeRemoteNew(ctx context.Context, obj *remote.Object) (string, error) {
	name := sanitizeName(obj.Name)
	if name == "" {
		name = obj.ID
	}
	if obj.Native && path.Ext(name) == "" {
		name += ".md"
	}

	if taken, err := e.pathTaken(ctx, name); err != nil {
		return "", err
	} else if !taken {
		return name, nil
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	short := obj.ID
	if len(short) > 8 {
		short = short[:8]
	}
	alt := fmt.Sprintf("%s (%s)%s", stem, short, ext)
	if taken, err := e.pathTaken(ctx, alt); err != nil {
		return "", err
	} else if taken {
		return "", fmt.Errorf("no free local path for remote object %q", obj.Name)
	}
	return alt, nil
}

// pathTaken reports whether a root-relative path is occupied on disk or in
// the state store.
func (e *Engine) pathTaken(ctx context.Context, rel string) (bool, error) {
	if tracked, err := e.state.GetByPath(ctx, rel); err != nil {
		return false, err
	} else if tracked != nil {
		return true, nil
	}
	_, err := os.Lstat(e.absPath(rel))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// suppress scopes out the engine's own write to rel; a no-op without a
// watcher.
func (e *Engine) suppress(rel string) func() {
	if e.watch == nil {
		return func() {}
	}
	return e.watch.Suppress(rel)
}

// fingerprint returns the content hash used to detect real change
// independent of mtime.
func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readFileIfExists reads a file, distinguishing absence from failure.
func readFileIfExists(abs string) ([]byte, bool, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", abs, err)
	}
	return data, true, nil
}

// atomicWrite writes data via a temp file and rename so readers never
// observe partial content. The temp name carries a transient suffix the
// watcher filters.
func atomicWrite(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tether-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// conflictName derives the timestamped backup name for the losing side of a
// conflict: "notes.md" becomes "notes (conflict 20260102T150405).md".
func conflictName(rel string, now time.Time) string {
	ext := path.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	return fmt.Sprintf("%s (conflict %s)%s", stem, now.UTC().Format("20060102T150405"), ext)
}

// sanitizeName strips path separators and control characters from a remote
// display name so it is safe as a local file name.
func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			sb.WriteRune('_')
		case r < 0x20:
			// drop control characters
		default:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}

// detectMIME guesses an upload content type from the file extension.
func detectMIME(rel string) string {
	if t := mime.TypeByExtension(path.Ext(rel)); t != "" {
		return t
	}
	return "application/octet-stream"
}
