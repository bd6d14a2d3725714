package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/tethersync/tether/internal/remote"
	"github.com/tethersync/tether/internal/state"
	"github.com/tethersync/tether/internal/transform"
	"github.com/tethersync/tether/internal/watcher"
)

// TreeOptions controls the recursive folder operations.
type TreeOptions struct {
	// DryRun lists what would transfer without writing anything.
	DryRun bool

	// Track records every transferred file as a synced pair, so later
	// passes keep it reconciled. Without it the transfer is a one-shot
	// copy.
	Track bool
}

// TreeEntry is the outcome for one file in a tree operation.
type TreeEntry struct {
	// LocalPath is root-relative.
	LocalPath string
	RemoteID  string
	Size      int64
	Err       error
}

// TreeReport summarizes a Mirror or UploadTree run. Individual failures
// never abort the walk; they land here.
type TreeReport struct {
	Entries  []TreeEntry
	Folders  int
	DryRun   bool
	Duration time.Duration
}

// Counts tallies the report.
func (r *TreeReport) Counts() (ok, failed int) {
	for _, en := range r.Entries {
		if en.Err != nil {
			failed++
		} else {
			ok++
		}
	}
	return
}

// treeStore returns the remote as a TreeStore or explains why it can't.
func (e *Engine) treeStore() (remote.TreeStore, error) {
	ts, ok := e.remote.(remote.TreeStore)
	if !ok {
		return nil, fmt.Errorf("remote store does not support folder operations")
	}
	return ts, nil
}

// Mirror downloads a remote folder tree into destDir (root-relative),
// recreating the folder structure locally. Native documents are exported to
// their text form. Existing local files are overwritten; the walk continues
// past per-file failures.
func (e *Engine) Mirror(ctx context.Context, folderID, destDir string, opts TreeOptions) (*TreeReport, error) {
	ts, err := e.treeStore()
	if err != nil {
		return nil, err
	}
	destRel, err := e.relPath(destDir)
	if err != nil {
		return nil, err
	}
	if destRel == "." {
		destRel = ""
	}

	if err := lock(ctx, e.reconcileMu); err != nil {
		return nil, err
	}
	defer unlock(e.reconcileMu)

	started := time.Now()
	report := &TreeReport{DryRun: opts.DryRun}

	type frame struct {
		folderID string
		relDir   string
	}
	queue := []frame{{folderID: folderID, relDir: destRel}}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		fr := queue[0]
		queue = queue[1:]

		children, err := ts.List(ctx, fr.folderID)
		if err != nil {
			report.Entries = append(report.Entries, TreeEntry{
				LocalPath: fr.relDir,
				RemoteID:  fr.folderID,
				Err:       fmt.Errorf("failed to list folder: %w", err),
			})
			continue
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

		for i := range children {
			obj := &children[i]
			name := sanitizeName(obj.Name)
			if name == "" {
				name = obj.ID
			}

			if obj.Folder {
				report.Folders++
				queue = append(queue, frame{folderID: obj.ID, relDir: path.Join(fr.relDir, name)})
				continue
			}

			if obj.Native && path.Ext(name) == "" {
				name += ".md"
			}
			rel := path.Join(fr.relDir, name)
			report.Entries = append(report.Entries, e.mirrorFile(ctx, obj, rel, opts))
		}
	}

	report.Duration = time.Since(started)
	return report, nil
}

// mirrorFile downloads one object of a mirrored tree to rel.
func (e *Engine) mirrorFile(ctx context.Context, obj *remote.Object, rel string, opts TreeOptions) TreeEntry {
	entry := TreeEntry{LocalPath: rel, RemoteID: obj.ID, Size: obj.Size}

	if opts.DryRun {
		return entry
	}

	data, fresh, err := e.remote.Download(ctx, obj.ID)
	if err != nil {
		entry.Err = fmt.Errorf("failed to download: %w", err)
		return entry
	}
	class := transform.ClassBinary
	if fresh.Native {
		class = transform.ClassDocument
	}
	local, err := e.transform.ToLocal(data, class)
	if err != nil {
		entry.Err = fmt.Errorf("failed to convert content: %w", err)
		return entry
	}
	entry.Size = int64(len(local))

	release := e.suppress(rel)
	err = atomicWrite(e.absPath(rel), local)
	release()
	if err != nil {
		entry.Err = fmt.Errorf("failed to write: %w", err)
		return entry
	}

	if opts.Track {
		f := &state.TrackedFile{
			RemoteID:    obj.ID,
			LocalPath:   rel,
			Fingerprint: fingerprint(local),
			Revision:    fresh.Revision,
			MimeClass:   class,
			RemoteMIME:  fresh.MIMEType,
			LastSyncAt:  time.Now().UTC(),
		}
		if err := e.state.Upsert(ctx, f); err != nil {
			entry.Err = fmt.Errorf("downloaded but failed to track: %w", err)
		}
	}
	return entry
}

// UploadTree uploads a local directory tree (root-relative) under a remote
// parent folder, creating remote folders to mirror the local structure. The
// walk continues past per-file failures.
func (e *Engine) UploadTree(ctx context.Context, dir, parentID string, opts TreeOptions) (*TreeReport, error) {
	ts, err := e.treeStore()
	if err != nil {
		return nil, err
	}
	rel, err := e.relPath(dir)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		rel = ""
	}
	abs := e.absPath(rel)
	if info, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	if err := lock(ctx, e.reconcileMu); err != nil {
		return nil, err
	}
	defer unlock(e.reconcileMu)

	started := time.Now()
	report := &TreeReport{DryRun: opts.DryRun}

	// Remote folder IDs by local relative dir, filled as the walk descends.
	// path.Dir of a top-level entry is ".", so the root keys as ".".
	rootKey := rel
	if rootKey == "" {
		rootKey = "."
	}
	folderFor := map[string]string{rootKey: parentID}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		prel, rerr := filepath.Rel(e.root, p)
		if rerr != nil {
			return nil
		}
		prel = filepath.ToSlash(prel)

		if d.IsDir() {
			if p != abs && (name == watcher.MetaDirName || watcher.IsTransientName(name)) {
				return filepath.SkipDir
			}
			if p == abs {
				return nil
			}
			parent := folderFor[path.Dir(prel)]
			if opts.DryRun {
				report.Folders++
				folderFor[prel] = "(dry-run)"
				return nil
			}
			id, cerr := ts.CreateFolder(ctx, parent, name)
			if cerr != nil {
				report.Entries = append(report.Entries, TreeEntry{
					LocalPath: prel,
					Err:       fmt.Errorf("failed to create remote folder: %w", cerr),
				})
				return filepath.SkipDir
			}
			report.Folders++
			folderFor[prel] = id
			return nil
		}

		if watcher.IsTransientName(name) {
			return nil
		}
		parent := folderFor[path.Dir(prel)]
		report.Entries = append(report.Entries, e.uploadTreeFile(ctx, ts, prel, parent, opts))
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Duration = time.Since(started)
	return report, nil
}

// uploadTreeFile uploads one file of an uploaded tree under parent.
func (e *Engine) uploadTreeFile(ctx context.Context, ts remote.TreeStore, rel, parent string, opts TreeOptions) TreeEntry {
	entry := TreeEntry{LocalPath: rel}

	data, exists, err := readFileIfExists(e.absPath(rel))
	if err != nil {
		entry.Err = err
		return entry
	}
	if !exists {
		entry.Err = fmt.Errorf("file vanished during walk")
		return entry
	}
	entry.Size = int64(len(data))
	if opts.DryRun {
		return entry
	}

	payload, err := e.transform.ToRemote(data, transform.ClassBinary)
	if err != nil {
		entry.Err = fmt.Errorf("failed to convert content: %w", err)
		return entry
	}

	obj, err := ts.UploadTo(ctx, parent, path.Base(rel), detectMIME(rel), payload)
	if err != nil {
		entry.Err = fmt.Errorf("failed to upload: %w", err)
		return entry
	}
	entry.RemoteID = obj.ID

	if opts.Track {
		f := &state.TrackedFile{
			RemoteID:    obj.ID,
			LocalPath:   rel,
			Fingerprint: fingerprint(data),
			Revision:    obj.Revision,
			MimeClass:   transform.ClassBinary,
			RemoteMIME:  obj.MIMEType,
			LastSyncAt:  time.Now().UTC(),
		}
		if err := e.state.Upsert(ctx, f); err != nil {
			entry.Err = fmt.Errorf("uploaded but failed to track: %w", err)
		}
	}
	return entry
}
