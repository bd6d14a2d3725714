package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tethersync/tether/internal/remote"
	"github.com/tethersync/tether/internal/remote/memstore"
	"github.com/tethersync/tether/internal/state"
)

// testEngine wires an engine over a temp root and an in-memory remote
func testEngine(t *testing.T) (*Engine, *memstore.Store, *state.Store, string) {
	t.Helper()
	root := t.TempDir()

	st, err := state.Open(filepath.Join(root, ".tether", "state.db"))
	if err != nil {
		t.Fatalf("state.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ms := memstore.New()
	eng, err := New(Config{Root: root, State: st, Remote: ms})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return eng, ms, st, root
}

func writeLocal(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

func readLocal(t *testing.T, root, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("ReadFile(%s) failed: %v", rel, err)
	}
	return data
}

func apply() SyncOptions { return SyncOptions{Direction: DirectionAuto} }

// TestLink_ExistingLocalTreatedAsSynced tests that linking an existing file
// records its current content as the synced baseline
func TestLink_ExistingLocalTreatedAsSynced(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("notes.md", "text/plain", false, []byte("remote"))
	writeLocal(t, root, "notes.md", []byte("local"))

	f, err := eng.Link(ctx, obj.ID, "notes.md")
	if err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if f.Fingerprint == "" {
		t.Error("existing local content was not fingerprinted")
	}
	if f.Revision != obj.Revision {
		t.Errorf("linked revision = %s, want %s", f.Revision, obj.Revision)
	}

	got, err := st.GetByID(ctx, obj.ID)
	if err != nil || got == nil {
		t.Fatalf("link not persisted: %v", err)
	}
}

// TestLink_AbsentLocalDownloadsOnSync tests the pending-download path
func TestLink_AbsentLocalDownloadsOnSync(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("doc.txt", "text/plain", false, []byte("content from remote"))
	if _, err := eng.Link(ctx, obj.ID, "doc.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if n := len(report.Failures()); n != 0 {
		t.Fatalf("%d failures: %+v", n, report.Failures())
	}
	if got := readLocal(t, root, "doc.txt"); !bytes.Equal(got, []byte("content from remote")) {
		t.Errorf("downloaded content = %q", got)
	}
}

// TestSyncAll_Idempotent tests that a second pass with no edits does nothing
func TestSyncAll_Idempotent(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("first SyncAll() failed: %v", err)
	}

	before := readLocal(t, root, "a.txt")
	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("second SyncAll() failed: %v", err)
	}
	for _, res := range report.Results {
		if res.Applied && res.Action != ActionNone {
			t.Errorf("idempotence violated: %+v", res)
		}
	}
	if after := readLocal(t, root, "a.txt"); !bytes.Equal(before, after) {
		t.Error("local content changed on a no-op pass")
	}
}

// TestSyncAll_LocalEditUploads tests the local-only branch
func TestSyncAll_LocalEditUploads(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	writeLocal(t, root, "a.txt", []byte("v2 local"))
	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if n := len(report.Failures()); n != 0 {
		t.Fatalf("%d failures: %+v", n, report.Failures())
	}

	got, ok := ms.Content(obj.ID)
	if !ok || !bytes.Equal(got, []byte("v2 local")) {
		t.Errorf("remote content = %q, want local edit", got)
	}
}

// TestSyncAll_RemoteEditDownloads tests the remote-only branch
func TestSyncAll_RemoteEditDownloads(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	ms.Put(obj.ID, "", "text/plain", false, []byte("v2 remote"))
	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if n := len(report.Failures()); n != 0 {
		t.Fatalf("%d failures: %+v", n, report.Failures())
	}
	if got := readLocal(t, root, "a.txt"); !bytes.Equal(got, []byte("v2 remote")) {
		t.Errorf("local content = %q, want remote edit", got)
	}
}

// TestSyncAll_ConflictForksWithoutDataLoss tests that divergent edits keep
// both versions: remote becomes canonical, local survives as a sibling
func TestSyncAll_ConflictForksWithoutDataLoss(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("plan.md", "text/plain", false, []byte("h0"))
	writeLocal(t, root, "plan.md", []byte("h0"))
	if _, err := eng.Link(ctx, obj.ID, "plan.md"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	// Both sides diverge from h0.
	writeLocal(t, root, "plan.md", []byte("h1 local edit"))
	ms.Put(obj.ID, "", "text/plain", false, []byte("r1 remote edit"))

	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	conflicts := report.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %+v", len(conflicts), report.Results)
	}
	c := conflicts[0]
	if c.BackupPath == "" || !strings.Contains(c.BackupPath, "conflict") {
		t.Fatalf("BackupPath = %q, want conflict sibling", c.BackupPath)
	}

	// A conflicted file tallies as a conflict, not as synced too.
	synced, failed, nConflicts, _ := report.Counts()
	if synced != 0 || failed != 0 || nConflicts != 1 {
		t.Errorf("Counts() = %d synced, %d failed, %d conflicts, want 0/0/1",
			synced, failed, nConflicts)
	}

	if got := readLocal(t, root, "plan.md"); !bytes.Equal(got, []byte("r1 remote edit")) {
		t.Errorf("canonical content = %q, want remote version", got)
	}
	if got := readLocal(t, root, c.BackupPath); !bytes.Equal(got, []byte("h1 local edit")) {
		t.Errorf("backup content = %q, want local version", got)
	}
	if remoteData, _ := ms.Content(obj.ID); !bytes.Equal(remoteData, []byte("r1 remote edit")) {
		t.Errorf("remote content changed during conflict resolution: %q", remoteData)
	}
}

// TestSyncAll_ConvergentEditsNoTransfer tests that identical edits on both
// sides reconcile with a metadata update only
func TestSyncAll_ConvergentEditsNoTransfer(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	writeLocal(t, root, "a.txt", []byte("same everywhere"))
	ms.Put(obj.ID, "", "text/plain", false, []byte("same everywhere"))

	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	found := false
	for _, res := range report.Results {
		if res.RemoteID == obj.ID {
			found = true
			if res.Classification != ClassConvergent || res.Action != ActionMarkSynced {
				t.Errorf("result = %+v, want convergent mark-synced", res)
			}
		}
	}
	if !found {
		t.Fatal("tracked file missing from report")
	}
}

// TestSyncAll_EchoTerminates tests that syncing twice after one edit does not
// ping-pong: the second pass sees its own write as unchanged
func TestSyncAll_EchoTerminates(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	writeLocal(t, root, "a.txt", []byte("v2"))
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	tracked, _ := st.GetByID(ctx, obj.ID)
	revAfterUpload := tracked.Revision

	// Two more passes: no transfers, no revision movement.
	for i := 0; i < 2; i++ {
		report, err := eng.SyncAll(ctx, apply())
		if err != nil {
			t.Fatalf("pass %d failed: %v", i+2, err)
		}
		if n := report.Transfers(); n != 0 {
			t.Errorf("pass %d performed %d transfers, want 0", i+2, n)
		}
	}
	tracked, _ = st.GetByID(ctx, obj.ID)
	if tracked.Revision != revAfterUpload {
		t.Errorf("revision moved %s -> %s with no edits", revAfterUpload, tracked.Revision)
	}
}

// TestSyncAll_BinaryRoundTrip tests byte-exact transfer of opaque content
func TestSyncAll_BinaryRoundTrip(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	blob := []byte{0x00, 0x01, 0xFF, '\r', '\n', 0x7F, 0x00}
	obj := ms.Seed("img.bin", "application/octet-stream", false, blob)
	if _, err := eng.Link(ctx, obj.ID, "img.bin"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if got := readLocal(t, root, "img.bin"); !bytes.Equal(got, blob) {
		t.Errorf("binary content corrupted: % x", got)
	}

	// And back up.
	edited := append([]byte{0xCA, 0xFE, 0x00}, blob...)
	writeLocal(t, root, "img.bin", edited)
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("second SyncAll() failed: %v", err)
	}
	if got, _ := ms.Content(obj.ID); !bytes.Equal(got, edited) {
		t.Errorf("uploaded binary corrupted: % x", got)
	}
}

// TestSyncAll_RemoteDeletionHoldsLocal tests that a remote deletion moves the
// local file into the holding area instead of erasing it
func TestSyncAll_RemoteDeletionHoldsLocal(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("precious.txt", "text/plain", false, []byte("keep me"))
	if _, err := eng.Link(ctx, obj.ID, "precious.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("initial SyncAll() failed: %v", err)
	}

	if err := ms.Remove(obj.ID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if n := len(report.Failures()); n != 0 {
		t.Fatalf("%d failures: %+v", n, report.Failures())
	}

	if _, err := os.Stat(filepath.Join(root, "precious.txt")); !os.IsNotExist(err) {
		t.Error("local file still at its original path after remote deletion")
	}

	// Content must survive somewhere under .tether/trash/.
	survived := false
	filepath.Walk(filepath.Join(root, ".tether", "trash"), func(p string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() && filepath.Base(p) == "precious.txt" {
			survived = true
		}
		return nil
	})
	if !survived {
		t.Error("deleted file not preserved in the holding area")
	}

	if tracked, _ := st.GetByID(ctx, obj.ID); tracked != nil {
		t.Error("entry still tracked after deletion propagated")
	}
}

// TestSyncAll_LocalDeletionTrashesRemote tests the other deletion direction
func TestSyncAll_LocalDeletionTrashesRemote(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("initial SyncAll() failed: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}

	if _, ok := ms.Content(obj.ID); ok {
		t.Error("remote object still live after local deletion")
	}
	if tracked, _ := st.GetByID(ctx, obj.ID); tracked != nil {
		t.Error("entry still tracked after deletion propagated")
	}
}

// TestSyncAll_RemoteEditBeatsLocalDelete tests that an edit wins over a
// concurrent deletion: the content is restored, not trashed
func TestSyncAll_RemoteEditBeatsLocalDelete(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("initial SyncAll() failed: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	ms.Put(obj.ID, "", "text/plain", false, []byte("v2 edited elsewhere"))

	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if got := readLocal(t, root, "a.txt"); !bytes.Equal(got, []byte("v2 edited elsewhere")) {
		t.Errorf("local content = %q, want the surviving edit", got)
	}
	if _, ok := ms.Content(obj.ID); !ok {
		t.Error("remote object was trashed despite being edited")
	}
}

// TestSyncAll_LocalNewUploads tests discovery and first upload of an
// untracked file
func TestSyncAll_LocalNewUploads(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	writeLocal(t, root, "fresh/new.txt", []byte("brand new"))

	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if n := len(report.Failures()); n != 0 {
		t.Fatalf("%d failures: %+v", n, report.Failures())
	}

	tracked, err := st.GetByPath(ctx, "fresh/new.txt")
	if err != nil || tracked == nil {
		t.Fatalf("new file not tracked: %v", err)
	}
	if tracked.Pending() {
		t.Error("tracked entry still carries a placeholder ID")
	}
	if got, ok := ms.Content(tracked.RemoteID); !ok || !bytes.Equal(got, []byte("brand new")) {
		t.Errorf("remote content = %q", got)
	}
}

// TestSyncAll_RemoteNewDownloads tests discovery of a remote object created
// after the cursor
func TestSyncAll_RemoteNewDownloads(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	// Establish the cursor first.
	if _, err := eng.SyncAll(ctx, apply()); err != nil {
		t.Fatalf("initial SyncAll() failed: %v", err)
	}

	obj := ms.Put("", "from remote.txt", "text/plain", false, []byte("hello"))
	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if n := len(report.Failures()); n != 0 {
		t.Fatalf("%d failures: %+v", n, report.Failures())
	}

	tracked, err := st.GetByID(ctx, obj.ID)
	if err != nil || tracked == nil {
		t.Fatalf("remote-new object not tracked: %v", err)
	}
	if got := readLocal(t, root, tracked.LocalPath); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("downloaded content = %q", got)
	}
}

// TestSyncAll_DryRunMutatesNothing tests that a dry run leaves disk, remote,
// and state untouched while still reporting the plan
func TestSyncAll_DryRunMutatesNothing(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	writeLocal(t, root, "a.txt", []byte("v2 local"))
	writeLocal(t, root, "untracked.txt", []byte("new"))

	report, err := eng.SyncAll(ctx, SyncOptions{DryRun: true, Direction: DirectionAuto})
	if err != nil {
		t.Fatalf("dry-run SyncAll() failed: %v", err)
	}
	if !report.DryRun {
		t.Error("report not marked dry-run")
	}
	for _, res := range report.Results {
		if res.Applied {
			t.Errorf("dry run applied an action: %+v", res)
		}
	}

	if got, _ := ms.Content(obj.ID); !bytes.Equal(got, []byte("v1")) {
		t.Errorf("dry run modified remote content: %q", got)
	}
	tracked, _ := st.GetByID(ctx, obj.ID)
	if tracked.Revision != obj.Revision {
		t.Error("dry run advanced the tracked revision")
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("dry run changed tracking count to %d", n)
	}
	// The first pass here is a dry run, so even the poll bootstrap must
	// leave the store alone.
	if cursor, _ := st.Cursor(ctx); cursor != "" {
		t.Errorf("dry run persisted a poll cursor %q", cursor)
	}

	// The planned upload carries a diff preview.
	var sawDiff bool
	for _, res := range report.Results {
		if res.LocalPath == "a.txt" && res.Diff != "" {
			sawDiff = true
		}
	}
	if !sawDiff {
		t.Error("dry run produced no diff preview for the pending upload")
	}
}

// TestSyncAll_OrphanedOnPermanentError tests that a permanently unavailable
// remote object is marked orphaned and surfaces an error once
func TestSyncAll_OrphanedOnPermanentError(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	// A local edit forces a remote stat; inject a permission failure.
	writeLocal(t, root, "a.txt", []byte("v2"))
	ms.FailNext = remote.ErrPermission
	res, err := eng.SyncOne(ctx, "a.txt", apply())
	if err != nil {
		t.Fatalf("SyncOne() failed: %v", err)
	}
	if res.Classification != ClassOrphaned || res.Err == nil {
		t.Fatalf("result = %+v, want orphaned with error", res)
	}

	tracked, _ := st.GetByID(ctx, obj.ID)
	if !tracked.Orphaned {
		t.Error("entry not marked orphaned in the state store")
	}

	// Later passes skip the orphan without failing.
	report, err := eng.SyncAll(ctx, apply())
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	for _, r := range report.Results {
		if r.RemoteID == obj.ID && r.Err != nil {
			t.Errorf("orphan surfaced an error again: %v", r.Err)
		}
	}
}

// TestSyncOne_PushRefusesStaleRemote tests the push conflict guard
func TestSyncOne_PushRefusesStaleRemote(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	// Remote moves on; local edits too.
	ms.Put(obj.ID, "", "text/plain", false, []byte("v2 remote"))
	writeLocal(t, root, "a.txt", []byte("v2 local"))

	res, err := eng.SyncOne(ctx, "a.txt", SyncOptions{Direction: DirectionPush})
	if err != nil {
		t.Fatalf("SyncOne() failed: %v", err)
	}
	if !res.Failed() || res.Classification != ClassConflict {
		t.Fatalf("push over stale remote did not refuse: %+v", res)
	}
	if got, _ := ms.Content(obj.ID); !bytes.Equal(got, []byte("v2 remote")) {
		t.Error("refused push still modified the remote")
	}

	// Force overrides.
	res, err = eng.SyncOne(ctx, "a.txt", SyncOptions{Direction: DirectionPush, Force: true})
	if err != nil {
		t.Fatalf("forced SyncOne() failed: %v", err)
	}
	if res.Failed() {
		t.Fatalf("forced push failed: %v", res.Err)
	}
	if got, _ := ms.Content(obj.ID); !bytes.Equal(got, []byte("v2 local")) {
		t.Errorf("forced push content = %q", got)
	}
}

// TestSyncOne_PullForksDirtyLocal tests that pull preserves local edits
func TestSyncOne_PullForksDirtyLocal(t *testing.T) {
	eng, ms, _, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	ms.Put(obj.ID, "", "text/plain", false, []byte("v2 remote"))
	writeLocal(t, root, "a.txt", []byte("v2 local"))

	res, err := eng.SyncOne(ctx, "a.txt", SyncOptions{Direction: DirectionPull})
	if err != nil {
		t.Fatalf("SyncOne() failed: %v", err)
	}
	if res.Classification != ClassConflict || res.BackupPath == "" {
		t.Fatalf("pull over dirty local did not fork: %+v", res)
	}
	if got := readLocal(t, root, "a.txt"); !bytes.Equal(got, []byte("v2 remote")) {
		t.Errorf("canonical content = %q", got)
	}
	if got := readLocal(t, root, res.BackupPath); !bytes.Equal(got, []byte("v2 local")) {
		t.Errorf("backup content = %q", got)
	}
}

// TestUnlink_LeavesContentAlone tests that unlinking touches no content
func TestUnlink_LeavesContentAlone(t *testing.T) {
	eng, ms, st, root := testEngine(t)
	ctx := context.Background()

	obj := ms.Seed("a.txt", "text/plain", false, []byte("v1"))
	writeLocal(t, root, "a.txt", []byte("v1"))
	if _, err := eng.Link(ctx, obj.ID, "a.txt"); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}

	if err := eng.Unlink(ctx, "a.txt"); err != nil {
		t.Fatalf("Unlink() failed: %v", err)
	}
	if tracked, _ := st.GetByID(ctx, obj.ID); tracked != nil {
		t.Error("still tracked after Unlink")
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); err != nil {
		t.Error("local file touched by Unlink")
	}
	if _, ok := ms.Content(obj.ID); !ok {
		t.Error("remote object touched by Unlink")
	}
}

// TestRelPath_RejectsOutsideRoot tests path containment
func TestRelPath_RejectsOutsideRoot(t *testing.T) {
	eng, _, _, _ := testEngine(t)
	for _, p := range []string{"/etc/passwd", "../escape", "..", "a/../../escape"} {
		if _, err := eng.relPath(p); err == nil {
			t.Errorf("relPath(%q) accepted a path outside the sync root", p)
		}
	}
	// Dotted names inside the root are fine.
	if rel, err := eng.relPath("..cache/notes.md"); err != nil || rel != "..cache/notes.md" {
		t.Errorf("relPath(..cache/notes.md) = %q, %v", rel, err)
	}
}
