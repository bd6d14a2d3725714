package memstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tethersync/tether/internal/remote"
)

// TestChanges_EmptyFeed tests polling an untouched store
func TestChanges_EmptyFeed(t *testing.T) {
	s := New()
	ctx := context.Background()

	cursor, err := s.StartCursor(ctx)
	if err != nil {
		t.Fatalf("StartCursor() failed: %v", err)
	}

	changes, next, err := s.Changes(ctx, cursor)
	if err != nil {
		t.Fatalf("Changes() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("Changes() returned %d changes, want 0", len(changes))
	}
	if next != cursor {
		t.Errorf("cursor advanced with no changes: %q -> %q", cursor, next)
	}
}

// TestChanges_AfterCursor tests that only post-cursor edits are reported
func TestChanges_AfterCursor(t *testing.T) {
	s := New()
	ctx := context.Background()

	seeded := s.Seed("before.txt", "text/plain", false, []byte("old"))
	cursor, err := s.StartCursor(ctx)
	if err != nil {
		t.Fatalf("StartCursor() failed: %v", err)
	}

	edited := s.Put(seeded.ID, "", "text/plain", false, []byte("new"))
	changes, next, err := s.Changes(ctx, cursor)
	if err != nil {
		t.Fatalf("Changes() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("Changes() returned %d changes, want 1", len(changes))
	}
	if changes[0].ID != seeded.ID || changes[0].Revision != edited.Revision {
		t.Errorf("change = %+v, want id %s revision %s", changes[0], seeded.ID, edited.Revision)
	}

	// The feed is consumed by advancing the cursor.
	changes, _, err = s.Changes(ctx, next)
	if err != nil {
		t.Fatalf("second Changes() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("replayed %d changes past the cursor", len(changes))
	}
}

// TestChanges_InvalidCursor tests cursor validation
func TestChanges_InvalidCursor(t *testing.T) {
	s := New()
	if _, _, err := s.Changes(context.Background(), "not-a-cursor"); err == nil {
		t.Error("Changes() accepted a garbage cursor")
	}
}

// TestUpload_CreateAndUpdate tests the two upload modes
func TestUpload_CreateAndUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	obj, err := s.Upload(ctx, "", "fresh.txt", "text/plain", []byte("v1"))
	if err != nil {
		t.Fatalf("create Upload() failed: %v", err)
	}
	if obj.ID == "" {
		t.Fatal("created object has no ID")
	}

	updated, err := s.Upload(ctx, obj.ID, "", "text/plain", []byte("v2"))
	if err != nil {
		t.Fatalf("update Upload() failed: %v", err)
	}
	if updated.Revision == obj.Revision {
		t.Error("revision did not advance on update")
	}

	data, _, err := s.Download(ctx, obj.ID)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if !bytes.Equal(data, []byte("v2")) {
		t.Errorf("Download() = %q, want v2", data)
	}
}

// TestUpload_MissingID tests updating a nonexistent object
func TestUpload_MissingID(t *testing.T) {
	s := New()
	_, err := s.Upload(context.Background(), "ghost", "", "text/plain", []byte("x"))
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Upload() err = %v, want ErrNotFound", err)
	}
}

// TestTrash_HidesObject tests that trashed objects stop resolving
func TestTrash_HidesObject(t *testing.T) {
	s := New()
	ctx := context.Background()

	obj := s.Seed("doomed.txt", "text/plain", false, []byte("bye"))
	if err := s.Trash(ctx, obj.ID); err != nil {
		t.Fatalf("Trash() failed: %v", err)
	}

	if _, err := s.Stat(ctx, obj.ID); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Stat() after Trash err = %v, want ErrNotFound", err)
	}
}

// TestFailNext_InjectsOnce tests single-shot failure injection
func TestFailNext_InjectsOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	obj := s.Seed("a.txt", "text/plain", false, []byte("a"))

	s.FailNext = remote.ErrTransient
	if _, err := s.Stat(ctx, obj.ID); !errors.Is(err, remote.ErrTransient) {
		t.Fatalf("Stat() err = %v, want injected ErrTransient", err)
	}
	if _, err := s.Stat(ctx, obj.ID); err != nil {
		t.Errorf("Stat() after injection failed: %v", err)
	}
}

// TestTree_FoldersAndUploadTo tests the folder operations
func TestTree_FoldersAndUploadTo(t *testing.T) {
	s := New()
	ctx := context.Background()

	top := s.SeedFolder("", "docs")
	s.SeedIn(top, "readme.md", "text/markdown", false, []byte("# hi"))

	sub, err := s.CreateFolder(ctx, top, "notes")
	if err != nil {
		t.Fatalf("CreateFolder() failed: %v", err)
	}
	if _, err := s.UploadTo(ctx, sub, "todo.txt", "text/plain", []byte("x")); err != nil {
		t.Fatalf("UploadTo() failed: %v", err)
	}

	children, err := s.List(ctx, top)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("List(top) returned %d children, want 2", len(children))
	}

	subChildren, err := s.List(ctx, sub)
	if err != nil {
		t.Fatalf("List(sub) failed: %v", err)
	}
	if len(subChildren) != 1 || subChildren[0].Name != "todo.txt" {
		t.Errorf("List(sub) = %+v, want only todo.txt", subChildren)
	}
}

// TestList_MissingFolder tests listing a nonexistent folder
func TestList_MissingFolder(t *testing.T) {
	s := New()
	if _, err := s.List(context.Background(), "ghost"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("List() err = %v, want ErrNotFound", err)
	}
}
