// Package memstore provides an in-memory implementation of the remote
// object protocol. It keeps content, metadata, and a change log in memory,
// making it useful for tests and offline development.
//
// The change log models a cursor-based changes feed: cursors are integer
// offsets into the log encoded as strings, and polling from a cursor returns
// every change recorded after it. This implementation is safe for
// concurrent use.
package memstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tethersync/tether/internal/remote"
)

type object struct {
	meta    remote.Object
	content []byte
	parent  string
}

// Store is an in-memory remote.Store.
type Store struct {
	mu      sync.Mutex
	objects map[string]*object
	log     []remote.Change
	nextRev int

	// FailNext, when non-nil, is returned (once) by the next protocol
	// call. Tests use it to inject transient and terminal failures.
	FailNext error
}

// New creates an empty in-memory remote store.
func New() *Store {
	return &Store{objects: make(map[string]*object)}
}

// failure pops the injected error, if any. Caller must hold mu.
func (s *Store) failure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

// Seed inserts an object without recording a change, as if it existed before
// the first cursor. Returns its metadata.
func (s *Store) Seed(name, mimeType string, native bool, content []byte) *remote.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.put("", name, mimeType, native, content)
	return &obj.meta
}

// put creates or updates an object and bumps its revision.
// Caller must hold mu.
func (s *Store) put(id, name, mimeType string, native bool, content []byte) *object {
	if id == "" {
		id = uuid.NewString()
	}
	s.nextRev++
	obj, ok := s.objects[id]
	if !ok {
		obj = &object{}
		s.objects[id] = obj
	}
	if name == "" {
		name = obj.meta.Name
	}
	// Updates never change an object's native-document nature.
	if ok {
		native = obj.meta.Native
	}
	obj.meta = remote.Object{
		ID:           id,
		Name:         name,
		Revision:     strconv.Itoa(s.nextRev),
		MIMEType:     mimeType,
		Native:       native,
		Size:         int64(len(content)),
		ModifiedTime: time.Now().UTC(),
	}
	obj.content = append([]byte(nil), content...)
	return obj
}

// Put creates or updates an object and records the change in the feed.
// Tests use it to simulate edits made by another party.
func (s *Store) Put(id, name, mimeType string, native bool, content []byte) *remote.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.put(id, name, mimeType, native, content)
	meta := obj.meta
	s.log = append(s.log, remote.Change{ID: meta.ID, Revision: meta.Revision, Object: &meta})
	return &meta
}

// Remove trashes an object and records the removal in the feed.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return remote.ErrNotFound
	}
	obj.meta.Trashed = true
	s.log = append(s.log, remote.Change{ID: id, Removed: true})
	return nil
}

// Content returns a copy of the object's current content.
func (s *Store) Content(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok || obj.meta.Trashed {
		return nil, false
	}
	return append([]byte(nil), obj.content...), true
}

// StartCursor implements remote.Store.
func (s *Store) StartCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return "", err
	}
	return strconv.Itoa(len(s.log)), nil
}

// Changes implements remote.Store.
func (s *Store) Changes(ctx context.Context, cursor string) ([]remote.Change, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, "", err
	}

	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 || offset > len(s.log) {
		return nil, "", fmt.Errorf("invalid cursor %q", cursor)
	}

	changes := make([]remote.Change, len(s.log)-offset)
	copy(changes, s.log[offset:])
	return changes, strconv.Itoa(len(s.log)), nil
}

// Stat implements remote.Store.
func (s *Store) Stat(ctx context.Context, id string) (*remote.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	obj, ok := s.objects[id]
	if !ok || obj.meta.Trashed {
		return nil, fmt.Errorf("stat %s: %w", id, remote.ErrNotFound)
	}
	meta := obj.meta
	return &meta, nil
}

// Download implements remote.Store.
func (s *Store) Download(ctx context.Context, id string) ([]byte, *remote.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, nil, err
	}
	obj, ok := s.objects[id]
	if !ok || obj.meta.Trashed {
		return nil, nil, fmt.Errorf("download %s: %w", id, remote.ErrNotFound)
	}
	meta := obj.meta
	return append([]byte(nil), obj.content...), &meta, nil
}

// Upload implements remote.Store.
func (s *Store) Upload(ctx context.Context, id, name, mimeType string, data []byte) (*remote.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	if id != "" {
		obj, ok := s.objects[id]
		if !ok || obj.meta.Trashed {
			return nil, fmt.Errorf("upload %s: %w", id, remote.ErrNotFound)
		}
	}
	obj := s.put(id, name, mimeType, false, data)
	meta := obj.meta
	s.log = append(s.log, remote.Change{ID: meta.ID, Revision: meta.Revision, Object: &meta})
	return &meta, nil
}

// Trash implements remote.Store.
func (s *Store) Trash(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.failure(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.Remove(id)
}

// SeedFolder inserts a folder object with the given parent ("" for root)
// without recording a change. Returns its ID.
func (s *Store) SeedFolder(parentID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.objects[id] = &object{
		meta:   remote.Object{ID: id, Name: name, Folder: true},
		parent: parentID,
	}
	return id
}

// SeedIn is Seed with an explicit parent folder.
func (s *Store) SeedIn(parentID, name, mimeType string, native bool, content []byte) *remote.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.put("", name, mimeType, native, content)
	obj.parent = parentID
	return &obj.meta
}

// List implements remote.TreeStore.
func (s *Store) List(ctx context.Context, folderID string) ([]remote.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	if folderID != "" {
		f, ok := s.objects[folderID]
		if !ok || !f.meta.Folder {
			return nil, fmt.Errorf("list %s: %w", folderID, remote.ErrNotFound)
		}
	}
	var out []remote.Object
	for _, obj := range s.objects {
		if obj.parent == folderID && !obj.meta.Trashed {
			out = append(out, obj.meta)
		}
	}
	return out, nil
}

// UploadTo implements remote.TreeStore.
func (s *Store) UploadTo(ctx context.Context, parentID, name, mimeType string, data []byte) (*remote.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	obj := s.put("", name, mimeType, false, data)
	obj.parent = parentID
	meta := obj.meta
	s.log = append(s.log, remote.Change{ID: meta.ID, Revision: meta.Revision, Object: &meta})
	return &meta, nil
}

// CreateFolder implements remote.TreeStore.
func (s *Store) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.objects[id] = &object{
		meta:   remote.Object{ID: id, Name: name, Folder: true},
		parent: parentID,
	}
	return id, nil
}
