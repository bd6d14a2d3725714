// Package remote defines the remote object protocol consumed by the sync
// engine, the normalized change records produced by polling, and the error
// taxonomy that decides what gets retried.
//
// All remote payloads are normalized into the fixed Object/Change shapes at
// this boundary; the orchestrator never branches on remote-specific field
// names. Implementations live in subpackages (drive for Google Drive,
// memstore for the in-memory test double).
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Object is the normalized description of a remote file.
type Object struct {
	// ID is the opaque, stable identifier assigned by the remote store.
	ID string

	// Name is the remote display name.
	Name string

	// Revision is an opaque marker for the object's version. Comparable
	// for equality only; the engine never orders revisions.
	Revision string

	// MIMEType is the remote-reported content type.
	MIMEType string

	// Native reports whether the object is a native remote document that
	// must be exported/imported rather than copied byte-for-byte.
	Native bool

	// Trashed reports whether the object sits in the remote trash.
	Trashed bool

	// Folder reports whether the object is a folder rather than a file.
	// Folders never sync as content; they only shape tree operations.
	Folder bool

	// Size is the content size in bytes, when the remote reports one.
	// Native documents typically report zero.
	Size int64

	// ModifiedTime is the remote's modification timestamp. Diagnostics
	// only; never an authority for conflict decisions.
	ModifiedTime time.Time
}

// Change is the minimal record of one remote modification, produced by
// polling and consumed exactly once by the orchestrator.
type Change struct {
	// ID identifies the changed object.
	ID string

	// Revision is the object's revision at the moment of detection.
	// Empty when Removed is true.
	Revision string

	// Removed reports that the object was deleted or trashed remotely.
	Removed bool

	// Object carries the full normalized metadata when available.
	Object *Object
}

// Store is the remote object protocol. The sync engine is its only caller.
type Store interface {
	// StartCursor returns an opaque continuation token representing "now".
	// Polling from this cursor yields only changes made after the call.
	StartCursor(ctx context.Context) (string, error)

	// Changes returns the objects modified since cursor, normalized into
	// Change records, plus the cursor for the next poll. An empty batch
	// with an unchanged cursor means nothing happened.
	Changes(ctx context.Context, cursor string) ([]Change, string, error)

	// Stat returns the current metadata for one object.
	Stat(ctx context.Context, id string) (*Object, error)

	// Download returns the object's content and its metadata at the time
	// of download. Native documents are exported to their local text form.
	Download(ctx context.Context, id string) ([]byte, *Object, error)

	// Upload writes content to the remote. With id == "" a new object
	// named name is created; otherwise the existing object is updated in
	// place. Returns the resulting metadata including the new revision.
	Upload(ctx context.Context, id, name, mimeType string, data []byte) (*Object, error)

	// Trash moves the object to the remote store's own recycle mechanism.
	// It never permanently erases content.
	Trash(ctx context.Context, id string) error
}

// TreeStore is implemented by remotes that expose folder structure, enabling
// recursive mirror and bulk-upload operations.
type TreeStore interface {
	Store

	// List returns the immediate children of a folder.
	List(ctx context.Context, folderID string) ([]Object, error)

	// CreateFolder creates a folder under parent and returns its ID.
	// An empty parent means the remote root.
	CreateFolder(ctx context.Context, parentID, name string) (string, error)

	// UploadTo creates a new object under the given parent folder.
	UploadTo(ctx context.Context, parentID, name, mimeType string, data []byte) (*Object, error)
}

// Sentinel errors classifying remote failures. Implementations wrap their
// transport errors with one of these so the engine can decide between
// retrying, orphaning, and surfacing.
var (
	// ErrNotFound means the object no longer exists (or never did).
	ErrNotFound = errors.New("remote: object not found")

	// ErrPermission means access to the object was revoked. Permanent.
	ErrPermission = errors.New("remote: permission denied")

	// ErrQuotaExhausted is a hard quota signal, distinct from throttling.
	// Non-retryable; terminal for the current poll cycle only.
	ErrQuotaExhausted = errors.New("remote: quota exhausted")

	// ErrTransient marks throttling and transient network failures.
	// Safe to retry with backoff.
	ErrTransient = errors.New("remote: transient failure")
)

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err marks the remote object as permanently
// unavailable (orphaned), as opposed to a failure worth retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermission)
}

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps individual delays.
	MaxInterval time.Duration
	// MaxRetries bounds the number of retry attempts.
	MaxRetries uint64
}

// DefaultRetryPolicy matches typical remote API rate tiers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxRetries:      5,
	}
}

// Retry runs op, retrying transient failures with exponential backoff and
// jitter per the policy. Non-transient errors abort immediately.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, policy.MaxRetries), ctx))
}
