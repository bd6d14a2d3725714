package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/tethersync/tether/internal/state"
)

// Poller is the remote change source: it polls the remote store for objects
// modified since a cursor and normalizes the results for the orchestrator.
//
// The cursor is an opaque continuation token persisted in the state store,
// so polling resumes after a crash without rescanning the whole remote
// corpus. Changes whose revision is already reflected in the state store are
// silently discarded (idempotent replay).
//
// The poller is a read-only observer; committing the advanced cursor is the
// orchestrator's job, after the pass that consumed the changes has finished.
type Poller struct {
	store  Store
	state  *state.Store
	policy RetryPolicy
	logger *log.Logger

	mu     sync.Mutex
	cursor string
}

// NewPoller creates a Poller. If logger is nil, a default logger writing to
// stderr is used.
func NewPoller(store Store, st *state.Store, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.New(os.Stderr, "[poll] ", log.LstdFlags)
	}
	return &Poller{
		store:  store,
		state:  st,
		policy: DefaultRetryPolicy(),
		logger: logger,
	}
}

// Bootstrap loads the persisted cursor, or fetches a fresh start cursor if
// none exists. Must be called once before Poll. A fetched start cursor is
// written to the state store only when persist is true; preview passes hold
// it in memory so they leave the store untouched.
func (p *Poller) Bootstrap(ctx context.Context, persist bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cursor, err := p.state.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted cursor: %w", err)
	}
	if cursor != "" {
		p.cursor = cursor
		return nil
	}

	if p.cursor == "" {
		err = Retry(ctx, p.policy, func() error {
			var rerr error
			cursor, rerr = p.store.StartCursor(ctx)
			return rerr
		})
		if err != nil {
			return fmt.Errorf("failed to fetch start cursor: %w", err)
		}
		p.cursor = cursor
	}

	if persist {
		if err := p.state.SetCursor(ctx, p.cursor); err != nil {
			return err
		}
		p.logger.Printf("Bootstrapped remote polling at cursor %s", p.cursor)
	}
	return nil
}

// Poll fetches changes since the current cursor and returns the ones not yet
// reflected in the state store, plus the cursor for the next poll.
//
// Transient transport errors are retried with exponential backoff and
// jitter. A quota-exhaustion error surfaces as-is: terminal for this poll
// cycle, not a crash.
func (p *Poller) Poll(ctx context.Context) ([]Change, string, error) {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	if cursor == "" {
		return nil, "", fmt.Errorf("poller not bootstrapped")
	}

	var (
		raw  []Change
		next string
	)
	err := Retry(ctx, p.policy, func() error {
		var rerr error
		raw, next, rerr = p.store.Changes(ctx, cursor)
		return rerr
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to poll remote changes: %w", err)
	}

	changes, err := p.filter(ctx, coalesce(raw))
	if err != nil {
		return nil, "", err
	}
	return changes, next, nil
}

// CommitCursor records cursor as the resume point for the next poll, both in
// memory and durably. Called by the orchestrator after the changes returned
// alongside it have been fully processed.
func (p *Poller) CommitCursor(ctx context.Context, cursor string) error {
	if err := p.state.SetCursor(ctx, cursor); err != nil {
		return err
	}
	p.mu.Lock()
	p.cursor = cursor
	p.mu.Unlock()
	return nil
}

// coalesce keeps only the last change per object ID, preserving the order in
// which IDs first appeared. The remote may report several intermediate
// revisions in one batch; only the newest matters.
func coalesce(changes []Change) []Change {
	if len(changes) < 2 {
		return changes
	}
	last := make(map[string]Change, len(changes))
	var order []string
	for _, c := range changes {
		if _, seen := last[c.ID]; !seen {
			order = append(order, c.ID)
		}
		last[c.ID] = c
	}
	out := make([]Change, 0, len(order))
	for _, id := range order {
		out = append(out, last[id])
	}
	return out
}

// filter drops changes already reflected in the state store at the same
// revision, and removals for objects that were never tracked.
func (p *Poller) filter(ctx context.Context, changes []Change) ([]Change, error) {
	var out []Change
	for _, c := range changes {
		tracked, err := p.state.GetByID(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up tracked file %s: %w", c.ID, err)
		}

		if c.Removed {
			if tracked == nil {
				continue // never tracked, nothing to propagate
			}
			out = append(out, c)
			continue
		}

		if tracked != nil && tracked.Revision == c.Revision {
			// Already synced at this revision: replay of our own upload
			// or of a previously processed poll.
			continue
		}

		out = append(out, c)
	}
	return out, nil
}
