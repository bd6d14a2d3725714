package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Classification is the engine's verdict on one tracked file for one pass,
// derived from the (local changed?, remote changed?) pair against the
// last-synced fingerprint and revision.
type Classification string

const (
	ClassUnchanged     Classification = "unchanged"
	ClassLocalOnly     Classification = "local-only"
	ClassRemoteOnly    Classification = "remote-only"
	ClassConvergent    Classification = "convergent"
	ClassConflict      Classification = "conflict"
	ClassLocalNew      Classification = "local-new"
	ClassRemoteNew     Classification = "remote-new"
	ClassLocalDeleted  Classification = "local-deleted"
	ClassRemoteDeleted Classification = "remote-deleted"
	ClassBothDeleted   Classification = "both-deleted"
	ClassOrphaned      Classification = "orphaned"
)

// Action is the single corrective step the engine takes for a file.
type Action string

const (
	ActionNone         Action = "none"
	ActionUpload       Action = "upload"
	ActionDownload     Action = "download"
	ActionMarkSynced   Action = "mark-synced"
	ActionConflictFork Action = "conflict-fork"
	ActionTrashRemote  Action = "trash-remote"
	ActionHoldLocal    Action = "hold-local"
	ActionUntrack      Action = "untrack"
)

// FileResult is the structured outcome for one file in one pass.
type FileResult struct {
	// LocalPath is root-relative; empty for remote-new files that failed
	// before a path was chosen.
	LocalPath string

	// RemoteID identifies the remote object, possibly a pending placeholder.
	RemoteID string

	Classification Classification
	Action         Action

	// Applied reports whether the action actually ran (false on dry-run
	// and on failure).
	Applied bool

	// Diff holds the dry-run preview: a unified-style text diff, or a
	// short note for binary content.
	Diff string

	// BackupPath is set by conflict forks: where the losing local copy
	// was preserved (root-relative).
	BackupPath string

	// Err is the per-file failure, if any. Never fatal to the pass.
	Err error
}

// Failed reports whether the file's action failed.
func (r *FileResult) Failed() bool {
	return r.Err != nil
}

// Report collects the results of one reconciliation pass. The pass never
// aborts early because of one file's failure; everything lands here.
type Report struct {
	Results  []FileResult
	DryRun   bool
	Duration time.Duration

	// StartedAt is when the pass began.
	StartedAt time.Time
}

// Counts tallies the report by outcome.
func (r *Report) Counts() (synced, failed, conflicts, transfers int) {
	for i := range r.Results {
		res := &r.Results[i]
		switch {
		case res.Failed():
			failed++
		case res.Classification == ClassConflict:
			conflicts++
		case res.Action != ActionNone && res.Applied:
			synced++
		}
		if res.Applied && (res.Action == ActionUpload || res.Action == ActionDownload || res.Action == ActionConflictFork) {
			transfers++
		}
	}
	return
}

// Transfers returns the number of content transfers performed.
func (r *Report) Transfers() int {
	_, _, _, n := r.Counts()
	return n
}

// Failures returns the failed results.
func (r *Report) Failures() []FileResult {
	var out []FileResult
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

// Conflicts returns the conflict results.
func (r *Report) Conflicts() []FileResult {
	var out []FileResult
	for _, res := range r.Results {
		if res.Classification == ClassConflict {
			out = append(out, res)
		}
	}
	return out
}

// Summary renders a one-line human-readable pass summary.
func (r *Report) Summary() string {
	synced, failed, conflicts, transfers := r.Counts()
	mode := "applied"
	if r.DryRun {
		mode = "dry-run"
	}
	return fmt.Sprintf("%s: %d synced, %d conflicts, %d failed, %d transfers in %v",
		mode, synced, conflicts, failed, transfers, r.Duration.Round(time.Millisecond))
}

// previewDiff renders a unified-style diff between the current and proposed
// content of a text file. Binary content gets a size note instead.
func previewDiff(current, proposed []byte, fromLabel, toLabel string) string {
	if string(current) == string(proposed) {
		return ""
	}
	if isBinary(current) || isBinary(proposed) {
		return fmt.Sprintf("binary content differs (%d bytes -> %d bytes)", len(current), len(proposed))
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(current), string(proposed))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", fromLabel, toLabel)
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// isBinary reports whether data looks like non-text content.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
