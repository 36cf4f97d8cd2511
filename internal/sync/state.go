package sync

import (
	"github.com/schaermu/nq/internal/git"
	"github.com/schaermu/nq/internal/inspect"
	"github.com/schaermu/nq/internal/patchset"
	"github.com/schaermu/nq/internal/reconcile"
)

// Plan represents the operations an action performs
type Plan struct {
	Action reconcile.Action
	// From is the sync state the plan was computed from.
	From reconcile.State

	Export []ExportOp
	Apply  []patchset.Patch
	// ResetTo is the commit HEAD is moved to before anything else, empty
	// when no reset is needed.
	ResetTo string
	Fetch   *FetchOp

	// Stage lists parent-relative paths staged in the parent repository.
	Stage []string
	// CommitMessage is set when the parent repository gets a commit.
	CommitMessage string
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Export) == 0 && len(p.Apply) == 0 && p.ResetTo == "" && p.Fetch == nil
}

// ExportOp represents one commit written as a patch file
type ExportOp struct {
	Ordinal int
	Commit  git.Commit
	Name    string // file name inside the package workspace
}

// FetchOp represents the upstream update of a pull
type FetchOp struct {
	Remote string
	Branch string
	Tip    string // remote tip after fetching; empty in dry-run
}

// Result is the outcome of an action.
type Result struct {
	Plan   *Plan
	Before *inspect.Snapshot
	// After is the re-inspection that confirmed the post-condition; nil for
	// dry-runs and empty plans.
	After *inspect.Snapshot
}
