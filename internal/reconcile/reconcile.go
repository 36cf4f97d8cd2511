// Package reconcile classifies how a submodule's commits relate to its
// exported patch files and decides which actions are safe to run.
//
// Classification is pure: it works on Facts gathered elsewhere and is
// recomputed on every invocation, never stored.
package reconcile

import (
	"fmt"

	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/git"
	"github.com/schaermu/nq/internal/patchset"
)

// State is the sync state of one package.
type State int

const (
	Clean State = iota
	PendingExport
	PendingApply
	Dirty
	Mismatched
	Diverged
)

// States lists every state, in declaration order.
var States = []State{Clean, PendingExport, PendingApply, Dirty, Mismatched, Diverged}

func (s State) String() string {
	switch s {
	case Clean:
		return "Clean"
	case PendingExport:
		return "PendingExport"
	case PendingApply:
		return "PendingApply"
	case Dirty:
		return "Dirty"
	case Mismatched:
		return "Mismatched"
	case Diverged:
		return "Diverged"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Action is an operation the CLI can request.
type Action string

const (
	ActionStatus Action = "status"
	ActionExport Action = "export"
	ActionApply  Action = "apply"
	ActionReset  Action = "reset"
	ActionPull   Action = "pull"
)

// Facts are the observations classification is computed from.
type Facts struct {
	Status git.TreeStatus
	// Base is the Base Pointer recorded by the parent repository.
	Base string
	Head string
	// Diverged is set when Base is not an ancestor of Head. Commits is
	// meaningless in that case.
	Diverged bool
	// Commits ahead of Base, oldest first.
	Commits []git.Commit
	// Patches in ordinal order.
	Patches []patchset.Patch
}

// Divergence pinpoints the first position where commits and patches disagree.
type Divergence struct {
	// Index is zero-based; the patch at Index has ordinal Index+1.
	Index int
	// Commit is nil when the history ends before Index.
	Commit *git.Commit
	// Patch is nil when the patch set ends before Index.
	Patch *patchset.Patch
}

func (d *Divergence) String() string {
	commit := "no commit"
	if d.Commit != nil {
		commit = fmt.Sprintf("commit %s %q", d.Commit.Short(), d.Commit.Subject)
	}
	patch := "no patch"
	if d.Patch != nil {
		patch = "patch " + d.Patch.Name
	}
	return fmt.Sprintf("at position %d: %s vs %s", d.Index+1, commit, patch)
}

// Report is the result of classifying Facts.
type Report struct {
	State State
	Facts Facts
	// Matched is the length of the prefix where the Nth commit corresponds
	// to the Nth patch.
	Matched int
	// Divergence is set for Mismatched only.
	Divergence *Divergence
}

// Matches reports whether commit corresponds to patch: the patch was
// generated from this very commit, or (after git am rewrote the hash) both
// diffs share a stable patch-id and the subjects agree once reduced to what
// git am keeps of them.
func Matches(c git.Commit, p patchset.Patch) bool {
	if p.SourceCommit != "" && p.SourceCommit == c.Hash {
		return true
	}
	return c.PatchID != "" && c.PatchID == p.PatchID &&
		patchset.CanonicalSubject(c.Subject) == patchset.CanonicalSubject(p.Subject)
}

// Classify computes the sync state. Diverged wins over Dirty, and both win
// over any comparison of commits and patches.
func Classify(f Facts) Report {
	r := Report{Facts: f}

	switch {
	case f.Diverged:
		r.State = Diverged
		return r
	case !f.Status.Clean():
		r.State = Dirty
		return r
	}

	n, m := len(f.Commits), len(f.Patches)
	k := 0
	for k < n && k < m && Matches(f.Commits[k], f.Patches[k]) {
		k++
	}
	r.Matched = k

	switch {
	case n == 0:
		// Patches, if any, are all waiting to be applied.
		r.State = Clean
	case k == n && k == m:
		r.State = Clean
	case k == m:
		r.State = PendingExport
	case k == n:
		r.State = PendingApply
	default:
		r.State = Mismatched
		d := &Divergence{Index: k}
		if k < n {
			c := f.Commits[k]
			d.Commit = &c
		}
		if k < m {
			p := f.Patches[k]
			d.Patch = &p
		}
		r.Divergence = d
	}
	return r
}

// Unexported returns the commits no patch corresponds to, in commit order.
// Matching is by identity against the whole patch set, not by position.
func (r Report) Unexported() []git.Commit {
	if r.State == Diverged {
		return nil
	}
	var out []git.Commit
	for _, c := range r.Facts.Commits {
		found := false
		for _, p := range r.Facts.Patches {
			if Matches(c, p) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, c)
		}
	}
	return out
}

// Unapplied returns the patches apply would replay: every patch when no
// commits sit on top of the base, or the tail beyond the matched prefix in
// PendingApply.
func (r Report) Unapplied() []patchset.Patch {
	switch {
	case r.State == Clean && len(r.Facts.Commits) == 0:
		return r.Facts.Patches
	case r.State == PendingApply:
		return r.Facts.Patches[r.Matched:]
	default:
		return nil
	}
}

// InSync reports whether every commit corresponds to its patch and nothing
// is waiting to be exported or applied.
func (r Report) InSync() bool {
	return r.State == Clean && len(r.Facts.Commits) == len(r.Facts.Patches)
}

// BlockedError is returned when the sync state forbids an action.
type BlockedError struct {
	Action     Action
	State      State
	Divergence *Divergence
	// Commits lists the commits that would be lost, for UnexportedChanges.
	Commits []git.Commit
	Err     error
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("cannot %s: package is %s", e.Action, e.State)
	if e.Divergence != nil {
		msg += " " + e.Divergence.String()
	}
	if len(e.Commits) > 0 {
		msg += fmt.Sprintf(" (%d unexported commits, newest %s)", len(e.Commits), e.Commits[len(e.Commits)-1].Short())
	}
	return msg + ": " + e.Err.Error()
}

func (e *BlockedError) Unwrap() error {
	return e.Err
}

// Permit decides whether action may run from the reported state. A nil
// result means every precondition holds; otherwise the *BlockedError names
// the condition that blocks it.
func (r Report) Permit(action Action) error {
	if action == ActionStatus {
		return nil
	}

	blocked := func(err error) *BlockedError {
		return &BlockedError{Action: action, State: r.State, Divergence: r.Divergence, Err: err}
	}

	switch r.State {
	case Diverged:
		return blocked(nqerrors.ErrDiverged)
	case Dirty:
		return blocked(nqerrors.ErrDirtyTree)
	}

	switch action {
	case ActionExport:
		// Export only ever reports a dirty tree; the cause is kept as detail.
		switch r.State {
		case Clean, PendingExport:
			return nil
		case PendingApply:
			return blocked(fmt.Errorf("%w: %w", nqerrors.ErrDirtyTree, nqerrors.ErrUnappliedPatches))
		default:
			return blocked(fmt.Errorf("%w: %w", nqerrors.ErrDirtyTree, nqerrors.ErrMismatched))
		}

	case ActionApply:
		switch r.State {
		case Clean, PendingApply:
			return nil
		case PendingExport:
			return blocked(nqerrors.ErrUnexportedChanges)
		default:
			return blocked(nqerrors.ErrMismatched)
		}

	case ActionReset, ActionPull:
		switch r.State {
		case Clean:
			return nil
		case Mismatched:
			if lost := r.Unexported(); len(lost) > 0 {
				err := blocked(nqerrors.ErrUnexportedChanges)
				err.Commits = lost
				return err
			}
			return nil
		case PendingExport:
			err := blocked(nqerrors.ErrUnexportedChanges)
			err.Commits = r.Unexported()
			return err
		default:
			return blocked(nqerrors.ErrUnappliedPatches)
		}
	}

	return fmt.Errorf("unknown action %q", action)
}
