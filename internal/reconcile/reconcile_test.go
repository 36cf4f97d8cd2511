package reconcile

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/git"
	"github.com/schaermu/nq/internal/patchset"
)

func commit(hash, subject string) git.Commit {
	return git.Commit{Hash: strings.Repeat(hash, 40)[:40], Subject: subject}
}

// patchFor builds the patch exported from c.
func patchFor(ordinal int, c git.Commit) patchset.Patch {
	name := patchset.FileName(ordinal, c.Subject)
	return patchset.Patch{Ordinal: ordinal, Subject: c.Subject, SourceCommit: c.Hash, Name: name}
}

var (
	c1 = commit("a", "First")
	c2 = commit("b", "Second")
	c3 = commit("c", "Third")
	c4 = commit("d", "Fourth")

	p1 = patchFor(1, c1)
	p2 = patchFor(2, c2)
	p3 = patchFor(3, c3)
)

func facts(commits []git.Commit, patches []patchset.Patch) Facts {
	return Facts{Commits: commits, Patches: patches}
}

func TestStateString(t *testing.T) {
	want := []string{"Clean", "PendingExport", "PendingApply", "Dirty", "Mismatched", "Diverged"}
	for i, s := range States {
		if s.String() != want[i] {
			t.Errorf("State(%d).String() = %s, want %s", i, s, want[i])
		}
	}
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("unexpected string for unknown state: %s", got)
	}
}

func TestMatches(t *testing.T) {
	// git am re-creates the commit under a new hash; patch-id and subject survive.
	reapplied := git.Commit{Hash: strings.Repeat("e", 40), Subject: "First", PatchID: "pid1"}
	withID := p1
	withID.PatchID = "pid1"

	tests := []struct {
		name  string
		c     git.Commit
		p     patchset.Patch
		match bool
	}{
		{"same source commit", c1, p1, true},
		{"different commit", c2, p1, false},
		{"reapplied with equal patch-id", reapplied, withID, true},
		{"patch-id without patch side", reapplied, p1, false},
		{"equal patch-id different subject", git.Commit{Hash: reapplied.Hash, Subject: "Other", PatchID: "pid1"}, withID, false},
		{"empty patch-ids never match", git.Commit{Hash: reapplied.Hash, Subject: "First"}, patchset.Patch{Subject: "First"}, false},
		{"git am dropped a bracketed tag", git.Commit{Hash: reapplied.Hash, Subject: "fix bug", PatchID: "pid1"}, patchset.Patch{Subject: "[core] fix bug", PatchID: "pid1"}, true},
		{"git am dropped a Re: prefix", git.Commit{Hash: reapplied.Hash, Subject: "fix thing", PatchID: "pid1"}, patchset.Patch{Subject: "Re: fix thing", PatchID: "pid1"}, true},
		{"tags do not hide a different subject", git.Commit{Hash: reapplied.Hash, Subject: "fix other", PatchID: "pid1"}, patchset.Patch{Subject: "[core] fix bug", PatchID: "pid1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.c, tt.p); got != tt.match {
				t.Errorf("Matches() = %v, want %v", got, tt.match)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		facts     Facts
		want      State
		matched   int
		unexp     int
		unapplied int
	}{
		{
			name:  "nothing at all",
			facts: facts(nil, nil),
			want:  Clean,
		},
		{
			name:      "patches but no commits ahead of base",
			facts:     facts(nil, []patchset.Patch{p1, p2, p3}),
			want:      Clean,
			unapplied: 3,
		},
		{
			name:    "commits and patches in lockstep",
			facts:   facts([]git.Commit{c1, c2}, []patchset.Patch{p1, p2}),
			want:    Clean,
			matched: 2,
		},
		{
			name:  "commits without any patch",
			facts: facts([]git.Commit{c1}, nil),
			want:  PendingExport,
			unexp: 1,
		},
		{
			name:    "new commits beyond the patch set",
			facts:   facts([]git.Commit{c1, c2}, []patchset.Patch{p1}),
			want:    PendingExport,
			matched: 1,
			unexp:   1,
		},
		{
			name:      "patches beyond the commits",
			facts:     facts([]git.Commit{c1}, []patchset.Patch{p1, p2, p3}),
			want:      PendingApply,
			matched:   1,
			unapplied: 2,
		},
		{
			name:    "same count different identities",
			facts:   facts([]git.Commit{c1, c4}, []patchset.Patch{p1, p2}),
			want:    Mismatched,
			matched: 1,
			unexp:   1,
		},
		{
			name:  "same commits in a different order",
			facts: facts([]git.Commit{c2, c1}, []patchset.Patch{p1, p2}),
			want:  Mismatched,
		},
		{
			name:  "extra commit in front of exported ones",
			facts: facts([]git.Commit{c4, c1}, []patchset.Patch{p1}),
			want:  Mismatched,
			unexp: 1,
		},
		{
			name: "dirty tree wins over comparison",
			facts: Facts{
				Status:  git.TreeStatus{Untracked: []string{"scratch.txt"}},
				Commits: []git.Commit{c1},
			},
			want:  Dirty,
			unexp: 1,
		},
		{
			name:  "am in progress is dirty",
			facts: Facts{Status: git.TreeStatus{Operation: "am"}},
			want:  Dirty,
		},
		{
			name: "diverged wins over dirty",
			facts: Facts{
				Status:   git.TreeStatus{Modified: []string{"src/lib.c"}},
				Diverged: true,
			},
			want: Diverged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.facts)
			if r.State != tt.want {
				t.Fatalf("Classify() state = %s, want %s", r.State, tt.want)
			}
			if r.Matched != tt.matched {
				t.Errorf("Matched = %d, want %d", r.Matched, tt.matched)
			}
			if got := len(r.Unexported()); got != tt.unexp {
				t.Errorf("len(Unexported()) = %d, want %d", got, tt.unexp)
			}
			if got := len(r.Unapplied()); got != tt.unapplied {
				t.Errorf("len(Unapplied()) = %d, want %d", got, tt.unapplied)
			}
			if (r.State == Mismatched) != (r.Divergence != nil) {
				t.Errorf("Divergence must be set exactly for Mismatched, got %v", r.Divergence)
			}
		})
	}
}

func TestClassify_Divergence(t *testing.T) {
	r := Classify(facts([]git.Commit{c1, c4, c3}, []patchset.Patch{p1, p2, p3}))
	if r.State != Mismatched {
		t.Fatalf("expected Mismatched, got %s", r.State)
	}

	want := &Divergence{Index: 1, Commit: &c4, Patch: &p2}
	if diff := cmp.Diff(want, r.Divergence); diff != "" {
		t.Errorf("divergence mismatch (-want +got):\n%s", diff)
	}

	msg := r.Divergence.String()
	for _, part := range []string{"position 2", c4.Short(), `"Fourth"`, p2.Name} {
		if !strings.Contains(msg, part) {
			t.Errorf("divergence %q does not mention %q", msg, part)
		}
	}
}

func TestClassify_DivergencePastEnd(t *testing.T) {
	// Patch set and history disagree at the first position and the history is shorter.
	r := Classify(facts([]git.Commit{c4}, []patchset.Patch{p1, p2}))
	if r.State != Mismatched {
		t.Fatalf("expected Mismatched, got %s", r.State)
	}
	if r.Divergence.Commit == nil || r.Divergence.Patch == nil {
		t.Fatalf("expected both sides at index 0, got %+v", r.Divergence)
	}

	d := &Divergence{Index: 3, Patch: &p1}
	if !strings.Contains(d.String(), "no commit") {
		t.Errorf("expected placeholder for missing commit: %s", d)
	}
}

func TestClassify_ReappliedCommits(t *testing.T) {
	// After reset+apply every commit has a new hash; patch-ids restore identity.
	withID := func(c git.Commit, hash, id string) git.Commit {
		c.Hash = strings.Repeat(hash, 40)
		c.PatchID = id
		return c
	}
	patchWithID := func(p patchset.Patch, id string) patchset.Patch {
		p.PatchID = id
		return p
	}

	r := Classify(facts(
		[]git.Commit{withID(c1, "1", "id1"), withID(c2, "2", "id2")},
		[]patchset.Patch{patchWithID(p1, "id1"), patchWithID(p2, "id2")},
	))
	if !r.InSync() {
		t.Errorf("expected reapplied commits to be in sync, got %s matched=%d", r.State, r.Matched)
	}
}

func TestPermit_ExportBlockedIsDirtyTree(t *testing.T) {
	tests := []struct {
		name   string
		facts  Facts
		detail error
	}{
		{"pending apply", facts([]git.Commit{c1}, []patchset.Patch{p1, p2}), nqerrors.ErrUnappliedPatches},
		{"mismatched", facts([]git.Commit{c2, c1}, []patchset.Patch{p1, p2}), nqerrors.ErrMismatched},
		{"dirty", Facts{Status: git.TreeStatus{Modified: []string{"x"}}}, nqerrors.ErrDirtyTree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.facts).Permit(ActionExport)
			if !errors.Is(err, nqerrors.ErrDirtyTree) {
				t.Errorf("Permit(export) = %v, want ErrDirtyTree", err)
			}
			if !errors.Is(err, tt.detail) {
				t.Errorf("Permit(export) = %v, want detail %v", err, tt.detail)
			}
			if got := nqerrors.ExitCode(err); got != nqerrors.ExitBlocked {
				t.Errorf("exit code = %d, want %d", got, nqerrors.ExitBlocked)
			}
		})
	}
}

func TestPermit(t *testing.T) {
	type want map[Action]error

	tests := []struct {
		name  string
		facts Facts
		want  want
	}{
		{
			name:  "clean and in sync",
			facts: facts([]git.Commit{c1}, []patchset.Patch{p1}),
			want:  want{ActionExport: nil, ActionApply: nil, ActionReset: nil, ActionPull: nil},
		},
		{
			name:  "clean with apply backlog",
			facts: facts(nil, []patchset.Patch{p1}),
			want:  want{ActionExport: nil, ActionApply: nil, ActionReset: nil, ActionPull: nil},
		},
		{
			name:  "pending export",
			facts: facts([]git.Commit{c1, c2}, []patchset.Patch{p1}),
			want: want{
				ActionExport: nil,
				ActionApply:  nqerrors.ErrUnexportedChanges,
				ActionReset:  nqerrors.ErrUnexportedChanges,
				ActionPull:   nqerrors.ErrUnexportedChanges,
			},
		},
		{
			name:  "pending apply",
			facts: facts([]git.Commit{c1}, []patchset.Patch{p1, p2}),
			want: want{
				ActionExport: nqerrors.ErrUnappliedPatches,
				ActionApply:  nil,
				ActionReset:  nqerrors.ErrUnappliedPatches,
				ActionPull:   nqerrors.ErrUnappliedPatches,
			},
		},
		{
			name:  "mismatched with every commit exported",
			facts: facts([]git.Commit{c2, c1}, []patchset.Patch{p1, p2}),
			want: want{
				ActionExport: nqerrors.ErrMismatched,
				ActionApply:  nqerrors.ErrMismatched,
				ActionReset:  nil,
				ActionPull:   nil,
			},
		},
		{
			name:  "mismatched with an unexported commit",
			facts: facts([]git.Commit{c1, c4}, []patchset.Patch{p1, p2}),
			want: want{
				ActionExport: nqerrors.ErrMismatched,
				ActionApply:  nqerrors.ErrMismatched,
				ActionReset:  nqerrors.ErrUnexportedChanges,
				ActionPull:   nqerrors.ErrUnexportedChanges,
			},
		},
		{
			name:  "dirty",
			facts: Facts{Status: git.TreeStatus{Untracked: []string{"x"}}},
			want: want{
				ActionExport: nqerrors.ErrDirtyTree,
				ActionApply:  nqerrors.ErrDirtyTree,
				ActionReset:  nqerrors.ErrDirtyTree,
				ActionPull:   nqerrors.ErrDirtyTree,
			},
		},
		{
			name:  "diverged",
			facts: Facts{Diverged: true},
			want: want{
				ActionExport: nqerrors.ErrDiverged,
				ActionApply:  nqerrors.ErrDiverged,
				ActionReset:  nqerrors.ErrDiverged,
				ActionPull:   nqerrors.ErrDiverged,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.facts)

			if err := r.Permit(ActionStatus); err != nil {
				t.Errorf("status must always be permitted, got %v", err)
			}

			for action, wantErr := range tt.want {
				err := r.Permit(action)
				if wantErr == nil {
					if err != nil {
						t.Errorf("Permit(%s) = %v, want nil", action, err)
					}
					continue
				}
				if !errors.Is(err, wantErr) {
					t.Errorf("Permit(%s) = %v, want %v", action, err, wantErr)
					continue
				}
				var blocked *BlockedError
				if !errors.As(err, &blocked) {
					t.Errorf("Permit(%s) returned %T, want *BlockedError", action, err)
					continue
				}
				if blocked.Action != action || blocked.State != r.State {
					t.Errorf("BlockedError names %s/%s, want %s/%s", blocked.Action, blocked.State, action, r.State)
				}
				if !strings.Contains(err.Error(), r.State.String()) {
					t.Errorf("message %q does not name the state", err)
				}
			}
		})
	}
}

func TestPermit_UnknownAction(t *testing.T) {
	if err := Classify(Facts{}).Permit(Action("rebase")); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestPermit_ResetNamesLostCommits(t *testing.T) {
	err := Classify(facts([]git.Commit{c1, c2, c3}, []patchset.Patch{p1})).Permit(ActionReset)

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %v", err)
	}
	if diff := cmp.Diff([]git.Commit{c2, c3}, blocked.Commits); diff != "" {
		t.Errorf("lost commits mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(err.Error(), c3.Short()) {
		t.Errorf("message %q should name the newest unexported commit", err)
	}
}

// No reset is permitted while any commit ahead of the base lacks a patch,
// for every prefix of exported commits.
func TestPermit_ResetNeverLosesCommits(t *testing.T) {
	history := []git.Commit{c1, c2, c3, c4}
	for n := 1; n <= len(history); n++ {
		commits := history[:n]
		for exported := 0; exported < n; exported++ {
			var patches []patchset.Patch
			for i, c := range commits[:exported] {
				patches = append(patches, patchFor(i+1, c))
			}
			err := Classify(facts(commits, patches)).Permit(ActionReset)
			if !errors.Is(err, nqerrors.ErrUnexportedChanges) {
				t.Errorf("commits=%d exported=%d: reset returned %v, want UnexportedChanges", n, exported, err)
			}
		}
	}
}

func TestPermit_MismatchedMessageNamesPair(t *testing.T) {
	err := Classify(facts([]git.Commit{c1, c4}, []patchset.Patch{p1, p2})).Permit(ActionExport)
	if err == nil {
		t.Fatal("expected export to be blocked")
	}
	for _, part := range []string{"Mismatched", "position 2", c4.Short(), p2.Name} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("message %q does not mention %q", err, part)
		}
	}
}
