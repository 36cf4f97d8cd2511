// Package inspect gathers the read-only facts the reconciler classifies:
// working tree status, the Base Pointer, the commits ahead of it and the
// package's patch set.
package inspect

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/schaermu/nq/internal/config"
	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/git"
	"github.com/schaermu/nq/internal/patchset"
	"github.com/schaermu/nq/internal/reconcile"
)

// Inspector queries a submodule without modifying it.
type Inspector struct {
	vcs   git.Client
	bases git.BaseResolver
}

// New creates an Inspector.
func New(vcs git.Client, bases git.BaseResolver) *Inspector {
	return &Inspector{vcs: vcs, bases: bases}
}

// Snapshot is everything observed about one package at one moment.
type Snapshot struct {
	Target  config.Target
	Gitlink git.Gitlink
	Set     *patchset.Set
	Report  reconcile.Report
}

// WorkingTreeStatus reports uncommitted changes and untracked files.
func (i *Inspector) WorkingTreeStatus(ctx context.Context, path string) (git.TreeStatus, error) {
	if _, err := i.vcs.Toplevel(ctx, path); err != nil {
		return git.TreeStatus{}, err
	}
	return i.vcs.Status(ctx, path)
}

// CommitsSince lists the commits reachable from HEAD but not from base,
// oldest first. It fails with ErrUnknownBase when base is not an ancestor
// of HEAD.
func (i *Inspector) CommitsSince(ctx context.Context, path, base string) ([]git.Commit, error) {
	head, err := i.vcs.Head(ctx, path)
	if err != nil {
		return nil, err
	}
	return i.commitsBetween(ctx, path, base, head)
}

func (i *Inspector) commitsBetween(ctx context.Context, path, base, head string) ([]git.Commit, error) {
	if head == base {
		return nil, nil
	}

	ok, err := i.vcs.IsAncestor(ctx, path, base, head)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an ancestor of HEAD %s", nqerrors.ErrUnknownBase, short(base), short(head))
	}

	return i.vcs.Log(ctx, path, base, head)
}

// ResolveDefaultBranch returns the branch remote advertises as its HEAD.
func (i *Inspector) ResolveDefaultBranch(ctx context.Context, path, remote string) (string, error) {
	return i.vcs.DefaultBranch(ctx, path, remote)
}

// Inspect gathers the facts for target and classifies them. Patch set
// problems and repository errors fail the inspection; a diverged history
// does not, it is reported as the Diverged state.
func (i *Inspector) Inspect(ctx context.Context, target config.Target) (*Snapshot, error) {
	log := clog.FromContext(ctx).With("package", target.Name)
	path := target.RepoPath

	status, err := i.WorkingTreeStatus(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", target.Name, err)
	}

	link, err := i.bases.BasePointer(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading base of %s: %w", target.Name, err)
	}

	head, err := i.vcs.Head(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading HEAD of %s: %w", target.Name, err)
	}

	set, err := patchset.Load(ctx, target.Workspace)
	if err != nil {
		return nil, err
	}

	facts := reconcile.Facts{
		Status:  status,
		Base:    link.Hash,
		Head:    head,
		Patches: set.Patches,
	}

	commits, err := i.commitsBetween(ctx, path, link.Hash, head)
	switch {
	case errors.Is(err, nqerrors.ErrUnknownBase):
		log.Warnf("Base %s is not an ancestor of HEAD %s", short(link.Hash), short(head))
		facts.Diverged = true
	case err != nil:
		return nil, fmt.Errorf("listing commits of %s: %w", target.Name, err)
	default:
		facts.Commits = commits
		if err := i.identify(ctx, path, &facts); err != nil {
			return nil, err
		}
	}

	report := reconcile.Classify(facts)
	log.Debugf("Package %s is %s (%d commits, %d patches, %d matched)",
		target.Name, report.State, len(facts.Commits), len(facts.Patches), report.Matched)

	return &Snapshot{
		Target:  target,
		Gitlink: link,
		Set:     set,
		Report:  report,
	}, nil
}

// identify computes patch-ids for commits and patches that no source
// commit hash ties together, so commits recreated by git am still match
// the patches they came from. Nothing is computed when hashes suffice.
func (i *Inspector) identify(ctx context.Context, path string, facts *reconcile.Facts) error {
	hashes := make(map[string]bool, len(facts.Commits))
	for _, c := range facts.Commits {
		hashes[c.Hash] = true
	}
	sources := make(map[string]bool, len(facts.Patches))
	for _, p := range facts.Patches {
		if p.SourceCommit != "" {
			sources[p.SourceCommit] = true
		}
	}

	var commits, patches []int
	for idx, c := range facts.Commits {
		if !sources[c.Hash] {
			commits = append(commits, idx)
		}
	}
	for idx, p := range facts.Patches {
		if !hashes[p.SourceCommit] {
			patches = append(patches, idx)
		}
	}
	if len(commits) == 0 || len(patches) == 0 {
		return nil
	}

	clog.FromContext(ctx).Debugf("Computing patch-ids for %d commits and %d patches", len(commits), len(patches))

	// Copy before mutating; the slices may be shared with the patch set.
	facts.Commits = append([]git.Commit(nil), facts.Commits...)
	facts.Patches = append([]patchset.Patch(nil), facts.Patches...)

	for _, idx := range commits {
		c := &facts.Commits[idx]
		content, err := i.vcs.GeneratePatch(ctx, path, c.Hash)
		if err != nil {
			return fmt.Errorf("rendering %s: %w", c.Short(), err)
		}
		if c.PatchID, err = i.vcs.PatchID(ctx, path, content); err != nil {
			return fmt.Errorf("patch-id of %s: %w", c.Short(), err)
		}
	}
	for _, idx := range patches {
		p := &facts.Patches[idx]
		content, err := p.Content()
		if err != nil {
			return fmt.Errorf("reading %s: %w", p.Name, err)
		}
		if p.PatchID, err = i.vcs.PatchID(ctx, path, content); err != nil {
			return fmt.Errorf("patch-id of %s: %w", p.Name, err)
		}
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
