// Package sync executes reconciliation actions. Every action inspects the
// package, asks the reconciler for permission, runs one VCS sequence and
// re-inspects to confirm the expected post-condition.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/schaermu/nq/internal/config"
	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/git"
	"github.com/schaermu/nq/internal/inspect"
	"github.com/schaermu/nq/internal/patchset"
	"github.com/schaermu/nq/internal/reconcile"
)

// Engine runs actions against one package
type Engine struct {
	target    config.Target
	git       git.Client
	inspector *inspect.Inspector
	logger    *slog.Logger
	dryRun    bool
}

// NewEngine creates a new engine for target
func NewEngine(target config.Target, gitClient git.Client, bases git.BaseResolver, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		target:    target,
		git:       gitClient,
		inspector: inspect.New(gitClient, bases),
		logger:    logger.With("package", target.Name),
		dryRun:    dryRun,
	}
}

// PullOptions configures the parent repository commit made by Pull.
type PullOptions struct {
	// Message overrides the default "Update <pkg> to latest".
	Message string
	// NoCommit stages the new submodule pointer without committing it.
	NoCommit bool
}

// Status inspects the package without changing anything.
func (e *Engine) Status(ctx context.Context) (*inspect.Snapshot, error) {
	return e.inspector.Inspect(ctx, e.target)
}

// prepare inspects the package and checks that action is permitted.
func (e *Engine) prepare(ctx context.Context, action reconcile.Action) (*inspect.Snapshot, error) {
	snap, err := e.inspector.Inspect(ctx, e.target)
	if err != nil {
		return nil, err
	}
	e.logger.Info("inspected package",
		"action", action,
		"state", snap.Report.State.String(),
		"base", short(snap.Report.Facts.Base),
		"head", short(snap.Report.Facts.Head),
		"commits", len(snap.Report.Facts.Commits),
		"patches", len(snap.Report.Facts.Patches))

	if err := snap.Report.Permit(action); err != nil {
		return nil, err
	}
	return snap, nil
}

// Export writes a patch for every commit ahead of the base that no patch
// corresponds to yet. Existing patches are never touched.
func (e *Engine) Export(ctx context.Context) (*Result, error) {
	snap, err := e.prepare(ctx, reconcile.ActionExport)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Action: reconcile.ActionExport, From: snap.Report.State}
	next := snap.Set.NextOrdinal()
	for i, c := range snap.Report.Unexported() {
		ordinal := next + i
		plan.Export = append(plan.Export, ExportOp{
			Ordinal: ordinal,
			Commit:  c,
			Name:    patchset.FileName(ordinal, c.Subject),
		})
	}

	res := &Result{Plan: plan, Before: snap}
	e.logger.Info("export plan", "export", len(plan.Export), "next_ordinal", next)
	if plan.Empty() {
		e.logger.Info("nothing to export")
		return res, nil
	}
	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	var written []string
	for _, op := range plan.Export {
		p, err := patchset.Write(ctx, e.target.Workspace, op.Ordinal, e.target.RepoPath, op.Commit, e.git)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", op.Commit.Short(), err)
		}
		e.logger.Info("exported patch", "ordinal", p.Ordinal, "file", p.Name, "commit", op.Commit.Short())
		written = append(written, p.Path)
	}

	e.stagePatches(ctx, snap.Gitlink.ParentRoot, written, plan)

	after, err := e.verify(ctx, reconcile.ActionExport, func(after *inspect.Snapshot) (string, string, bool) {
		want := snap.Set.Len() + len(written)
		got := after.Set.Len()
		if got != want || !after.Report.InSync() {
			return fmt.Sprintf("%d patches in sync with the commits", want),
				fmt.Sprintf("%d patches, state %s", got, after.Report.State), false
		}
		return "", "", true
	})
	if err != nil {
		return nil, err
	}
	res.After = after
	return res, nil
}

// stagePatches adds newly written patches to the parent index. Failure only
// warns: the patches are already safely on disk.
func (e *Engine) stagePatches(ctx context.Context, parentRoot string, paths []string, plan *Plan) {
	if parentRoot == "" {
		return
	}
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(parentRoot, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			e.logger.Warn("patch is outside the parent repository, not staging", "file", p)
			return
		}
		rels = append(rels, filepath.ToSlash(rel))
	}
	if err := e.git.Stage(ctx, parentRoot, rels...); err != nil {
		e.logger.Warn("failed to stage patches in parent repository", "error", err)
		return
	}
	plan.Stage = rels
}

// Apply replays the patches the tree does not contain yet, in ordinal
// order, stopping at the first one that does not apply.
func (e *Engine) Apply(ctx context.Context) (*Result, error) {
	snap, err := e.prepare(ctx, reconcile.ActionApply)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Action: reconcile.ActionApply, From: snap.Report.State, Apply: snap.Report.Unapplied()}
	res := &Result{Plan: plan, Before: snap}
	e.logger.Info("apply plan", "apply", len(plan.Apply))
	if plan.Empty() {
		e.logger.Info("nothing to apply")
		return res, nil
	}
	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	for i, p := range plan.Apply {
		content, err := p.Content()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p.Name, err)
		}
		e.logger.Info("applying patch", "ordinal", p.Ordinal, "file", p.Name)
		if err := e.git.ApplyPatch(ctx, e.target.RepoPath, content); err != nil {
			if errors.Is(err, nqerrors.ErrApplyConflict) {
				return nil, &ConflictError{Ordinal: p.Ordinal, Patch: p.Name, Applied: i, Err: err}
			}
			return nil, fmt.Errorf("failed to apply %s: %w", p.Name, err)
		}
	}

	before := len(snap.Report.Facts.Commits)
	after, err := e.verify(ctx, reconcile.ActionApply, func(after *inspect.Snapshot) (string, string, bool) {
		want := before + len(plan.Apply)
		got := len(after.Report.Facts.Commits)
		if got != want || !after.Report.InSync() {
			return fmt.Sprintf("%d commits in sync with the patches", want),
				fmt.Sprintf("%d commits, state %s", got, after.Report.State), false
		}
		return "", "", true
	})
	if err != nil {
		return nil, err
	}
	res.After = after
	return res, nil
}

// Reset moves HEAD back to the base, discarding local commits. It is only
// permitted when every one of them is captured in a patch.
func (e *Engine) Reset(ctx context.Context) (*Result, error) {
	snap, err := e.prepare(ctx, reconcile.ActionReset)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Action: reconcile.ActionReset, From: snap.Report.State}
	base := snap.Report.Facts.Base
	if snap.Report.Facts.Head != base {
		plan.ResetTo = base
	}

	res := &Result{Plan: plan, Before: snap}
	if plan.Empty() {
		e.logger.Info("HEAD already at base", "base", short(base))
		return res, nil
	}
	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	if err := e.resetTo(ctx, base); err != nil {
		return nil, err
	}

	after, err := e.verify(ctx, reconcile.ActionReset, headAt(base))
	if err != nil {
		return nil, err
	}
	res.After = after
	return res, nil
}

func (e *Engine) resetTo(ctx context.Context, commit string) error {
	e.logger.Info("resetting", "commit", short(commit))
	if err := e.git.ResetHard(ctx, e.target.RepoPath, commit); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", short(commit), err)
	}
	return nil
}

// Pull resets to the base, fast-forwards the submodule to the remote's
// default branch and records the new pointer in the parent repository.
// Every precondition is checked before the fetch.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) (*Result, error) {
	snap, err := e.prepare(ctx, reconcile.ActionPull)
	if err != nil {
		return nil, err
	}
	if err := e.checkParentClean(ctx, snap.Gitlink); err != nil {
		return nil, err
	}

	message := opts.Message
	if message == "" {
		message = fmt.Sprintf("Update %s to latest", e.target.Name)
	}

	base := snap.Report.Facts.Base
	plan := &Plan{
		Action: reconcile.ActionPull,
		From:   snap.Report.State,
		Fetch:  &FetchOp{Remote: e.target.Remote},
		Stage:  []string{snap.Gitlink.Path},
	}
	if snap.Report.Facts.Head != base {
		plan.ResetTo = base
	}
	if !opts.NoCommit {
		plan.CommitMessage = message
	}
	res := &Result{Plan: plan, Before: snap}

	if e.dryRun {
		if branch, err := e.inspector.ResolveDefaultBranch(ctx, e.target.RepoPath, e.target.Remote); err == nil {
			plan.Fetch.Branch = branch
		}
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	e.logger.Info("fetching", "remote", e.target.Remote)
	if err := e.git.Fetch(ctx, e.target.RepoPath, e.target.Remote); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", e.target.Remote, err)
	}
	branch, err := e.inspector.ResolveDefaultBranch(ctx, e.target.RepoPath, e.target.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve default branch: %w", err)
	}
	tip, err := e.git.ResolveRef(ctx, e.target.RepoPath, e.target.Remote+"/"+branch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s/%s: %w", e.target.Remote, branch, err)
	}
	plan.Fetch.Branch = branch
	plan.Fetch.Tip = tip

	ff, err := e.git.IsAncestor(ctx, e.target.RepoPath, base, tip)
	if err != nil {
		return nil, err
	}
	if !ff {
		return nil, fmt.Errorf("%w: %s/%s (%s) does not contain base %s; refusing a non fast-forward pull",
			nqerrors.ErrDiverged, e.target.Remote, branch, short(tip), short(base))
	}

	if plan.ResetTo != "" {
		if err := e.resetTo(ctx, base); err != nil {
			return nil, err
		}
		if _, err := e.verify(ctx, reconcile.ActionReset, headAt(base)); err != nil {
			return nil, err
		}
	}

	if tip == base {
		e.logger.Info("already up to date", "remote", e.target.Remote, "branch", branch, "commit", short(tip))
		plan.Stage = nil
		plan.CommitMessage = ""
		after, err := e.verify(ctx, reconcile.ActionPull, headAt(tip))
		if err != nil {
			return nil, err
		}
		res.After = after
		return res, nil
	}

	e.logger.Info("fast-forwarding", "from", short(base), "to", short(tip), "branch", branch)
	if err := e.resetTo(ctx, tip); err != nil {
		return nil, err
	}

	parent := snap.Gitlink.ParentRoot
	if opts.NoCommit {
		if err := e.git.Stage(ctx, parent, snap.Gitlink.Path); err != nil {
			return nil, fmt.Errorf("failed to stage %s in parent repository: %w", snap.Gitlink.Path, err)
		}
		e.logger.Info("staged submodule pointer", "path", snap.Gitlink.Path)
	} else {
		if err := e.git.Commit(ctx, parent, message, snap.Gitlink.Path); err != nil {
			return nil, fmt.Errorf("failed to commit %s in parent repository: %w", snap.Gitlink.Path, err)
		}
		e.logger.Info("committed submodule pointer", "path", snap.Gitlink.Path, "message", message)
	}

	if opts.NoCommit {
		// The recorded base only moves once the parent commit is made.
		head, err := e.git.Head(ctx, e.target.RepoPath)
		if err != nil {
			return nil, &PostConditionError{Action: reconcile.ActionPull, Expected: "HEAD at " + short(tip), Observed: err.Error()}
		}
		if head != tip {
			return nil, &PostConditionError{Action: reconcile.ActionPull, Expected: "HEAD at " + short(tip), Observed: "HEAD at " + short(head)}
		}
		return res, nil
	}

	after, err := e.verify(ctx, reconcile.ActionPull, func(after *inspect.Snapshot) (string, string, bool) {
		f := after.Report.Facts
		if f.Head != tip || f.Base != tip {
			return "HEAD and base at " + short(tip),
				fmt.Sprintf("HEAD at %s, base at %s", short(f.Head), short(f.Base)), false
		}
		return "", "", true
	})
	if err != nil {
		return nil, err
	}
	res.After = after
	return res, nil
}

// checkParentClean refuses to pull while the parent repository has tracked
// changes other than the submodule pointer itself.
func (e *Engine) checkParentClean(ctx context.Context, link git.Gitlink) error {
	changed, err := e.git.ChangedFiles(ctx, link.ParentRoot)
	if err != nil {
		return fmt.Errorf("failed to check parent repository: %w", err)
	}
	var dirty []string
	for _, path := range changed {
		if path != link.Path {
			dirty = append(dirty, path)
		}
	}
	if len(dirty) > 0 {
		return fmt.Errorf("%w: parent repository %s has uncommitted changes: %v", nqerrors.ErrDirtyTree, link.ParentRoot, dirty)
	}
	return nil
}

// check compares a re-inspection against an action's expectation.
type check func(after *inspect.Snapshot) (expected, observed string, ok bool)

func headAt(commit string) check {
	return func(after *inspect.Snapshot) (string, string, bool) {
		if head := after.Report.Facts.Head; head != commit {
			return "HEAD at " + short(commit), "HEAD at " + short(head), false
		}
		return "", "", true
	}
}

// verify re-inspects the package after an action. Any disagreement, or an
// inspection that fails outright, is a PostConditionError.
func (e *Engine) verify(ctx context.Context, action reconcile.Action, c check) (*inspect.Snapshot, error) {
	after, err := e.inspector.Inspect(ctx, e.target)
	if err != nil {
		return nil, &PostConditionError{Action: action, Expected: "a consistent package", Observed: err.Error()}
	}
	if expected, observed, ok := c(after); !ok {
		e.logger.Error("post-condition failed", "action", action, "expected", expected, "observed", observed)
		return nil, &PostConditionError{Action: action, Expected: expected, Observed: observed}
	}
	e.logger.Info("action completed", "action", action, "state", after.Report.State.String())
	return after, nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, op := range plan.Export {
		e.logger.Info("[dry-run] would export", "ordinal", op.Ordinal, "file", op.Name, "commit", op.Commit.Short())
	}
	for _, p := range plan.Apply {
		e.logger.Info("[dry-run] would apply", "ordinal", p.Ordinal, "file", p.Name)
	}
	if plan.ResetTo != "" {
		e.logger.Info("[dry-run] would reset", "commit", short(plan.ResetTo))
	}
	if plan.Fetch != nil {
		e.logger.Info("[dry-run] would fetch and fast-forward", "remote", plan.Fetch.Remote, "branch", plan.Fetch.Branch)
	}
	if plan.CommitMessage != "" {
		e.logger.Info("[dry-run] would commit in parent repository", "paths", plan.Stage, "message", plan.CommitMessage)
	} else if len(plan.Stage) > 0 {
		e.logger.Info("[dry-run] would stage in parent repository", "paths", plan.Stage)
	}
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
