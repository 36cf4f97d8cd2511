package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/schaermu/nq/internal/sync"
)

var (
	// Pull command flags
	pullMessage  string
	pullNoCommit bool
)

var exportCmd = &cobra.Command{
	Use:   "export [pkg]",
	Short: "Write a patch file for every new commit in the submodule",
	Long: `Export writes one numbered patch file per commit the submodule carries on top
of its pinned commit that has no patch file yet. Existing patch files are never
rewritten or renumbered, so running export twice in a row changes nothing.

New patch files are staged in the parent repository when possible.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEngine(func(ctx context.Context, e *sync.Engine) (*sync.Result, error) {
		return e.Export(ctx)
	}),
}

var applyCmd = &cobra.Command{
	Use:   "apply [pkg]",
	Short: "Apply the patch files the submodule does not contain yet",
	Long: `Apply replays the patch files that have no corresponding commit in the
submodule, in ordinal order, using git am with three-way merge.

On a conflict, apply stops at the failing patch and leaves git am in progress so
it can be resolved with "git am --continue" or abandoned with "git am --abort".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEngine(func(ctx context.Context, e *sync.Engine) (*sync.Result, error) {
		return e.Apply(ctx)
	}),
}

var resetCmd = &cobra.Command{
	Use:   "reset [pkg]",
	Short: "Reset the submodule to the commit the parent repository pins",
	Long: `Reset discards the submodule's local commits by moving HEAD back to the commit
recorded in the parent repository. It refuses to run while any of those commits
has not been exported to a patch file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEngine(func(ctx context.Context, e *sync.Engine) (*sync.Result, error) {
		return e.Reset(ctx)
	}),
}

var pullCmd = &cobra.Command{
	Use:   "pull [pkg]",
	Short: "Update the submodule to the latest upstream commit",
	Long: `Pull resets the submodule to its pinned commit, fetches the remote, fast-forwards
to the remote's default branch and commits the new pointer in the parent
repository. Patches are not re-applied; run "nq apply" afterwards.

Pull refuses to run while local commits are unexported, while patch files are
unapplied, when the parent repository has uncommitted changes, or when the
remote history does not contain the pinned commit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEngine(func(ctx context.Context, e *sync.Engine) (*sync.Result, error) {
		return e.Pull(ctx, sync.PullOptions{Message: pullMessage, NoCommit: pullNoCommit})
	}),
}

// runEngine wraps an engine action as a cobra RunE for one package.
func runEngine(action func(context.Context, *sync.Engine) (*sync.Result, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		target, err := s.target(args)
		if err != nil {
			return err
		}
		engine := sync.NewEngine(target, s.git, s.bases, s.logger, dryRun)
		// Signals must not stop an action between two git steps.
		res, err := action(context.WithoutCancel(s.ctx), engine)
		if err != nil {
			s.logger.Debug("action failed", "package", target.Name, "error", err)
			return err
		}
		printResult(cmd.OutOrStdout(), res, dryRun)
		return nil
	}
}

// printResult summarizes what an action did, or would do in a dry-run.
func printResult(w io.Writer, res *sync.Result, dryRun bool) {
	plan := res.Plan
	verb := func(done, planned string) string {
		if dryRun {
			return "would " + planned
		}
		return done
	}

	switch {
	case len(plan.Export) > 0:
		for _, op := range plan.Export {
			fmt.Fprintf(w, "%s %s (%s %s)\n", verb("exported", "export"), op.Name, op.Commit.Short(), op.Commit.Subject)
		}
	case len(plan.Apply) > 0:
		for _, p := range plan.Apply {
			fmt.Fprintf(w, "%s %s\n", verb("applied", "apply"), p.Name)
		}
	case plan.Fetch != nil:
		printPull(w, res, verb)
		return
	case plan.ResetTo != "":
		fmt.Fprintf(w, "%s %s\n", verb("reset to", "reset to"), shortHash(plan.ResetTo))
	default:
		fmt.Fprintf(w, "nothing to %s, package is %s\n", plan.Action, plan.From)
		return
	}

	if len(plan.Stage) > 0 {
		fmt.Fprintf(w, "staged %d files in the parent repository\n", len(plan.Stage))
	}
}

func printPull(w io.Writer, res *sync.Result, verb func(string, string) string) {
	plan := res.Plan
	fetch := plan.Fetch
	base := res.Before.Report.Facts.Base

	if plan.ResetTo != "" {
		fmt.Fprintf(w, "%s %s\n", verb("reset to", "reset to"), shortHash(plan.ResetTo))
	}
	if fetch.Tip == "" {
		fmt.Fprintf(w, "%s %s and fast-forward to %s/%s\n", verb("fetched", "fetch"), fetch.Remote, fetch.Remote, fetch.Branch)
	} else if fetch.Tip == base {
		fmt.Fprintf(w, "already up to date with %s/%s at %s\n", fetch.Remote, fetch.Branch, shortHash(base))
		return
	} else {
		fmt.Fprintf(w, "fast-forwarded to %s/%s: %s..%s\n", fetch.Remote, fetch.Branch, shortHash(base), shortHash(fetch.Tip))
	}

	switch {
	case plan.CommitMessage != "":
		fmt.Fprintf(w, "%s %q in the parent repository\n", verb("committed", "commit"), plan.CommitMessage)
	case len(plan.Stage) > 0:
		fmt.Fprintf(w, "%s %s in the parent repository\n", verb("staged", "stage"), plan.Stage[0])
	}
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
