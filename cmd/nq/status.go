package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/nq/internal/config"
	"github.com/schaermu/nq/internal/inspect"
	"github.com/schaermu/nq/internal/sync"
)

// maxConcurrentInspections bounds the git processes list runs at once.
const maxConcurrentInspections = 4

var statusCmd = &cobra.Command{
	Use:   "status [pkg]",
	Short: "Show how the submodule's commits relate to its patch files",
	Long: `Status inspects the submodule and reports its sync state:

  Clean          every commit on top of the pinned commit has a patch file
  PendingExport  some commits have no patch file yet (run "nq export")
  PendingApply   some patch files are not applied yet (run "nq apply")
  Mismatched     commits and patch files disagree at the reported position
  Dirty          the working tree has uncommitted changes or a git am in progress
  Diverged       HEAD does not descend from the pinned commit

Status never changes anything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var listCmd = &cobra.Command{
	Use:     "list [pkg]",
	Aliases: []string{"ls"},
	Short:   "List packages, or the patch files of one package",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runList,
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	target, err := s.target(args)
	if err != nil {
		return err
	}

	snap, err := sync.NewEngine(target, s.git, s.bases, s.logger, false).Status(s.ctx)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), snap)
	return nil
}

func printStatus(w io.Writer, snap *inspect.Snapshot) {
	report := snap.Report
	facts := report.Facts

	table := newTable(w, []string{"Package", "State", "Base", "HEAD", "Commits", "Patches"})
	_ = table.Append([]string{
		snap.Target.Name,
		report.State.String(),
		shortHash(facts.Base),
		shortHash(facts.Head),
		strconv.Itoa(len(facts.Commits)),
		strconv.Itoa(len(facts.Patches)),
	})
	_ = table.Render()

	if report.Divergence != nil {
		fmt.Fprintf(w, "\nfirst mismatch %s\n", report.Divergence)
	}
	if facts.Status.Operation != "" {
		fmt.Fprintf(w, "\ngit %s in progress\n", facts.Status.Operation)
	}
	for _, path := range facts.Status.Modified {
		fmt.Fprintf(w, "modified:  %s\n", path)
	}
	for _, path := range facts.Status.Untracked {
		fmt.Fprintf(w, "untracked: %s\n", path)
	}
	if unexported := report.Unexported(); len(unexported) > 0 {
		fmt.Fprintln(w, "\nunexported commits:")
		for _, c := range unexported {
			fmt.Fprintf(w, "  %s %s\n", c.Short(), c.Subject)
		}
	}
	if unapplied := report.Unapplied(); len(unapplied) > 0 {
		fmt.Fprintln(w, "\nunapplied patches:")
		for _, p := range unapplied {
			fmt.Fprintf(w, "  %s\n", p.Name)
		}
	}
}

// packageRow is one line of the package listing.
type packageRow struct {
	target config.Target
	snap   *inspect.Snapshot
	err    error
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		target, err := s.cfg.Target(args[0])
		if err != nil {
			return err
		}
		snap, err := sync.NewEngine(target, s.git, s.bases, s.logger, false).Status(s.ctx)
		if err != nil {
			return err
		}
		printPatches(cmd.OutOrStdout(), snap)
		return nil
	}

	rows, err := inspectAll(s.ctx, inspect.New(s.git, s.bases), s.cfg.Targets())
	if err != nil {
		return err
	}
	printPackages(cmd.OutOrStdout(), s.cfg.Dir, rows)
	return nil
}

// inspectAll inspects every package concurrently. A package that cannot be
// inspected gets its error in the listing instead of failing the others.
func inspectAll(ctx context.Context, insp *inspect.Inspector, targets []config.Target) ([]packageRow, error) {
	rows := make([]packageRow, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentInspections)
	for i, target := range targets {
		g.Go(func() error {
			snap, err := insp.Inspect(ctx, target)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rows[i] = packageRow{target: target, snap: snap, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func printPackages(w io.Writer, root string, rows []packageRow) {
	table := newTable(w, []string{"Package", "Aliases", "Submodule", "State", "Patches"})
	for _, row := range rows {
		path, err := filepath.Rel(root, row.target.RepoPath)
		if err != nil {
			path = row.target.RepoPath
		}
		state, patches := "error: "+errString(row.err), "-"
		if row.snap != nil {
			state = row.snap.Report.State.String()
			patches = strconv.Itoa(row.snap.Set.Len())
		}
		_ = table.Append([]string{row.target.Name, strings.Join(row.target.Aliases, ", "), path, state, patches})
	}
	_ = table.Render()
}

func printPatches(w io.Writer, snap *inspect.Snapshot) {
	if snap.Set.Len() == 0 {
		fmt.Fprintf(w, "%s has no patches\n", snap.Target.Name)
		return
	}
	table := newTable(w, []string{"#", "Subject", "Source", "File"})
	for _, p := range snap.Set.Patches {
		_ = table.Append([]string{strconv.Itoa(p.Ordinal), p.Subject, shortHash(p.SourceCommit), p.Name})
	}
	_ = table.Render()
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// newTable creates a markdown-style table with left aligned cells.
func newTable(w io.Writer, headers []string) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}
