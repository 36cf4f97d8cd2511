package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"

	nqerrors "github.com/schaermu/nq/internal/errors"
)

// Commit identifies one commit of a submodule's history.
type Commit struct {
	Hash    string
	Subject string
	// PatchID is the stable patch-id of the commit's diff. It is only
	// populated when identity cannot be established by hash alone.
	PatchID string
}

// Short returns the abbreviated commit hash.
func (c Commit) Short() string {
	return shortHash(c.Hash)
}

// TreeStatus describes the working tree of a repository.
type TreeStatus struct {
	Modified  []string
	Untracked []string
	// Operation names an unfinished git operation (am, rebase, merge,
	// cherry-pick), empty when none is in progress.
	Operation string
}

// Clean reports whether the tree has no modifications, no untracked files
// and no operation in progress.
func (s TreeStatus) Clean() bool {
	return len(s.Modified) == 0 && len(s.Untracked) == 0 && s.Operation == ""
}

// ApplyReport describes a patch that git could not apply.
type ApplyReport struct {
	Output string
}

func (r *ApplyReport) Error() string {
	return fmt.Sprintf("%v: %s", nqerrors.ErrApplyConflict, strings.TrimSpace(r.Output))
}

func (r *ApplyReport) Unwrap() error {
	return nqerrors.ErrApplyConflict
}

// Client is the version-control capability consumed by the engine. Every
// path argument is a working tree directory.
type Client interface {
	// Toplevel returns the root of the working tree at path, failing with
	// ErrNotARepository unless path is itself that root.
	Toplevel(ctx context.Context, path string) (string, error)
	// Status reports uncommitted and untracked files.
	Status(ctx context.Context, path string) (TreeStatus, error)
	// Head returns the commit hash HEAD points to.
	Head(ctx context.Context, path string) (string, error)
	// ResolveRef resolves a revision to a commit hash.
	ResolveRef(ctx context.Context, path, ref string) (string, error)
	// Log returns the commits reachable from to but not from from, oldest first.
	Log(ctx context.Context, path, from, to string) ([]Commit, error)
	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, path, ancestor, descendant string) (bool, error)
	// GeneratePatch renders a single commit as an mbox patch.
	GeneratePatch(ctx context.Context, path, commit string) ([]byte, error)
	// PatchID computes the stable patch-id of patch content.
	PatchID(ctx context.Context, path string, patch []byte) (string, error)
	// ApplyPatch applies one mbox patch as a new commit. A patch that does
	// not apply yields an *ApplyReport.
	ApplyPatch(ctx context.Context, path string, patch []byte) error
	// ResetHard moves HEAD, index and working tree to commit.
	ResetHard(ctx context.Context, path, commit string) error
	// Fetch updates the remote-tracking refs of remote.
	Fetch(ctx context.Context, path, remote string) error
	// DefaultBranch returns the branch the remote's HEAD points to.
	DefaultBranch(ctx context.Context, path, remote string) (string, error)
	// ChangedFiles lists tracked files that differ from HEAD, relative to
	// the repository root.
	ChangedFiles(ctx context.Context, path string) ([]string, error)
	// Stage adds paths to the index.
	Stage(ctx context.Context, path string, paths ...string) error
	// Commit records the given paths with message.
	Commit(ctx context.Context, path, message string, paths ...string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Toplevel returns the working tree root and verifies path is that root.
func (c *ShellClient) Toplevel(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s does not exist", nqerrors.ErrNotARepository, path)
	}

	out, err := c.output(ctx, path, nil, "rev-parse", "--show-toplevel")
	if err != nil {
		if IsType(err, NotARepository) {
			return "", fmt.Errorf("%w: %s", nqerrors.ErrNotARepository, path)
		}
		return "", err
	}

	top := strings.TrimSpace(out)
	want, err := canonicalPath(path)
	if err != nil {
		return "", err
	}
	got, err := canonicalPath(top)
	if err != nil {
		return "", err
	}

	// An uninitialised submodule is an empty directory inside the parent
	// repository, where git happily resolves the parent instead.
	if got != want {
		return "", fmt.Errorf("%w: %s belongs to the repository at %s", nqerrors.ErrNotARepository, path, top)
	}
	return top, nil
}

// Status parses porcelain status output and detects unfinished operations.
func (c *ShellClient) Status(ctx context.Context, path string) (TreeStatus, error) {
	out, err := c.output(ctx, path, nil, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return TreeStatus{}, fmt.Errorf("git status failed: %w", err)
	}

	status := parsePorcelain(out)

	gitDir, err := c.output(ctx, path, nil, "rev-parse", "--git-dir")
	if err != nil {
		return TreeStatus{}, fmt.Errorf("git rev-parse --git-dir failed: %w", err)
	}
	status.Operation = operationInProgress(path, strings.TrimSpace(gitDir))
	return status, nil
}

// parsePorcelain parses `git status --porcelain=v1 -z` output.
func parsePorcelain(out string) TreeStatus {
	var status TreeStatus
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		code, file := entry[:2], entry[3:]
		switch {
		case code == "??":
			status.Untracked = append(status.Untracked, file)
		case code == "!!":
			// ignored files never make a tree dirty
		default:
			status.Modified = append(status.Modified, file)
			// Renames and copies carry the original path as the next entry.
			if code[0] == 'R' || code[0] == 'C' {
				i++
			}
		}
	}
	return status
}

// operationInProgress inspects the git directory for state files left by
// an interrupted operation.
func operationInProgress(path, gitDir string) string {
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(path, gitDir)
	}
	markers := []struct {
		name string
		op   string
	}{
		{name: "rebase-apply/applying", op: "am"},
		{name: "rebase-apply", op: "rebase"},
		{name: "rebase-merge", op: "rebase"},
		{name: "MERGE_HEAD", op: "merge"},
		{name: "CHERRY_PICK_HEAD", op: "cherry-pick"},
		{name: "REVERT_HEAD", op: "revert"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(gitDir, m.name)); err == nil {
			return m.op
		}
	}
	return ""
}

// Head returns the commit HEAD points to.
func (c *ShellClient) Head(ctx context.Context, path string) (string, error) {
	return c.ResolveRef(ctx, path, "HEAD")
}

// ResolveRef resolves ref to a full commit hash.
func (c *ShellClient) ResolveRef(ctx context.Context, path, ref string) (string, error) {
	out, err := c.output(ctx, path, nil, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("cannot resolve %q: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// Log lists from..to oldest first. An empty from lists every ancestor of to.
func (c *ShellClient) Log(ctx context.Context, path, from, to string) ([]Commit, error) {
	rng := to
	if from != "" {
		rng = from + ".." + to
	}
	out, err := c.output(ctx, path, nil, "log", "--reverse", "--format=%H%x00%s", rng, "--")
	if err != nil {
		if IsType(err, UnknownReference) {
			return nil, fmt.Errorf("%w: %s", nqerrors.ErrUnknownBase, rng)
		}
		return nil, fmt.Errorf("git log failed: %w", err)
	}

	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		hash, subject, _ := strings.Cut(line, "\x00")
		commits = append(commits, Commit{Hash: hash, Subject: subject})
	}
	return commits, nil
}

// IsAncestor runs merge-base --is-ancestor, which exits 1 for "no".
func (c *ShellClient) IsAncestor(ctx context.Context, path, ancestor, descendant string) (bool, error) {
	_, err := c.output(ctx, path, nil, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	if IsType(err, UnknownReference) {
		return false, fmt.Errorf("%w: %s is not a known commit", nqerrors.ErrUnknownBase, ancestor)
	}
	return false, fmt.Errorf("git merge-base failed: %w", err)
}

// GeneratePatch renders commit with the patience diff algorithm. The From
// line keeps the real commit hash so the patch records its source.
func (c *ShellClient) GeneratePatch(ctx context.Context, path, commit string) ([]byte, error) {
	out, err := c.output(ctx, path, nil,
		"format-patch", "-1", "--stdout", "--no-signature", "--diff-algorithm=patience", commit)
	if err != nil {
		return nil, fmt.Errorf("git format-patch failed for %s: %w", shortHash(commit), err)
	}
	return []byte(out), nil
}

// PatchID returns the stable patch-id of patch, or "" for an empty diff.
func (c *ShellClient) PatchID(ctx context.Context, path string, patch []byte) (string, error) {
	out, err := c.output(ctx, path, patch, "patch-id", "--stable")
	if err != nil {
		return "", fmt.Errorf("git patch-id failed: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// ApplyPatch applies patch with a three-way merge, reusing recorded
// conflict resolutions. A failed apply is left in place for the user.
func (c *ShellClient) ApplyPatch(ctx context.Context, path string, patch []byte) error {
	if _, err := c.output(ctx, path, nil, "config", "rerere.enabled", "true"); err != nil {
		return fmt.Errorf("enabling rerere failed: %w", err)
	}

	_, err := c.output(ctx, path, patch, "am", "--3way", "--rerere-autoupdate")
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) {
			return &ApplyReport{Output: strings.TrimSpace(execErr.StdOut + "\n" + execErr.StdErr)}
		}
		return fmt.Errorf("git am failed: %w", err)
	}
	return nil
}

// ResetHard discards local commits and changes back to commit.
func (c *ShellClient) ResetHard(ctx context.Context, path, commit string) error {
	clog.FromContext(ctx).Debugf("Resetting %s to %s", path, shortHash(commit))
	if _, err := c.output(ctx, path, nil, "reset", "--hard", commit); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

// Fetch fetches remote with pruning, using the configured credentials.
func (c *ShellClient) Fetch(ctx context.Context, path, remote string) error {
	url, err := c.remoteURL(ctx, path, remote)
	if err != nil {
		return err
	}

	clog.FromContext(ctx).Infof("Fetching %s from %s", remote, url)
	cmd := c.command(ctx, path, "fetch", "--prune", remote)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

var symrefPattern = regexp.MustCompile(`ref: refs/heads/(\S+)\s+HEAD`)

// DefaultBranch resolves refs/remotes/<remote>/HEAD, asking the remote when
// the local symbolic ref has never been set.
func (c *ShellClient) DefaultBranch(ctx context.Context, path, remote string) (string, error) {
	url, err := c.remoteURL(ctx, path, remote)
	if err != nil {
		return "", err
	}

	out, err := c.output(ctx, path, nil, "symbolic-ref", "--quiet", "refs/remotes/"+remote+"/HEAD")
	if err == nil {
		ref := strings.TrimSpace(out)
		if branch, ok := strings.CutPrefix(ref, "refs/remotes/"+remote+"/"); ok && branch != "" {
			return branch, nil
		}
	}

	clog.FromContext(ctx).Debugf("No local HEAD for %s, asking the remote", remote)
	cmd := c.command(ctx, path, "ls-remote", "--symref", remote, "HEAD")
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}
	stdout, err := c.capture(cmd, nil)
	if err != nil {
		return "", fmt.Errorf("git ls-remote failed: %w", err)
	}
	match := symrefPattern.FindStringSubmatch(stdout)
	if len(match) != 2 {
		return "", fmt.Errorf("%w: remote %s does not advertise a default branch", nqerrors.ErrNoRemote, remote)
	}
	return match[1], nil
}

// ChangedFiles lists tracked paths that differ from HEAD.
func (c *ShellClient) ChangedFiles(ctx context.Context, path string) ([]string, error) {
	if _, err := c.output(ctx, path, nil, "update-index", "-q", "--refresh"); err != nil {
		return nil, fmt.Errorf("git update-index failed: %w", err)
	}
	out, err := c.output(ctx, path, nil, "diff-index", "--name-only", "-z", "HEAD", "--")
	if err != nil {
		return nil, fmt.Errorf("git diff-index failed: %w", err)
	}
	var files []string
	for _, f := range strings.Split(out, "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// Stage adds paths to the index.
func (c *ShellClient) Stage(ctx context.Context, path string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := c.output(ctx, path, nil, args...); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// Commit commits only the given paths with message.
func (c *ShellClient) Commit(ctx context.Context, path, message string, paths ...string) error {
	args := append([]string{"commit", "-m", message, "--"}, paths...)
	if _, err := c.output(ctx, path, nil, args...); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

func (c *ShellClient) remoteURL(ctx context.Context, path, remote string) (string, error) {
	out, err := c.output(ctx, path, nil, "remote", "get-url", remote)
	if err != nil {
		if IsType(err, RemoteNotFound) || exitCode(err) == 2 {
			return "", fmt.Errorf("%w: %q", nqerrors.ErrNoRemote, remote)
		}
		return "", fmt.Errorf("git remote get-url failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// command builds a git command running in dir.
func (c *ShellClient) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	return cmd
}

// output runs git in dir, feeding stdin when non-nil, and returns stdout.
func (c *ShellClient) output(ctx context.Context, dir string, stdin []byte, args ...string) (string, error) {
	return c.capture(c.command(ctx, dir, args...), stdin)
}

func (c *ShellClient) capture(cmd *exec.Cmd, stdin []byte) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		return "", &ExecError{
			Type:   determineErrorType(stderr.String()),
			Args:   cmd.Args[3:],
			Err:    err,
			StdOut: stdout.String(),
			StdErr: stderr.String(),
		}
	}
	return stdout.String(), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels through the environment and a credential helper
		// reads it, so it never appears in a shell expression.
		cmd.Env = append(cmd.Env, "NQ_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$NQ_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ExecError{
			Type:   determineErrorType(string(output)),
			Args:   cmd.Args[1:],
			Err:    err,
			StdErr: string(output),
		}
	}
	return nil
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
