// Package testutil builds throwaway git repositories for tests: an upstream
// repository, a parent project, and the parent's submodule cloned from the
// upstream.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Identity used for every commit made by tests.
const (
	TestName  = "Test"
	TestEmail = "test@test.com"
)

// SetIdentity pins author and committer identity for git processes spawned
// by the test, including those started by code under test.
func SetIdentity(t *testing.T) {
	t.Helper()
	t.Setenv("GIT_AUTHOR_NAME", TestName)
	t.Setenv("GIT_AUTHOR_EMAIL", TestEmail)
	t.Setenv("GIT_COMMITTER_NAME", TestName)
	t.Setenv("GIT_COMMITTER_EMAIL", TestEmail)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
}

// Git runs git in dir and returns trimmed stdout, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository in dir with branch as its initial branch.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-q", "-b", branch)
	Git(t, dir, "config", "user.email", TestEmail)
	Git(t, dir, "config", "user.name", TestName)
}

// WriteFile writes content to name inside dir, creating parents.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// CommitFile creates or overwrites a file, commits it and returns the new HEAD.
func CommitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()
	WriteFile(t, dir, name, content)
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "-q", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// Fixture is a parent project with one package whose submodule tracks Upstream.
type Fixture struct {
	// Upstream is the repository the submodule was cloned from.
	Upstream string
	// Parent is the root of the parent project (holds nq.toml).
	Parent string
	// Workspace is the package directory holding the patch files.
	Workspace string
	// Submodule is the submodule working tree.
	Submodule string
	// Base is the commit the parent records for the submodule.
	Base string
}

// NewSubmoduleFixture builds <parent>/<name>/<name> as a submodule of a fresh
// parent repository and commits it together with a minimal nq.toml.
func NewSubmoduleFixture(t *testing.T, name string) *Fixture {
	t.Helper()
	SetIdentity(t)

	root := t.TempDir()
	f := &Fixture{
		Upstream: filepath.Join(root, "upstream"),
		Parent:   filepath.Join(root, "project"),
	}
	f.Workspace = filepath.Join(f.Parent, name)
	f.Submodule = filepath.Join(f.Workspace, name)

	InitRepo(t, f.Upstream, "main")
	CommitFile(t, f.Upstream, "README.md", "upstream\n", "Initial commit")
	f.Base = CommitFile(t, f.Upstream, "src/lib.c", "int lib(void) { return 0; }\n", "Add lib")

	InitRepo(t, f.Parent, "main")
	WriteFile(t, f.Parent, "nq.toml", "[patches."+name+"]\n")
	Git(t, f.Parent, "add", "nq.toml")
	Git(t, f.Parent, "-c", "protocol.file.allow=always", "submodule", "add", "-q", f.Upstream, name+"/"+name)
	Git(t, f.Parent, "commit", "-q", "-m", "Add "+name)

	Git(t, f.Submodule, "config", "user.email", TestEmail)
	Git(t, f.Submodule, "config", "user.name", TestName)
	return f
}

// Head returns the submodule's HEAD commit.
func (f *Fixture) Head(t *testing.T) string {
	t.Helper()
	return Git(t, f.Submodule, "rev-parse", "HEAD")
}

// Commit makes a commit in the submodule touching name.
func (f *Fixture) Commit(t *testing.T, name, content, msg string) string {
	t.Helper()
	return CommitFile(t, f.Submodule, name, content, msg)
}
