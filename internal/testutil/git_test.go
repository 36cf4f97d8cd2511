package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSubmoduleFixture(t *testing.T) {
	f := NewSubmoduleFixture(t, "lib")

	if _, err := os.Stat(filepath.Join(f.Submodule, "src", "lib.c")); err != nil {
		t.Fatalf("submodule not checked out: %v", err)
	}
	if got := f.Head(t); got != f.Base {
		t.Errorf("submodule HEAD = %s, want base %s", got, f.Base)
	}

	// The parent records the submodule at the base commit.
	entry := Git(t, f.Parent, "ls-tree", "HEAD", "lib/lib")
	if want := "160000 commit " + f.Base + "\tlib/lib"; entry != want {
		t.Errorf("ls-tree = %q, want %q", entry, want)
	}

	head := f.Commit(t, "patched.txt", "x\n", "Local change")
	if head == f.Base {
		t.Error("expected HEAD to move after commit")
	}
}
