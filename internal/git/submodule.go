package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	nqerrors "github.com/schaermu/nq/internal/errors"
)

// Gitlink is the commit a parent repository records for a submodule.
type Gitlink struct {
	// ParentRoot is the working tree root of the enclosing repository.
	ParentRoot string
	// Path is the submodule path relative to ParentRoot, slash separated.
	Path string
	// Hash is the recorded commit, the submodule's Base Pointer.
	Hash string
}

// BaseResolver reads the Base Pointer of a submodule.
type BaseResolver interface {
	BasePointer(ctx context.Context, submodulePath string) (Gitlink, error)
}

// SubmoduleResolver implements BaseResolver by reading the gitlink entry
// from the parent repository's HEAD tree.
type SubmoduleResolver struct{}

// NewSubmoduleResolver creates a new SubmoduleResolver.
func NewSubmoduleResolver() *SubmoduleResolver {
	return &SubmoduleResolver{}
}

// BasePointer opens the repository enclosing submodulePath and returns the
// gitlink committed for it in HEAD. The parent's index and working tree are
// not consulted.
func (r *SubmoduleResolver) BasePointer(ctx context.Context, submodulePath string) (Gitlink, error) {
	abs, err := canonicalPath(submodulePath)
	if err != nil {
		return Gitlink{}, fmt.Errorf("%w: %s: %w", nqerrors.ErrNotARepository, submodulePath, err)
	}

	repo, err := gogit.PlainOpenWithOptions(filepath.Dir(abs), &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return Gitlink{}, fmt.Errorf("%w: no parent repository encloses %s", nqerrors.ErrUnknownBase, abs)
		}
		return Gitlink{}, fmt.Errorf("opening parent repository: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Gitlink{}, fmt.Errorf("getting parent worktree: %w", err)
	}
	root, err := canonicalPath(worktree.Filesystem.Root())
	if err != nil {
		return Gitlink{}, fmt.Errorf("resolving parent root: %w", err)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Gitlink{}, fmt.Errorf("%w: %s is not inside %s", nqerrors.ErrUnknownBase, abs, root)
	}
	rel = filepath.ToSlash(rel)

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Gitlink{}, fmt.Errorf("%w: parent repository %s has no commits", nqerrors.ErrUnknownBase, root)
		}
		return Gitlink{}, fmt.Errorf("getting parent HEAD: %w", err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Gitlink{}, fmt.Errorf("getting commit object: %w", err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return Gitlink{}, fmt.Errorf("getting tree: %w", err)
	}

	entry, err := tree.FindEntry(rel)
	if err != nil {
		if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return Gitlink{}, fmt.Errorf("%w: submodule %s is not recorded in the parent repository; commit .gitmodules and the submodule first",
				nqerrors.ErrUnknownBase, rel)
		}
		return Gitlink{}, fmt.Errorf("checking tree path %s: %w", rel, err)
	}
	if entry.Mode != filemode.Submodule {
		return Gitlink{}, fmt.Errorf("%w: %s is tracked by the parent repository as a %s, not a submodule",
			nqerrors.ErrNotARepository, rel, entry.Mode)
	}

	clog.FromContext(ctx).Debugf("Submodule %s is pinned to %s at parent commit %s", rel, shortHash(entry.Hash.String()), shortHash(head.Hash().String()))

	return Gitlink{
		ParentRoot: root,
		Path:       rel,
		Hash:       entry.Hash.String(),
	}, nil
}
