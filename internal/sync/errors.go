package sync

import (
	"fmt"

	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/reconcile"
)

// ConflictError reports the patch apply stopped at. Patches after it were
// never attempted; the tree is left as git am left it.
type ConflictError struct {
	Ordinal int
	Patch   string
	// Applied counts the patches applied before the conflict.
	Applied int
	Err     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("patch %d (%s) does not apply after %d applied patches; resolve with git am --continue or git am --abort: %v",
		e.Ordinal, e.Patch, e.Applied, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// PostConditionError reports a tree that did not end up in the expected
// state after an action. It is always fatal.
type PostConditionError struct {
	Action   reconcile.Action
	Expected string
	Observed string
}

func (e *PostConditionError) Error() string {
	return fmt.Sprintf("%v after %s: expected %s, observed %s", nqerrors.ErrPostConditionFailed, e.Action, e.Expected, e.Observed)
}

func (e *PostConditionError) Unwrap() error {
	return nqerrors.ErrPostConditionFailed
}
