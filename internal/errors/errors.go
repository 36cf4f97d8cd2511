// Package errors defines the sentinel errors shared by the reconciliation
// engine. Every failure surfaced to the user unwraps to exactly one of these,
// and the CLI maps each of them to a stable exit code.
package errors

import "errors"

// Sentinel errors for consistent error handling and exit code mapping
var (
	// ErrNotARepository indicates the submodule path is not its own git working tree.
	// Maps to exit code 6.
	ErrNotARepository = errors.New("not a git repository")

	// ErrUnknownBase indicates the Base Pointer is not an ancestor of HEAD,
	// or cannot be resolved at all. Maps to exit code 2.
	ErrUnknownBase = errors.New("base commit is not an ancestor of HEAD")

	// ErrMalformedPatchSet indicates patch ordinals have gaps, duplicates or
	// unparseable names. Maps to exit code 3.
	ErrMalformedPatchSet = errors.New("malformed patch set")

	// ErrOrdinalCollision indicates a patch file with the requested ordinal already exists.
	// Maps to exit code 3.
	ErrOrdinalCollision = errors.New("patch ordinal already exists")

	// ErrDirtyTree indicates uncommitted changes, untracked files or an
	// unfinished git operation in the working tree. Maps to exit code 2.
	ErrDirtyTree = errors.New("working tree has uncommitted changes")

	// ErrApplyConflict indicates a patch could not be applied cleanly.
	// Maps to exit code 4.
	ErrApplyConflict = errors.New("patch does not apply")

	// ErrUnexportedChanges indicates commits ahead of the base that have no
	// exported patch. Maps to exit code 2.
	ErrUnexportedChanges = errors.New("commits have not been exported")

	// ErrUnappliedPatches indicates patch files whose commits are not in the tree yet.
	// Maps to exit code 2.
	ErrUnappliedPatches = errors.New("patches have not been applied")

	// ErrMismatched indicates commits and patch files diverge in content.
	// Maps to exit code 2.
	ErrMismatched = errors.New("commits do not match patch files")

	// ErrPostConditionFailed indicates the tree was not in the expected state
	// after an action completed. Never retried. Maps to exit code 5.
	ErrPostConditionFailed = errors.New("post-condition failed")

	// ErrNoRemote indicates the submodule has no usable remote.
	// Maps to exit code 6.
	ErrNoRemote = errors.New("no remote configured")
)

// ErrDiverged is the name used when reporting the Diverged sync state.
var ErrDiverged = ErrUnknownBase

// Exit codes returned by the CLI.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitBlocked       = 2
	ExitPatchSet      = 3
	ExitConflict      = 4
	ExitPostCondition = 5
	ExitRepository    = 6
)

// ExitCode maps an error to the CLI exit code of its sentinel.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrPostConditionFailed):
		return ExitPostCondition
	case errors.Is(err, ErrApplyConflict):
		return ExitConflict
	case errors.Is(err, ErrMalformedPatchSet), errors.Is(err, ErrOrdinalCollision):
		return ExitPatchSet
	case errors.Is(err, ErrNotARepository), errors.Is(err, ErrNoRemote):
		return ExitRepository
	case errors.Is(err, ErrDirtyTree),
		errors.Is(err, ErrUnknownBase),
		errors.Is(err, ErrUnexportedChanges),
		errors.Is(err, ErrUnappliedPatches),
		errors.Is(err, ErrMismatched):
		return ExitBlocked
	default:
		return ExitFailure
	}
}
