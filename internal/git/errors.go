package git

import (
	"errors"
	"regexp"
	"strings"
)

// ExecErrorType classifies a failed git invocation from its stderr.
type ExecErrorType int

const (
	Unknown ExecErrorType = iota
	NotARepository
	UnknownReference
	RemoteNotFound
	HTTPSAuthRequired
	RepositoryUnavailable
)

// ExecError is returned when a git command exits unsuccessfully.
type ExecError struct {
	Type   ExecErrorType
	Args   []string
	Err    error
	StdErr string
	StdOut string
}

func (e *ExecError) Error() string {
	b := new(strings.Builder)
	b.WriteString("git ")
	b.WriteString(strings.Join(e.Args, " "))
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if msg := strings.TrimSpace(e.StdErr); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsType reports whether err wraps an ExecError of the given type.
func IsType(err error, t ExecErrorType) bool {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Type == t
	}
	return false
}

// exitCode returns the process exit code carried by an ExecError, or -1.
func exitCode(err error) int {
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		return -1
	}
	var coder interface{ ExitCode() int }
	if errors.As(execErr.Err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

var notARemote = regexp.MustCompile(`fatal: '.*' does not appear to be a git repository`)

func determineErrorType(stdErr string) ExecErrorType {
	switch {
	case strings.Contains(stdErr, "not a git repository"):
		return NotARepository
	case strings.Contains(stdErr, "unknown revision or path not in the working tree"),
		strings.Contains(stdErr, "bad revision"),
		strings.Contains(stdErr, "Not a valid object name"),
		strings.Contains(stdErr, "Not a valid commit name"),
		strings.Contains(stdErr, "Needed a single revision"):
		return UnknownReference
	case strings.Contains(stdErr, "No such remote"),
		notARemote.MatchString(stdErr):
		return RemoteNotFound
	case strings.Contains(stdErr, "could not read Username"):
		return HTTPSAuthRequired
	case strings.Contains(stdErr, "Could not resolve host"):
		return RepositoryUnavailable
	}
	return Unknown
}
