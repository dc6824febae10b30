// Package herr classifies host errors into a small set of kinds so call
// sites can branch on failure class (retry, surface, abort) without string
// matching. Wrap with E(kind, err) or New(kind, msg); test with Is/KindOf.
package herr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of a host error.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Validation
	Unauthorized
	Timeout
	BackendUnavailable
	ContainerDied
	GitConflict
	PolicyDenied
	ApprovalNeeded
	ApprovalTimeout
	ParseError
)

var kindNames = map[Kind]string{
	Internal:           "internal",
	NotFound:           "not_found",
	Validation:         "validation",
	Unauthorized:       "unauthorized",
	Timeout:            "timeout",
	BackendUnavailable: "backend_unavailable",
	ContainerDied:      "container_died",
	GitConflict:        "git_conflict",
	PolicyDenied:       "policy_denied",
	ApprovalNeeded:     "approval_needed",
	ApprovalTimeout:    "approval_timeout",
	ParseError:         "parse_error",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "internal"
}

// Error carries a kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// E wraps err with a kind. Returns nil if err is nil.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == kind
}
