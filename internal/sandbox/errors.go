package sandbox

import "errors"

// Kind classifies why a command was refused or could not run.
type Kind string

const (
	KindEmptyCommand           Kind = "empty_command"
	KindForbiddenMetacharacter Kind = "forbidden_metacharacter"
	KindMalformedCommand       Kind = "malformed_command"
	KindVerbNotAllowed         Kind = "verb_not_allowed"
	KindPathEscapesSandbox     Kind = "path_escapes_sandbox"
	KindSpawnFailure           Kind = "spawn_failure"
)

// Sentinel errors, one per Kind. errors.Is(err, ErrVerbNotAllowed) matches any
// *Error carrying KindVerbNotAllowed.
var (
	ErrEmptyCommand           = errors.New("empty command")
	ErrForbiddenMetacharacter = errors.New("pipes/redirects/chaining not allowed")
	ErrMalformedCommand       = errors.New("malformed command")
	ErrVerbNotAllowed         = errors.New("command not allowed")
	ErrPathEscapesSandbox     = errors.New("path escapes sandbox")
	ErrSpawnFailure           = errors.New("failed to start process")
)

var kindSentinels = map[Kind]error{
	KindEmptyCommand:           ErrEmptyCommand,
	KindForbiddenMetacharacter: ErrForbiddenMetacharacter,
	KindMalformedCommand:       ErrMalformedCommand,
	KindVerbNotAllowed:         ErrVerbNotAllowed,
	KindPathEscapesSandbox:     ErrPathEscapesSandbox,
	KindSpawnFailure:           ErrSpawnFailure,
}

// Error is a validation or execution failure with a stable Kind.
// Validation kinds are always raised before any process is spawned.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // Underlying cause, if any.
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if s, ok := kindSentinels[e.Kind]; ok {
		return s.Error()
	}
	return string(e.Kind)
}

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

func (e *Error) Unwrap() error { return e.Err }

// IsValidation reports whether the kind is raised by the validator.
func (k Kind) IsValidation() bool {
	return k != KindSpawnFailure && k != ""
}

// KindOf returns the Kind of err, or "" when err is not a sandbox error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
