package sandbox

import (
	"errors"
	"strings"
)

// Kind classifies an ExecutionError.
type Kind string

const (
	KindSpawn            Kind = "spawn_error"
	KindCapabilityDenied Kind = "capability_denied"
	KindNonZeroExit      Kind = "non_zero_exit"
	KindTimedOut         Kind = "timed_out"
	KindResultParse      Kind = "result_parse_error"
	KindStorageIO        Kind = "storage_io_error"
	KindCanceled         Kind = "canceled"
)

// ExecutionError describes a failed run.
type ExecutionError struct {
	Kind     Kind
	Message  string
	Stack    string // Interpreter stack or traceback, when one was printed.
	Output   string // Raw captured stdout for result parse failures.
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is matches the kind-only sentinels below.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	return ok && t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrSpawn            = &ExecutionError{Kind: KindSpawn}
	ErrCapabilityDenied = &ExecutionError{Kind: KindCapabilityDenied}
	ErrNonZeroExit      = &ExecutionError{Kind: KindNonZeroExit}
	ErrTimedOut         = &ExecutionError{Kind: KindTimedOut}
	ErrResultParse      = &ExecutionError{Kind: KindResultParse}
	ErrStorageIO        = &ExecutionError{Kind: KindStorageIO}
	ErrCanceled         = &ExecutionError{Kind: KindCanceled}
)

// NewError builds an ExecutionError wrapping err.
func NewError(kind Kind, message string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an ExecutionError.
func KindOf(err error) Kind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// capabilityMarkers are runtime messages for writes or reads outside the grant.
var capabilityMarkers = []string{
	"NotCapable",
	"PermissionDenied",
	"Requires write access",
	"Requires read access",
	"PermissionError",
	"Read-only file system",
}

// exitError turns a failed exit into an error whose message is the joined
// stderr. Runtime permission denials become KindCapabilityDenied.
func exitError(exitCode int, stderr []string) *ExecutionError {
	msg := strings.Join(stderr, "\n")
	kind := KindNonZeroExit
	for _, marker := range capabilityMarkers {
		if strings.Contains(msg, marker) {
			kind = KindCapabilityDenied
			break
		}
	}
	if msg == "" {
		msg = "process exited with non-zero status"
	}
	return &ExecutionError{
		Kind:     kind,
		Message:  msg,
		Stack:    stackLines(stderr),
		ExitCode: exitCode,
	}
}

// stackLines keeps JavaScript "at ..." frames and Python traceback frames.
func stackLines(stderr []string) string {
	var frames []string
	for _, line := range stderr {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "at ") || strings.HasPrefix(trimmed, "File \"") || strings.HasPrefix(line, "Traceback") {
			frames = append(frames, line)
		}
	}
	return strings.Join(frames, "\n")
}
