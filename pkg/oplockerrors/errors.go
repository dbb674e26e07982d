// Package oplockerrors provides the error taxonomy for the oplock
// coordination core (spec.md §7). It follows the same ErrorCode+factory
// shape the rest of this tree's ancestor uses for its metadata store
// errors, extended with the break-protocol specific codes this core
// needs: malformed wire messages, in-flight break collisions, kernel
// refusals, and the fatal/shutdown cases that terminate the process.
package oplockerrors

import "fmt"

// ErrorCode identifies the taxonomy class an error belongs to.
type ErrorCode int

const (
	// ErrMalformed indicates an unparsable or wrong-length datagram.
	// Recovered at the point of occurrence: logged and dropped.
	ErrMalformed ErrorCode = iota + 1

	// ErrBreakInFlight indicates a second break was requested for a file
	// that already has a break awaiting acknowledgement. The provoking
	// open must be denied.
	ErrBreakInFlight

	// ErrKernelRefused indicates the kernel notification source declined
	// to set an oplock; the caller must not record the oplock.
	ErrKernelRefused

	// ErrIllegalTransition indicates an illegal oplock state transition
	// was requested (e.g. Exclusive -> Exclusive, None -> LevelII).
	ErrIllegalTransition

	// ErrTimeout indicates the transport timed out waiting for a message.
	ErrTimeout

	// ErrEOF indicates the peer connection is gone.
	ErrEOF

	// ErrIO indicates a transport I/O failure other than timeout/EOF.
	ErrIO

	// ErrNotLoopback indicates a datagram arrived from a non-loopback
	// source and was dropped.
	ErrNotLoopback
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrMalformed:
		return "Malformed"
	case ErrBreakInFlight:
		return "BreakInFlight"
	case ErrKernelRefused:
		return "KernelRefused"
	case ErrIllegalTransition:
		return "IllegalTransition"
	case ErrTimeout:
		return "Timeout"
	case ErrEOF:
		return "EOF"
	case ErrIO:
		return "IO"
	case ErrNotLoopback:
		return "NotLoopback"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// CoreError is a taxonomy-tagged error (spec.md §7's Transient/Malformed/
// Protocol classes). Fatal and Shutdown conditions are NOT represented by
// CoreError — see FatalError and ShutdownError below, which are never
// meant to be recovered.
type CoreError struct {
	Code    ErrorCode
	Message string
	Detail  string
}

func (e *CoreError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a CoreError with the given code and message.
func New(code ErrorCode, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Newf creates a CoreError with a formatted detail.
func Newf(code ErrorCode, message, detailFormat string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: message, Detail: fmt.Sprintf(detailFormat, args...)}
}

// Is reports whether err is a CoreError with the given code.
func Is(err error, code ErrorCode) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Code == code
}

// FatalError represents an invariant violation the rest of the system
// relies on: a negative counter, a missing fsp during our own break, a
// corrupted share entry, or failure to restore the saved user context.
// Per spec.md §7, Fatal errors are never recovered — the process that
// observes one must log it and terminate.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return "fatal oplock invariant violation: " + e.Reason
}

// Fatal constructs a FatalError.
func Fatal(reason string) *FatalError {
	return &FatalError{Reason: reason}
}

// ShutdownError represents a lost client connection (Eof/Io) observed
// during a break wait. The transport must be closed and the process
// must exit; this is never recovered.
type ShutdownError struct {
	Reason string
}

func (e *ShutdownError) Error() string {
	return "client connection lost during break wait: " + e.Reason
}

// Shutdown constructs a ShutdownError.
func Shutdown(reason string) *ShutdownError {
	return &ShutdownError{Reason: reason}
}
