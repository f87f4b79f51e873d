// Package errs defines the error taxonomy shared by the daemon, VM and extension layers.
//
// Sentinels are matched with errors.Is. Typed errors carry detail and report
// their category through an Is method, so callers can branch on category
// without caring which concrete type produced it.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChannelClosed means the other end of a command or event channel is gone.
	ErrChannelClosed = errors.New("channel closed")
	// ErrProtocol means a response had an unexpected shape or carried an error.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout means an operation did not complete within its timeout.
	ErrTimeout = errors.New("timed out")
	// ErrExtensionUnavailable means the debuggee does not offer the extension in this run mode.
	ErrExtensionUnavailable = errors.New("extension unavailable")
	// ErrProcessGone means the watchdog found the subprocess dead.
	ErrProcessGone = errors.New("process gone")
	// ErrCancelled means a pending request was cancelled by channel teardown.
	ErrCancelled = errors.New("request cancelled")
	// ErrConnectionFailed means the VM connection could not be established.
	ErrConnectionFailed = errors.New("connection failed")
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// TimeoutError names the operation that timed out and the timeout that elapsed.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ProtocolError is an error response from the remote end, or a response that could not be understood.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: protocol error %d: %s", e.Method, e.Code, e.Message)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Malformed builds a ProtocolError for a response whose shape was wrong.
func Malformed(method, format string, args ...any) *ProtocolError {
	return &ProtocolError{Method: method, Message: fmt.Sprintf(format, args...)}
}

// ExtensionUnavailableError is a ProtocolError classified as "not supported in this run mode".
type ExtensionUnavailableError struct {
	Method string
	Cause  *ProtocolError
}

func (e *ExtensionUnavailableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("extension %s is not available", e.Method)
	}
	return fmt.Sprintf("extension %s is not available: %s", e.Method, e.Cause.Message)
}

func (e *ExtensionUnavailableError) Is(target error) bool {
	return target == ErrExtensionUnavailable || target == ErrProtocol
}

func (e *ExtensionUnavailableError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// ConnectionFailedError is returned when connecting to the VM service fails or times out.
type ConnectionFailedError struct {
	URL   string
	Cause error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.URL, e.Cause)
}

func (e *ConnectionFailedError) Is(target error) bool { return target == ErrConnectionFailed }

func (e *ConnectionFailedError) Unwrap() error { return e.Cause }

// CancelledError is delivered to pending requests when their channel is torn down.
// It matches both ErrCancelled and ErrChannelClosed.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCancelled, e.Reason)
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled || target == ErrChannelClosed
}

func Cancelled(reason string) error {
	return &CancelledError{Reason: reason}
}
