package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when an operation needs an open connection and there is none
	ErrNotConnected = errors.New("no open connection to the solution server")

	// ErrClientClosed is returned for calls issued after Dispose
	ErrClientClosed = errors.New("client is closed")

	// ErrNotAuthenticated is returned by the barrier before the first successful authentication
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ConfigurationError reports missing or malformed connection parameters.
// It is raised before any network call is attempted.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// AuthenticationError reports a rejected credential exchange or an exhausted refresh budget.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError reports a failure to open, handshake or reconnect the streaming channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteOperationError is raised when the server executed a tool and reported a logical failure.
type RemoteOperationError struct {
	Operation string
	Arguments map[string]interface{}
	Message   string
}

func (e *RemoteOperationError) Error() string {
	return fmt.Sprintf("remote operation %s failed: %s (arguments: %s)", e.Operation, e.Message, compactJSON(e.Arguments))
}

// ProtocolError reports a response payload that could not be decoded.
type ProtocolError struct {
	Operation string
	Payload   string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Operation, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ViolationKind distinguishes structural mismatches from value range violations.
type ViolationKind int

const (
	ShapeViolation ViolationKind = iota
	RangeViolation
)

func (k ViolationKind) String() string {
	if k == RangeViolation {
		return "range"
	}
	return "shape"
}

// ValidationError is raised when a well-formed payload does not match the operation's result schema.
type ValidationError struct {
	Operation string
	Payload   string
	Field     string
	Kind      ViolationKind
	Err       error
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "result of %s does not match schema (%s violation", e.Operation, e.Kind)
	if e.Field != "" {
		fmt.Fprintf(&sb, " at %s", e.Field)
	}
	fmt.Fprintf(&sb, "): %v", e.Err)
	return sb.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TimeoutError reports a tool invocation or credential exchange that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Phase     string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out during %s: %v", e.Operation, e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsRetryable reports whether a caller may reasonably retry the failed call
func IsRetryable(err error) bool {
	var transportErr *TransportError
	var timeoutErr *TimeoutError
	var remoteErr *RemoteOperationError
	return errors.As(err, &transportErr) || errors.As(err, &timeoutErr) || errors.As(err, &remoteErr)
}
