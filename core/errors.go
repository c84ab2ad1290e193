package core

import (
	"context"
	"errors"
	"fmt"
)

// Boundary error codes. Their messages are the codes surfaced to callers.
var (
	ErrNoTarget             = errors.New("no-target")
	ErrNoCurrentTarget      = errors.New("no-current-target")
	ErrAllTargetsOverloaded = errors.New("all-targets-overloaded")
)

// Target-side signals that feed the retry path of a balanced call.
var (
	// ErrOverloaded is returned by a handler that is intentionally shedding load.
	ErrOverloaded = errors.New(OverloadMessage)

	// ErrTimeout marks an invocation attempt that exceeded its deadline.
	ErrTimeout = errors.New(TimeoutMessage)
)

const (
	// OverloadMessage is the wire signature of a controlled overload.
	OverloadMessage = "retry_later_err_overload"

	// TimeoutMessage is the wire signature of a timed out attempt.
	TimeoutMessage = "timeout"
)

// ErrRouterClosed is returned for calls on a closed router.
var ErrRouterClosed = errors.New("router closed")

// CallError represents a failed call for a pattern
type CallError struct {
	Op      string
	Pattern string
	Err     error
}

func (e *CallError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Pattern, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// RemoteError is an error reported by a handler on another node.
type RemoteError struct {
	Message        string `json:"message"`
	Name           string `json:"name,omitempty"`
	Code           string `json:"code,omitempty"`
	DetailsMessage string `json:"details_message,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.DetailsMessage != "" && e.DetailsMessage != e.Message {
		return fmt.Sprintf("remote %s: %s (%s)", e.name(), e.Message, e.DetailsMessage)
	}
	return fmt.Sprintf("remote %s: %s", e.name(), e.Message)
}

func (e *RemoteError) name() string {
	if e.Name == "" {
		return "Error"
	}
	return e.Name
}

// Is matches the overload and timeout sentinels by their wire signature, and
// the boundary codes by Code.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrOverloaded:
		return e.DetailsMessage == OverloadMessage || e.Message == OverloadMessage
	case ErrTimeout:
		return e.Message == TimeoutMessage
	case ErrNoTarget, ErrNoCurrentTarget, ErrAllTargetsOverloaded:
		return e.Code == target.Error()
	}
	return false
}

// IsRetryable reports whether err is a controlled overload or a timeout. Only
// these failures count against a target's health and trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
