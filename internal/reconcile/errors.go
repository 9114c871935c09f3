package reconcile

import (
	"context"
	"errors"
	"fmt"
)

type ResolveErrorReason uint8

const (
	ResolveErrorReasonUnknown ResolveErrorReason = iota + 1
	ResolveErrorReasonAuth
	ResolveErrorReasonNotFound
	ResolveErrorReasonNetwork
	ResolveErrorReasonTimeout
	ResolveErrorReasonInvalidReference
	ResolveErrorReasonRateLimited
)

func (r ResolveErrorReason) String() string {
	switch r {
	case ResolveErrorReasonUnknown:
		return "unknown"
	case ResolveErrorReasonAuth:
		return "auth"
	case ResolveErrorReasonNotFound:
		return "not_found"
	case ResolveErrorReasonNetwork:
		return "network"
	case ResolveErrorReasonTimeout:
		return "timeout"
	case ResolveErrorReasonInvalidReference:
		return "invalid_reference"
	case ResolveErrorReasonRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ResolveError reports a failed registry digest lookup.
type ResolveError struct {
	Image  string
	Reason ResolveErrorReason
	Err    error
}

func (e *ResolveError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("resolve %s: %s: %v", e.Image, e.Reason, e.Err)
}

func (e *ResolveError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient reports whether a later pass may succeed without operator action.
func (e *ResolveError) Transient() bool {
	if e == nil {
		return false
	}
	switch e.Reason {
	case ResolveErrorReasonNetwork, ResolveErrorReasonTimeout, ResolveErrorReasonRateLimited, ResolveErrorReasonUnknown:
		return true
	default:
		return false
	}
}

type UpdateErrorReason uint8

const (
	UpdateErrorReasonUnknown UpdateErrorReason = iota + 1
	UpdateErrorReasonRejected
	UpdateErrorReasonUnreachable
	UpdateErrorReasonTimeout
)

func (r UpdateErrorReason) String() string {
	switch r {
	case UpdateErrorReasonUnknown:
		return "unknown"
	case UpdateErrorReasonRejected:
		return "rejected"
	case UpdateErrorReasonUnreachable:
		return "unreachable"
	case UpdateErrorReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// UpdateError reports a service update the orchestrator did not accept.
type UpdateError struct {
	ServiceID string
	Image     string
	Reason    UpdateErrorReason
	Err       error
}

func (e *UpdateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("update service %s to %s: %s: %v", e.ServiceID, e.Image, e.Reason, e.Err)
}

func (e *UpdateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ListError reports that the orchestrator could not be enumerated. The pass
// is abandoned and retried on the next tick.
type ListError struct {
	Err error
}

func (e *ListError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("list services: %v", e.Err)
}

func (e *ListError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AsResolveError normalizes any resolver failure into a *ResolveError.
func AsResolveError(image string, err error) *ResolveError {
	if err == nil {
		return nil
	}
	var re *ResolveError
	if errors.As(err, &re) {
		return re
	}
	reason := ResolveErrorReasonUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ResolveErrorReasonTimeout
	}
	return &ResolveError{Image: image, Reason: reason, Err: err}
}

func asUpdateError(serviceID, image string, err error) *UpdateError {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue
	}
	reason := UpdateErrorReasonUnreachable
	if errors.Is(err, context.DeadlineExceeded) {
		reason = UpdateErrorReasonTimeout
	}
	return &UpdateError{ServiceID: serviceID, Image: image, Reason: reason, Err: err}
}
