package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrClaimed        = errors.New("claimed by another worker")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")

	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrPayloadInvalid   = errors.New("webhook payload invalid")
	ErrDuplicateWebhook = errors.New("duplicate webhook")

	ErrTransient      = errors.New("transient target failure")
	ErrRateLimited    = errors.New("target rate limited")
	ErrRejected       = errors.New("target rejected request")
	ErrAuthExpired    = errors.New("target credentials expired")
	ErrNotFoundRemote = errors.New("remote resource not found")
)

// ErrorKind is the failure category every adapter error is reduced to.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindRateLimited    ErrorKind = "rate_limited"
	KindRejected       ErrorKind = "rejected"
	KindAuthExpired    ErrorKind = "auth_expired"
	KindNotFoundRemote ErrorKind = "not_found_remote"
)

type TargetError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func NewTargetError(kind ErrorKind, code, message string) *TargetError {
	return &TargetError{Kind: kind, Code: code, Message: message}
}

func (e *TargetError) Error() string {
	if e == nil {
		return ""
	}
	code := e.Code
	if code == "" {
		code = string(e.Kind)
	}
	if e.Message == "" {
		return code
	}
	return code + ": " + e.Message
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

func (e *TargetError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrAuthExpired:
		return e.Kind == KindAuthExpired
	case ErrNotFoundRemote:
		return e.Kind == KindNotFoundRemote
	}
	return false
}

// classifyError maps any error returned by an adapter onto an ErrorKind.
// Uncategorized errors count as transient.
func classifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var targetErr *TargetError
	if errors.As(err, &targetErr) && targetErr.Kind != "" {
		return targetErr.Kind
	}
	switch {
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFoundRemote):
		return KindNotFoundRemote
	}
	return KindTransient
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var targetErr *TargetError
	if errors.As(err, &targetErr) {
		if targetErr.Code != "" {
			return targetErr.Code
		}
		return string(targetErr.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network"
	}
	return string(classifyError(err))
}

func retryAfterOf(err error) time.Duration {
	var targetErr *TargetError
	if errors.As(err, &targetErr) {
		return targetErr.RetryAfter
	}
	return 0
}

// wrapTransportError turns a failed round trip into a transient TargetError.
func wrapTransportError(err error) error {
	if err == nil {
		return nil
	}
	var targetErr *TargetError
	if errors.As(err, &targetErr) {
		return err
	}
	code := "network"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	return &TargetError{Kind: KindTransient, Code: code, Message: err.Error(), Err: err}
}

func truncateMessage(message string, limit int) string {
	message = strings.TrimSpace(message)
	if limit <= 0 || len(message) <= limit {
		return message
	}
	return message[:limit]
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return truncateMessage(err.Error(), 1024)
}

func invalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
