package mirror

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransportOperation identifies one transport operation type.
type TransportOperation string

const (
	// OperationForward identifies Forward calls.
	OperationForward TransportOperation = "forward"
	// OperationEditText identifies EditText calls.
	OperationEditText TransportOperation = "edit_text"
	// OperationDelete identifies Delete calls.
	OperationDelete TransportOperation = "delete"
	// OperationHistory identifies History calls.
	OperationHistory TransportOperation = "history"
	// OperationIsForum identifies IsForum calls.
	OperationIsForum TransportOperation = "is_forum"
	// OperationListTopics identifies ListTopics calls.
	OperationListTopics TransportOperation = "list_topics"
	// OperationCreateTopic identifies CreateTopic calls.
	OperationCreateTopic TransportOperation = "create_topic"
	// OperationCheckWritable identifies write permission checks.
	OperationCheckWritable TransportOperation = "check_writable"
	// OperationCloneChat identifies target group cloning.
	OperationCloneChat TransportOperation = "clone_chat"
)

// TransportErrorKind is the coarse failure classification the retry policy matches on.
type TransportErrorKind string

const (
	// TransportErrorKindRateLimited indicates a flood wait; retry once after RetryAfter.
	TransportErrorKindRateLimited TransportErrorKind = "rate_limited"
	// TransportErrorKindNotFound indicates the message is already gone; skip without retry.
	TransportErrorKindNotFound TransportErrorKind = "not_found"
	// TransportErrorKindForbidden indicates missing write permission or an inaccessible chat.
	TransportErrorKindForbidden TransportErrorKind = "forbidden"
	// TransportErrorKindTemporary indicates a transient server-side failure.
	TransportErrorKindTemporary TransportErrorKind = "temporary"
	// TransportErrorKindPermanent indicates a non-retryable request failure.
	TransportErrorKindPermanent TransportErrorKind = "permanent"
	// TransportErrorKindUnknown indicates an unclassified failure.
	TransportErrorKindUnknown TransportErrorKind = "unknown"
)

// TransportError carries structured metadata for one transport failure.
type TransportError struct {
	// Operation identifies which transport operation failed.
	Operation TransportOperation
	// Kind classifies whether and how callers should retry.
	Kind TransportErrorKind
	// RetryAfter is the remote-dictated wait for rate-limited failures.
	RetryAfter time.Duration
	// Code carries the RPC error code when known.
	Code int
	// Type carries the RPC error type token when known.
	Type string
	// Cause is the wrapped transport error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 5)
	if operation := strings.TrimSpace(string(e.Operation)); operation != "" {
		fields = append(fields, "operation="+operation)
	}
	if kind := strings.TrimSpace(string(e.Kind)); kind != "" {
		fields = append(fields, "kind="+kind)
	}
	if e.RetryAfter > 0 {
		fields = append(fields, "retry_after="+e.RetryAfter.String())
	}
	if e.Code != 0 {
		fields = append(fields, fmt.Sprintf("code=%d", e.Code))
	}
	if errorType := strings.TrimSpace(e.Type); errorType != "" {
		fields = append(fields, "type="+errorType)
	}

	if len(fields) == 0 {
		if e.Cause == nil {
			return "transport error"
		}
		return fmt.Sprintf("transport error: %v", e.Cause)
	}

	if e.Cause == nil {
		return "transport error: " + strings.Join(fields, " ")
	}
	return "transport error: " + strings.Join(fields, " ") + ": " + e.Cause.Error()
}

// Unwrap returns the wrapped root cause.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// AsTransportError extracts one TransportError from wrapped error chains.
func AsTransportError(err error) (*TransportError, bool) {
	if err == nil {
		return nil, false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr, true
	}

	return nil, false
}

// AsRateLimit extracts the remote-dictated wait from rate-limit errors.
//
// It returns `(0, false)` if err is not classified as rate-limited.
// It returns `(0, true)` when rate-limited but no wait hint is known.
func AsRateLimit(err error) (time.Duration, bool) {
	transportErr, ok := AsTransportError(err)
	if !ok || transportErr.Kind != TransportErrorKindRateLimited {
		return 0, false
	}

	return transportErr.RetryAfter, true
}

// IsForbidden reports whether err denies access to the source or target chat.
func IsForbidden(err error) bool {
	return hasKind(err, TransportErrorKindForbidden)
}

// IsNotFound reports whether err refers to a message that no longer exists.
func IsNotFound(err error) bool {
	return hasKind(err, TransportErrorKindNotFound)
}

func hasKind(err error, kind TransportErrorKind) bool {
	transportErr, ok := AsTransportError(err)
	return ok && transportErr.Kind == kind
}
