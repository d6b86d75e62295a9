package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

var (
	// ErrResourceUnavailable is returned when no agent instance or lease
	// could be acquired within the admission window.
	ErrResourceUnavailable = eris.New("resource unavailable")

	// ErrTimedOut marks a task whose lease was revoked after the task timeout.
	ErrTimedOut = eris.New("task timed out")

	// ErrDraining marks work refused because its component is shutting
	// down. It classifies like a cancellation.
	ErrDraining = eris.New("draining")
)

// FailureKind is the retry-relevant class of an error.
type FailureKind int

const (
	// KindNone means no failure.
	KindNone FailureKind = iota
	// KindRecoverable failures may be retried with backoff.
	KindRecoverable
	// KindFatal failures never retry.
	KindFatal
	// KindRejected means a circuit refused dispatch. Not retried and does
	// not consume retry budget.
	KindRejected
	// KindCanceled means the caller gave up.
	KindCanceled
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRecoverable:
		return "recoverable"
	case KindFatal:
		return "fatal"
	case KindRejected:
		return "rejected"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ConfigurationError is a fatal problem with the plan or a row, such as an
// unresolved URL placeholder or an unknown role.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration error: " + e.Msg + ": " + e.Err.Error()
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// FatalError wraps an error that must never be retried (permanent 404,
// malformed target).
type FatalError struct {
	Err        error
	StatusCode int
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal with an optional HTTP status code.
func NewFatalError(err error, statusCode int) *FatalError {
	return &FatalError{Err: err, StatusCode: statusCode}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// StatusError converts a non-2xx page status into a typed failure. Gone and
// not-found pages are permanent; everything else may recover.
func StatusError(statusCode int, url string) error {
	err := eris.Errorf("unexpected status %d from %s", statusCode, url)
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		return NewFatalError(err, statusCode)
	default:
		return NewTransientError(err, statusCode)
	}
}

// Classify maps an error chain to a FailureKind. Errors with no recognizable
// type are treated as recoverable so a bounded retry can absorb them.
func Classify(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrCircuitHalfOpenBusy) {
		return KindRejected
	}
	if errors.Is(err, ErrTimedOut) {
		return KindRecoverable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrDraining) {
		return KindCanceled
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return KindFatal
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return KindFatal
	}
	return KindRecoverable
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, ErrTimedOut) || errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"net::err_",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
