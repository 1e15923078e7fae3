// Package errs defines the closed error-kind taxonomy of the runtime and the
// classification helpers the retry and failure-observation layers depend on.
package errs

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a runtime error into the closed set understood by the
// failure observer and the propagation policy.
type Kind string

const (
	KindInvalidTransition       Kind = "invalid_transition"
	KindPlanValidationFailed    Kind = "plan_validation_failed"
	KindToolUnknown             Kind = "tool_unknown"
	KindToolParameterInvalid    Kind = "tool_parameter_invalid"
	KindToolTransient           Kind = "tool_transient"
	KindToolPermanent           Kind = "tool_permanent"
	KindSandboxTimeout          Kind = "sandbox_timeout"
	KindSandboxResourceExceeded Kind = "sandbox_resource_exceeded"
	KindSandboxRejected         Kind = "sandbox_rejected"
	KindConfirmationRequired    Kind = "confirmation_required"
	KindConfirmationDenied      Kind = "confirmation_denied"
	KindConfirmationTimeout     Kind = "confirmation_timeout"
	KindIterationExhausted      Kind = "iteration_exhausted"
	KindPathEscape              Kind = "path_escape"
	KindConcurrentAccess        Kind = "concurrent_access"
	KindInternal                Kind = "internal"
)

// Retriable reports whether errors of this kind may be retried locally.
func (k Kind) Retriable() bool {
	return k == KindToolTransient
}

// ContractViolation reports whether the kind marks a programming-contract
// error that aborts the run.
func (k Kind) ContractViolation() bool {
	switch k {
	case KindInvalidTransition, KindPathEscape, KindConcurrentAccess:
		return true
	default:
		return false
	}
}

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Tool    string // tool name when the error came from a tool invocation
	Err     error  // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a structured error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// ToolError creates a tool-scoped structured error.
func ToolError(kind Kind, tool string, err error) *Error {
	e := &Error{Kind: kind, Tool: tool, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind
	}
	if IsTransient(err) {
		return KindToolTransient
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind == kind
	}
	return false
}

// IsTransient reports whether an error is retriable. Explicit kinds win;
// otherwise network-shaped failures are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind.Retriable()
	}

	if isNetworkError(err) {
		return true
	}
	if isSyscallError(err) {
		return true
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit", "429", "500", "502", "503", "504",
		"temporarily unavailable", "service unavailable",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

// ClassifyTool maps an arbitrary tool failure onto the tool_transient /
// tool_permanent split used by the per-call retry policy.
func ClassifyTool(tool string, err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	if IsTransient(err) {
		return ToolError(KindToolTransient, tool, err)
	}
	return ToolError(KindToolPermanent, tool, err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused", "connection reset", "broken pipe",
		"timeout", "deadline exceeded", "network", "dns",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
