// Package envelope defines the uniform failure representation that crosses
// every Trellis boundary.
//
// All layers (registry, transport, auth, resilience, router) surface failures
// as an *Envelope so callers never have to unpick layer-specific error types.
// Retryability is carried on the envelope itself: the resilience layer trusts
// the flag and never re-derives it from error shape.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error codes covering every failure origin in the gateway.
const (
	// CodeSchemaViolation is returned when invocation params fail descriptor
	// validation. Never retryable.
	CodeSchemaViolation = "SCHEMA_VIOLATION"
	// CodeToolNotFound is returned when a tool or local handler is unknown.
	CodeToolNotFound = "TOOL_NOT_FOUND"
	// CodeDuplicateTool is returned when registering an existing (server, name)
	// pair with a different schema and no overwrite flag.
	CodeDuplicateTool = "DUPLICATE_TOOL"
	// CodeAuthConfigInvalid is returned when a required secret is absent from
	// configuration.
	CodeAuthConfigInvalid = "AUTH_CONFIG_INVALID"
	// CodeAuthRejected is returned when the remote rejects our credentials.
	CodeAuthRejected = "AUTH_REJECTED"
	// CodeTransportTimeout is returned when a transport exchange exceeds its
	// deadline. Retryable.
	CodeTransportTimeout = "TRANSPORT_TIMEOUT"
	// CodeTransportConnection is returned for dial/reset style transport
	// failures. Retryable.
	CodeTransportConnection = "TRANSPORT_CONNECTION_ERROR"
	// CodeTransportTLS is returned for TLS handshake and verification failures.
	CodeTransportTLS = "TRANSPORT_TLS_ERROR"
	// CodeCircuitOpen is returned immediately while a server's circuit breaker
	// is open. Consumes no retry budget.
	CodeCircuitOpen = "CIRCUIT_OPEN"
	// CodePoolExhausted is returned when a caller exceeds the bounded wait for
	// a pooled connection.
	CodePoolExhausted = "POOL_EXHAUSTED"
	// CodeRemoteApplication is returned for remote-side application failures,
	// and wraps the last cause once retry budget or deadline is exhausted.
	CodeRemoteApplication = "REMOTE_APPLICATION_ERROR"
	// CodeInternal is the fallback for failures with no better classification.
	CodeInternal = "INTERNAL_ERROR"
)

// Envelope is the structured failure envelope returned across the gateway's
// public boundary. It implements error so it can flow through ordinary error
// returns without losing its code, retryability, or details.
type Envelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Envelope) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return CodeInternal
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Envelope) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New builds an envelope with the given code, message, and retryability.
func New(code, message string, retryable bool, cause error) *Envelope {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = CodeInternal
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &Envelope{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

// Newf builds an envelope with a formatted message.
func Newf(code string, retryable bool, format string, args ...any) *Envelope {
	return New(code, fmt.Sprintf(format, args...), retryable, nil)
}

// WithDetails merges detail entries into the envelope and returns it.
func WithDetails(e *Envelope, details map[string]any) *Envelope {
	if e == nil || len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		e.Details[key] = value
	}
	return e
}

// From extracts an *Envelope from an error chain.
func From(err error) (*Envelope, bool) {
	if err == nil {
		return nil, false
	}
	var env *Envelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

// Code returns the envelope code of err, or CodeInternal when err carries none.
func Code(err error) string {
	if env, ok := From(err); ok && env != nil {
		return env.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err should be retried. Envelopes answer from
// their own flag; bare deadline and net timeout errors are treated as
// transient transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if env, ok := From(err); ok {
		return env.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Normalize converts any error into an envelope. Errors already carrying an
// envelope pass through unchanged; context deadline errors become transport
// timeouts; everything else becomes a non-retryable internal failure.
func Normalize(err error) *Envelope {
	if err == nil {
		return nil
	}
	if env, ok := From(err); ok && env != nil {
		return env
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTransportTimeout, "deadline exceeded", true, err)
	}
	if errors.Is(err, context.Canceled) {
		return New(CodeTransportTimeout, "invocation canceled", false, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(CodeTransportTimeout, err.Error(), true, err)
		}
		return New(CodeTransportConnection, err.Error(), true, err)
	}
	return New(CodeInternal, err.Error(), false, err)
}

// Terminal wraps the last failure of an exhausted retry sequence. Transient
// errors surface as REMOTE_APPLICATION_ERROR carrying the underlying cause;
// non-retryable failures pass through untouched.
func Terminal(err error) *Envelope {
	env := Normalize(err)
	if env == nil {
		return nil
	}
	if !env.Retryable {
		return env
	}
	wrapped := New(CodeRemoteApplication, fmt.Sprintf("retry budget exhausted: %s", env.Error()), false, env)
	return WithDetails(wrapped, map[string]any{"last_error_code": env.Code})
}
