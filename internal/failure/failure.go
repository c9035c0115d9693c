// Package failure classifies errors raised by pipeline stages.
//
// Every failure is reduced to an *Error carrying a stable code, the stage it
// came from, a severity (recoverable or critical) and a kind. The severity
// decides whether the retry and fallback executors may try again; the kind
// feeds alerting and incident bookkeeping.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Severity decides whether a failure may be retried.
type Severity string

const (
	Recoverable Severity = "recoverable"
	Critical    Severity = "critical"
)

// Kind is the taxonomy bucket of a failure.
type Kind string

const (
	KindRecoverable    Kind = "recoverable"
	KindCritical       Kind = "critical"
	KindNotFound       Kind = "not_found"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindExhaustedChain Kind = "exhausted_chain"
)

// Stable failure codes.
const (
	CodeUnknown               = "unknown"
	CodeNetwork               = "network_error"
	CodeTimeout               = "timeout"
	CodeCancelled             = "cancelled"
	CodeRateLimited           = "rate_limited"
	CodeCircuitOpen           = "circuit_open"
	CodeServerError           = "server_error"
	CodeMalformedResponse     = "malformed_response"
	CodeUnauthorized          = "unauthorized"
	CodeInvalidRequest        = "invalid_request"
	CodeMalformedConfig       = "malformed_config"
	CodeSecretNotFound        = "secret_not_found"
	CodeNoProvidersConfigured = "no_providers_configured"
	CodeExhaustedChain        = "exhausted_chain"
	CodeIncidentNotFound      = "incident_not_found"
	CodeNotReady              = "not_ready"
)

// Error is a classified failure. It never loses the original error.
type Error struct {
	Code     string
	Stage    string
	Severity Severity
	Kind     Kind
	Context  map[string]any
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCritical reports whether the failure must abort retries and fallbacks.
func (e *Error) IsCritical() bool {
	return e.Severity == Critical
}

// WithStage returns a copy tagged with the originating stage.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	if c.Stage == "" {
		c.Stage = stage
	}
	return &c
}

// With returns a copy with extra context metadata merged in.
func (e *Error) With(key string, value any) *Error {
	c := *e
	c.Context = make(map[string]any, len(e.Context)+1)
	maps.Copy(c.Context, e.Context)
	c.Context[key] = value
	return &c
}

// New builds a classified failure.
func New(kind Kind, code string, err error) *Error {
	return &Error{
		Code:     code,
		Severity: severityOf(kind),
		Kind:     kind,
		Err:      err,
	}
}

// Newf builds a classified failure from a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Errorf(format, args...))
}

// CriticalError is shorthand for a critical failure.
func CriticalError(code string, err error) *Error {
	return New(KindCritical, code, err)
}

// RecoverableError is shorthand for a recoverable failure.
func RecoverableError(code string, err error) *Error {
	return New(KindRecoverable, code, err)
}

// NotFound builds a not-found failure.
func NotFound(code, format string, args ...any) *Error {
	return Newf(KindNotFound, code, format, args...)
}

// Cancelled builds a cancellation failure from a context error.
func Cancelled(cause error) *Error {
	return New(KindCancelled, CodeCancelled, cause)
}

// Exhausted wraps the last failure of a provider chain.
// The aggregate keeps the last failure's severity.
func Exhausted(last *Error, providers int) *Error {
	return &Error{
		Code:     CodeExhaustedChain,
		Stage:    last.Stage,
		Severity: last.Severity,
		Kind:     KindExhaustedChain,
		Context: map[string]any{
			"providers": providers,
			"last_code": last.Code,
		},
		Err: last,
	}
}

func severityOf(kind Kind) Severity {
	switch kind {
	case KindCritical, KindCancelled, KindNotFound:
		return Critical
	default:
		return Recoverable
	}
}

// Is reports whether err carries a classification of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	for errors.As(err, &fe) {
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// Retryable reports whether an outer surface should answer with a retryable failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	fe := Classify(err)
	return fe.Severity == Recoverable
}

// Classify wraps any error into an *Error. Already classified errors pass through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, CodeTimeout, err)
	}

	if isBreakerRejection(err) {
		return RecoverableError(CodeCircuitOpen, err)
	}

	if code, ok := statusCodeOf(err); ok {
		return classifyStatus(code, err)
	}

	// Missing or unreadable local files are configuration problems.
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return CriticalError(CodeMalformedConfig, err)
	}

	if netErr, ok := networkError(err); ok {
		if netErr.Timeout() {
			return New(KindTimeout, CodeTimeout, err)
		}
		return RecoverableError(CodeNetwork, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return RecoverableError(CodeNetwork, err)
	}

	return classifyMessage(err)
}

// networkError matches transport failures only. syscall.Errno also
// implements net.Error, so a bare errors.As would catch file errors too.
func networkError(err error) (net.Error, bool) {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr, true
	}
	return nil, false
}

// statusPattern finds an HTTP status at the start of a message or after
// "status" or "code", e.g. "429 Too Many Requests", "status code: 503".
var statusPattern = regexp.MustCompile(`(?:^|\b(?:status|code)\s*[:=]?\s*)([45]\d\d)\b`)

func classifyStatus(code int, err error) *Error {
	switch {
	case code == 401 || code == 403:
		return CriticalError(CodeUnauthorized, err).With("status", code)
	case code == 429:
		return RecoverableError(CodeRateLimited, err).With("status", code)
	case code == 408 || code == 504:
		return New(KindTimeout, CodeTimeout, err).With("status", code)
	case code >= 500:
		return RecoverableError(CodeServerError, err).With("status", code)
	case code == 400 || code == 404 || code == 422:
		return CriticalError(CodeInvalidRequest, err).With("status", code)
	default:
		return RecoverableError(CodeUnknown, err).With("status", code)
	}
}

func classifyMessage(err error) *Error {
	s := strings.ToLower(err.Error())

	// Credential and configuration problems never heal by retrying.
	if containsAny(s, "invalid api key", "invalid_api_key", "missing credentials",
		"no credentials", "unauthorized", "forbidden", "permission denied") {
		return CriticalError(CodeUnauthorized, err)
	}
	if containsAny(s, "malformed config", "invalid configuration", "misconfigured") {
		return CriticalError(CodeMalformedConfig, err)
	}

	if m := statusPattern.FindStringSubmatch(s); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyStatus(code, err)
	}

	if containsAny(s, "too many requests", "rate limit", "quota",
		"plan limit", "count exceeded") {
		return RecoverableError(CodeRateLimited, err)
	}
	if containsAny(s, "timeout", "timed out") {
		return New(KindTimeout, CodeTimeout, err)
	}
	if containsAny(s, "unexpected end of json", "invalid character", "empty response",
		"malformed response", "unexpected response") {
		return RecoverableError(CodeMalformedResponse, err)
	}
	if containsAny(s, "connection reset", "connection refused", "broken pipe",
		"unexpected eof", "no such host") {
		return RecoverableError(CodeNetwork, err)
	}
	if containsAny(s, "internal server error", "bad gateway",
		"service unavailable", "overloaded") {
		return RecoverableError(CodeServerError, err)
	}

	return RecoverableError(CodeUnknown, err)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
