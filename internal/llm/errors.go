package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies gateway failures for metrics and fallback decisions.
type ErrorKind string

const (
	// KindProvider is a generic provider-side failure.
	KindProvider ErrorKind = "provider"
	// KindTimeout covers deadline and network timeout failures.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimit is an HTTP 429 class failure.
	KindRateLimit ErrorKind = "rate_limit"
	// KindAuth covers invalid or missing credentials.
	KindAuth ErrorKind = "auth"
	// KindCircuitOpen means the alias breaker rejected the call synchronously.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindDecode means the provider response could not be interpreted.
	KindDecode ErrorKind = "decode"
	// KindExhausted means the requested alias and every fallback failed.
	KindExhausted ErrorKind = "exhausted"
)

// Error is a classified gateway failure.
type Error struct {
	Kind  ErrorKind
	Alias string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("llm %s: %s", e.Alias, e.Kind)
	}
	return fmt.Sprintf("llm %s: %s: %v", e.Alias, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from an error, defaulting to KindProvider.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindProvider
}

// classify maps a raw provider error to an ErrorKind by message inspection,
// since SDKs do not expose stable typed errors for every failure mode.
func classify(err error) ErrorKind {
	if err == nil {
		return KindProvider
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"):
		return KindAuth
	case strings.Contains(msg, "unmarshal"), strings.Contains(msg, "decode"),
		strings.Contains(msg, "unexpected eof"):
		return KindDecode
	}
	return KindProvider
}

// shouldFallback reports whether a failure of this kind justifies trying the
// next alias in the chain. Auth and decode failures would fail identically
// everywhere credentials are shared, and cancellation is the caller's choice.
func shouldFallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindAuth, KindDecode:
		return false
	}
	return true
}
