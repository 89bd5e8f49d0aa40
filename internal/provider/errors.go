// Error taxonomy for provider clients.
//
// Clients classify every failure into a Kind; the orchestrator's retry and
// fallback policy pattern-matches on the kind and nothing else. Raw provider
// error bodies are kept out of user-visible messages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind partitions provider failures for the orchestrator's policy.
type Kind string

const (
	// KindAuth covers 401/403: the credential is wrong or revoked. Never retried.
	KindAuth Kind = "auth"
	// KindRateLimited covers 429; RetryAfter is set when the provider sent one.
	KindRateLimited Kind = "rate_limited"
	// KindTransient covers 5xx, timeouts, and connection errors.
	KindTransient Kind = "transient"
	// KindBadRequest covers the remaining 4xx family.
	KindBadRequest Kind = "bad_request"
	// KindBadResponse marks a syntactically valid reply with unusable content,
	// such as an empty completion.
	KindBadResponse Kind = "bad_response"
)

// Error is the classified failure returned by every client method.
type Error struct {
	Provider Name
	Kind     Kind
	Status   int // HTTP status when applicable, else 0
	// RetryAfter is non-nil only for rate-limit errors that carried a
	// Retry-After header.
	RetryAfter *time.Duration
	Msg        string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. Unclassified errors map to
// KindTransient when they look like I/O failures and KindBadResponse
// otherwise, so callers never see an unknown kind.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindBadResponse
}

// RetryAfterOf returns the Retry-After hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter != nil {
		return *pe.RetryAfter, true
	}
	return 0, false
}

// classifyStatus maps an HTTP status to a Kind. 2xx statuses never reach it.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	default:
		return KindBadRequest
	}
}

// httpError builds a classified error from an HTTP response status, reading
// Retry-After for rate limits. Both delta-seconds and HTTP-date forms are
// accepted.
func httpError(p Name, status int, hdr http.Header, msg string) *Error {
	e := &Error{Provider: p, Kind: classifyStatus(status), Status: status, Msg: msg}
	if e.Kind == KindRateLimited && hdr != nil {
		if ra := hdr.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				d := time.Duration(secs) * time.Second
				e.RetryAfter = &d
			} else if t, err := http.ParseTime(ra); err == nil {
				if d := time.Until(t); d > 0 {
					e.RetryAfter = &d
				}
			}
		}
	}
	return e
}

// transportError wraps a connection or timeout failure as transient.
func transportError(p Name, err error) *Error {
	return &Error{Provider: p, Kind: KindTransient, Err: err}
}

// badResponse marks a malformed or empty provider reply.
func badResponse(p Name, msg string) *Error {
	return &Error{Provider: p, Kind: KindBadResponse, Msg: msg}
}
