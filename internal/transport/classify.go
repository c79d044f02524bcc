package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/roach88/usersync/internal/ir"
)

// HTTPError is a non-2xx reply.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Body       ir.Object
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// Class is how an executor must treat a request outcome.
type Class int

const (
	// Success: the request took effect.
	Success Class = iota
	// Retryable: leave the entry queued unchanged.
	Retryable
	// ClientError: drop the entry, it will never succeed.
	ClientError
	// AuthError: the JWT was rejected.
	AuthError
	// Conflict: the alias already belongs to another user.
	Conflict
	// Missing: the referenced user or subscription does not exist (yet).
	Missing
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case ClientError:
		return "client_error"
	case AuthError:
		return "auth_error"
	case Conflict:
		return "conflict"
	case Missing:
		return "missing"
	}
	return "unknown"
}

// Classify maps the error returned by Client.Execute to a Class.
// Transport failures, timeouts and an open circuit breaker are retryable.
func Classify(err error) Class {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Retryable
	}

	var he *HTTPError
	if !errors.As(err, &he) {
		return Retryable
	}
	return classifyStatus(he.StatusCode)
}

func classifyStatus(status int) Class {
	switch {
	case status >= 200 && status <= 299:
		return Success
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthError
	case status == http.StatusConflict:
		return Conflict
	case status == http.StatusNotFound || status == http.StatusGone:
		return Missing
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Retryable
	case status >= 500:
		return Retryable
	}
	return ClientError
}
