// Package provider defines the boundary to the upstream scheduling provider:
// the Client capability consumed by the sync engine and the error taxonomy
// used to decide whether a failure is scoped to one window or to the whole run.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"schedcache/internal/models"
)

// Batch is everything one QueryEvents call returned, in provider order.
type Batch struct {
	Payloads []json.RawMessage
	Requests int // Upstream requests spent, one per page
}

// Client fetches raw event payloads for a scope and window.
// Implementations exhaust pagination before returning.
type Client interface {
	QueryEvents(ctx context.Context, scope models.Scope, window models.DateRange, pageSize int) (Batch, error)
}

// Kind classifies provider failures.
type Kind int

const (
	// KindTransient failures (timeout, 5xx, rate-limit) are scoped to one window.
	KindTransient Kind = iota
	// KindFatal failures (bad credentials, bad configuration, outage) abort the run.
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// Error wraps a provider failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a window-scoped failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Fatal wraps err as a run-aborting failure.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// IsFatal reports whether err must abort the whole invocation.
func IsFatal(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindFatal
	}
	return false
}

// IsTransient reports whether err is scoped to a single window. Unclassified
// errors, timeouts and network failures count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// classifyTransport turns a transport-level failure into a classified error.
func classifyTransport(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Transient(op, fmt.Errorf("timeout: %w", err))
	}
	return Transient(op, err)
}
