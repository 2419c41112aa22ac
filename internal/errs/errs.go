/*
MIT License

Copyright (c) 2023-2025 Norihiro Seto

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package errs classifies errors crossing the Store Adapter boundary into
// the taxonomy the Reconciler dispatches on: transient (retry with
// backoff), permanent-for-this-cycle (log and wait for the next event), or
// timeout-escalation. Fatal errors are not wrapped here; they are returned
// directly from process bootstrap and cause the process to exit.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy from the error handling design.
type Kind string

const (
	// KindTransient errors are safe to retry with backoff: network
	// failures, server 5xx, rate limiting, timeouts, version conflicts.
	KindTransient Kind = "transient"
	// KindPermanent errors should be logged and surfaced but not retried
	// until the next watch event: malformed records, RBAC denials, a node
	// that disappeared after being observed.
	KindPermanent Kind = "permanent"
	// KindTimeout marks the cleanup wall-clock escalation path.
	KindTimeout Kind = "timeout"
)

// ClassifiedError carries a Kind alongside the reason and underlying cause.
type ClassifiedError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable error.
func Transient(reason string, err error) error {
	return &ClassifiedError{Kind: KindTransient, Reason: reason, Err: err}
}

// Permanent wraps err as a do-not-retry-this-cycle error.
func Permanent(reason string, err error) error {
	return &ClassifiedError{Kind: KindPermanent, Reason: reason, Err: err}
}

// Timeout wraps err as a cleanup-timeout-escalation error.
func Timeout(reason string, err error) error {
	return &ClassifiedError{Kind: KindTimeout, Reason: reason, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is classified
// transient.
func IsTransient(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Kind == KindTransient
}

// IsPermanent reports whether err (or anything it wraps) is classified
// permanent-for-this-cycle.
func IsPermanent(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Kind == KindPermanent
}

// Reason returns the classification reason carried by err, if any.
func Reason(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
