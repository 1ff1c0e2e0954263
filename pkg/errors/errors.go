// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the interception broker.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrNotFound indicates the pending identifier is unknown or already decided.
	ErrNotFound = errors.New("pending request not found")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation indicates the peer answered with an unexpected token.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrEditNotAllowed indicates an edit was requested for a non-request entry.
	ErrEditNotAllowed = errors.New("edit is only allowed for requests")

	// ErrPayloadTooLarge indicates the edited payload length does not fit the length field.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrAlreadyBlocked indicates the domain is already in the blocklist.
	ErrAlreadyBlocked = errors.New("domain already blocked")

	// ErrDomainNotFound indicates the domain is not in the blocklist.
	ErrDomainNotFound = errors.New("domain not found")

	// ErrEmptyDomain indicates an empty domain after normalization.
	ErrEmptyDomain = errors.New("empty domain")

	// ErrEngineUnavailable indicates the engine channel is failing fast.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrRateLimited indicates the accept rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// BrokerError wraps an error with the pending request it affected.
type BrokerError struct {
	Op         string // Operation that failed (forward, drop, edit, queued, ...)
	RequestID  uint64 // Pending identifier, 0 when none was assigned
	RemoteAddr string // Engine side of the control connection
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.RequestID != 0 {
		return fmt.Sprintf("%s [#%d] %s: %v", e.Op, e.RequestID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// New creates a new BrokerError.
func New(op string, id uint64, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &BrokerError{
		Op:         op,
		RequestID:  id,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Contains reports whether any error in err's chain matches target.
func Contains(err, target error) bool {
	return errors.Is(err, target)
}
