// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without trying it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before one trial push is let through.
	ResetTimeout time.Duration
}

// Breaker stops dialing an engine channel that keeps refusing
// connections. While open, calls fail immediately; after ResetTimeout a
// single trial push decides whether the channel is back.
type Breaker struct {
	mu            sync.Mutex
	config        BreakerConfig
	state         State
	failures      int
	openedAt      time.Time
	probing       bool
	now           func() time.Time
	onStateChange func(to State)
}

// NewBreaker creates a closed breaker. onStateChange may be nil; it is
// called synchronously with the breaker lock released.
func NewBreaker(config BreakerConfig, onStateChange func(to State)) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 10 * time.Second
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		now:           time.Now,
		onStateChange: onStateChange,
	}
}

// Call runs fn unless the circuit is open.
func (b *Breaker) Call(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn()
	b.after(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	changed := false

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		changed = b.setLocked(StateHalfOpen)
		b.probing = true

	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}

	b.mu.Unlock()
	if changed {
		b.notify(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	b.probing = false

	var next State
	switch {
	case err == nil:
		b.failures = 0
		next = StateClosed
	case b.state == StateHalfOpen:
		next = StateOpen
	default:
		b.failures++
		next = b.state
		if b.failures >= b.config.MaxFailures {
			next = StateOpen
		}
	}
	changed := b.setLocked(next)
	b.mu.Unlock()

	if changed {
		b.notify(next)
	}
}

func (b *Breaker) setLocked(to State) bool {
	if b.state == to {
		return false
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
	}
	return true
}

func (b *Breaker) notify(to State) {
	if b.onStateChange != nil {
		b.onStateChange(to)
	}
}
