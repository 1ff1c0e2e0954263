// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"sync"
	"time"
)

// RateLimiter is the accept Limiter: it admits a burst of connections and
// then a steady number per second. Credit accrues continuously, so a rate
// below one per second still admits a connection once enough time passed.
type RateLimiter struct {
	mu     sync.Mutex
	burst  float64
	rate   float64
	credit float64
	last   time.Time
	now    func() time.Time
}

var _ Limiter = (*RateLimiter)(nil)

// NewRateLimiter admits burst connections at once and perSecond afterwards.
// A zero perSecond never refills.
func NewRateLimiter(burst, perSecond int64) *RateLimiter {
	return newRateLimiter(float64(burst), float64(perSecond), time.Now)
}

func newRateLimiter(burst, perSecond float64, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		burst:  burst,
		rate:   perSecond,
		credit: burst,
		last:   now(),
		now:    now,
	}
}

// Allow spends one admission if available.
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.credit = min(l.burst, l.credit+elapsed.Seconds()*l.rate)
	}
	l.last = now

	if l.credit < 1 {
		return false
	}
	l.credit--
	return true
}
