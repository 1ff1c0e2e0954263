// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package history keeps the append-only log of intercepted requests and
// correlates responses back to them.
package history

import (
	"sync"
	"time"

	"github.com/absmach/intercept/pkg/codec"
)

// Request is the parsed form of a captured request.
type Request struct {
	Method    string
	URL       string
	Protocol  string
	Host      string
	Headers   string
	Body      string
	Timestamp time.Time
}

// Entry is one request, optionally paired with its response.
type Entry struct {
	Timestamp       time.Time `json:"timestamp"`
	Type            string    `json:"type"`
	Method          string    `json:"method"`
	URL             string    `json:"url"`
	Protocol        string    `json:"protocol"`
	Host            string    `json:"host"`
	Headers         string    `json:"headers"`
	Body            string    `json:"body"`
	Matched         bool      `json:"matched"`
	ResponseHeaders string    `json:"response_headers,omitempty"`
	ResponseBody    string    `json:"response_body,omitempty"`
}

// Log is the history correlator. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// New creates an empty history log.
func New() *Log {
	return &Log{}
}

// RecordRequest appends a request entry. Requests without a method or URL
// are discarded and reported as not recorded.
func (l *Log) RecordRequest(req Request) (Entry, bool) {
	if req.Method == "" || req.URL == "" {
		return Entry{}, false
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	e := Entry{
		Timestamp: req.Timestamp,
		Type:      codec.Request.String(),
		Method:    req.Method,
		URL:       req.URL,
		Protocol:  req.Protocol,
		Host:      req.Host,
		Headers:   req.Headers,
		Body:      req.Body,
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	return e, true
}

// RecordResponse attaches a response to the oldest entry for url that has
// no response yet and returns the updated entry with its position. A
// response with no such entry is dropped.
func (l *Log) RecordResponse(url, headers, body string) (Entry, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		e := &l.entries[i]
		if e.Matched || e.URL != url {
			continue
		}
		e.Matched = true
		e.ResponseHeaders = headers
		e.ResponseBody = body
		return *e, i, true
	}
	return Entry{}, -1, false
}

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
