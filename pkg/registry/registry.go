// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the queue of intercepted messages awaiting an
// operator decision, each bound to the control connection the decision must
// be written to.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/absmach/intercept/pkg/codec"
)

// Conn is the decision target of a pending entry: the still-open control
// connection the engine is blocked on.
type Conn interface {
	// Write sends p in full.
	Write(p []byte) error

	// Read returns the next chunk sent by the peer. A zero timeout waits
	// until data arrives or the connection is done.
	Read(timeout time.Duration) ([]byte, error)

	// Flush drops input received before the call that nobody read, so the
	// next Read only sees what the peer sends afterwards. It returns the
	// number of bytes dropped.
	Flush() int

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// Done is closed once the connection is closed locally or by the peer.
	Done() <-chan struct{}

	// RemoteAddr identifies the peer in logs and errors.
	RemoteAddr() string
}

// Pending is a captured message waiting for exactly one decision.
type Pending struct {
	ID       uint64
	Kind     codec.Kind
	Content  string
	Conn     Conn
	Received time.Time
}

// Summary is the pending-list row rendered by the UI.
type Summary struct {
	ID      uint64     `json:"id"`
	Kind    codec.Kind `json:"-"`
	Type    string     `json:"type"`
	Summary string     `json:"summary"`
}

// ChangeFunc receives the ordered pending list after every mutation.
// It must not call back into the registry's mutating methods.
type ChangeFunc func(pending []Summary)

// Registry is the pending request queue. All methods are safe for
// concurrent use.
type Registry struct {
	// notifyMu orders change callbacks the same way as the mutations.
	notifyMu sync.Mutex
	mu       sync.Mutex
	entries  map[uint64]Pending
	nextID   uint64
	onChange ChangeFunc
	now      func() time.Time
}

// New creates an empty registry. onChange may be nil.
func New(onChange ChangeFunc) *Registry {
	return &Registry{
		entries:  make(map[uint64]Pending),
		onChange: onChange,
		now:      time.Now,
	}
}

// Enqueue stores a new pending entry under the next identifier and returns it.
func (r *Registry) Enqueue(kind codec.Kind, content string, conn Conn) uint64 {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries[id] = Pending{
		ID:       id,
		Kind:     kind,
		Content:  content,
		Conn:     conn,
		Received: r.now(),
	}
	list := r.listLocked()
	r.mu.Unlock()

	r.notify(list)
	return id
}

// Lookup returns the pending entry with the given identifier.
func (r *Registry) Lookup(id uint64) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	return p, ok
}

// Take atomically removes and returns the entry. Of any number of concurrent
// callers for the same identifier exactly one gets it.
func (r *Registry) Take(id uint64) (Pending, bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	p, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Pending{}, false
	}
	delete(r.entries, id)
	list := r.listLocked()
	r.mu.Unlock()

	r.notify(list)
	return p, true
}

// Remove deletes the entry. Removing an unknown identifier is a no-op; the
// result reports whether this call removed it.
func (r *Registry) Remove(id uint64) bool {
	_, ok := r.Take(id)
	return ok
}

// List returns the pending entries in arrival order.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain removes and returns every pending entry in arrival order.
func (r *Registry) Drain() []Pending {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if len(r.entries) == 0 {
		r.mu.Unlock()
		return nil
	}
	drained := make([]Pending, 0, len(r.entries))
	for _, id := range r.sortedIDsLocked() {
		drained = append(drained, r.entries[id])
	}
	clear(r.entries)
	r.mu.Unlock()

	r.notify([]Summary{})
	return drained
}

func (r *Registry) listLocked() []Summary {
	list := make([]Summary, 0, len(r.entries))
	for _, id := range r.sortedIDsLocked() {
		p := r.entries[id]
		list = append(list, Summary{
			ID:      id,
			Kind:    p.Kind,
			Type:    p.Kind.String(),
			Summary: codec.Summary(p.Content),
		})
	}
	return list
}

// sortedIDsLocked relies on identifiers being assigned in arrival order.
func (r *Registry) sortedIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) notify(list []Summary) {
	if r.onChange != nil {
		r.onChange(list)
	}
}
