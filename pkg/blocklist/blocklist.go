// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package blocklist maintains the operator's set of blocked domains, keeps
// the persisted copy in step with it and pushes the full set to the
// interception engine after every change.
package blocklist

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	bkerrors "github.com/absmach/intercept/pkg/errors"
)

// Pusher delivers the full domain set to the interception engine.
type Pusher interface {
	PushBlocklist(ctx context.Context, domains []string) error
}

// ChangeFunc receives the set after every successful mutation.
type ChangeFunc func(domains []string)

// Config holds the synchronizer dependencies.
type Config struct {
	Store    Store
	Pusher   Pusher
	OnChange ChangeFunc
	Logger   *slog.Logger
}

// Synchronizer is the in-memory blocked domain set. The local set is the
// source of truth: persistence and push failures are logged and never roll
// a mutation back.
type Synchronizer struct {
	// writeMu serializes add/remove so pushes leave in mutation order.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	domains  []string
	store    Store
	pusher   Pusher
	onChange ChangeFunc
	logger   *slog.Logger
}

// New creates a synchronizer and loads the persisted set. A load failure
// is logged and leaves the set empty.
func New(cfg Config) *Synchronizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Synchronizer{
		domains:  []string{},
		store:    cfg.Store,
		pusher:   cfg.Pusher,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
	}

	if s.store != nil {
		loaded, err := s.store.Load()
		if err != nil {
			s.logger.Error("failed to load blocklist", slog.String("error", err.Error()))
		}
		for _, d := range loaded {
			d = Normalize(d)
			if d != "" && !slices.Contains(s.domains, d) {
				s.domains = append(s.domains, d)
			}
		}
	}

	return s
}

// Normalize trims and lower-cases a domain.
func Normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// Add blocks a domain. It returns ErrEmptyDomain or ErrAlreadyBlocked
// without side effects when the domain is rejected.
func (s *Synchronizer) Add(ctx context.Context, domain string) error {
	domain = Normalize(domain)
	if domain == "" {
		return bkerrors.ErrEmptyDomain
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if slices.Contains(s.domains, domain) {
		s.mu.Unlock()
		return bkerrors.ErrAlreadyBlocked
	}
	s.domains = append(s.domains, domain)
	snapshot := slices.Clone(s.domains)
	s.mu.Unlock()

	s.logger.Info("domain blocked", slog.String("domain", domain))
	s.commit(ctx, snapshot)
	return nil
}

// Remove unblocks a domain. It returns ErrDomainNotFound when the domain
// is not blocked.
func (s *Synchronizer) Remove(ctx context.Context, domain string) error {
	domain = Normalize(domain)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	idx := slices.Index(s.domains, domain)
	if domain == "" || idx < 0 {
		s.mu.Unlock()
		return bkerrors.ErrDomainNotFound
	}
	s.domains = slices.Delete(s.domains, idx, idx+1)
	snapshot := slices.Clone(s.domains)
	s.mu.Unlock()

	s.logger.Info("domain unblocked", slog.String("domain", domain))
	s.commit(ctx, snapshot)
	return nil
}

// Push sends the current set to the engine.
func (s *Synchronizer) Push(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.push(ctx, s.Domains())
}

// Domains returns a snapshot of the set in insertion order.
func (s *Synchronizer) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.domains)
}

// Contains reports whether the domain is blocked.
func (s *Synchronizer) Contains(domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.domains, Normalize(domain))
}

func (s *Synchronizer) commit(ctx context.Context, snapshot []string) {
	if s.store != nil {
		if err := s.store.Save(snapshot); err != nil {
			s.logger.Error("failed to persist blocklist", slog.String("error", err.Error()))
		}
	}
	if s.onChange != nil {
		s.onChange(slices.Clone(snapshot))
	}
	// Push faults are reported by push and never undo the change.
	_ = s.push(ctx, snapshot)
}

func (s *Synchronizer) push(ctx context.Context, snapshot []string) error {
	if s.pusher == nil {
		return nil
	}
	if err := s.pusher.PushBlocklist(ctx, snapshot); err != nil {
		s.logger.Warn("failed to push blocklist to engine",
			slog.Int("domains", len(snapshot)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
