// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"

	"github.com/absmach/intercept/pkg/history"
	"github.com/absmach/intercept/pkg/registry"
)

// Response is a captured upstream response as shown to the operator.
type Response struct {
	URL     string `json:"url"`
	Headers string `json:"headers"`
	Body    string `json:"body"`
}

// Failure describes a pending message that could not be decided.
type Failure struct {
	ID     uint64 `json:"id"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// Handler receives broker events for the operator surface. The broker
// calls every method synchronously from the goroutine that caused the
// event; errors are logged and never change broker state.
type Handler interface {
	// OnPendingListChanged is called with the full ordered pending list
	// after every enqueue or removal.
	OnPendingListChanged(ctx context.Context, pending []registry.Summary) error

	// OnResponseReady is called for every captured response.
	OnResponseReady(ctx context.Context, resp Response) error

	// OnHistoryAppended is called when a request is recorded.
	OnHistoryAppended(ctx context.Context, entry history.Entry) error

	// OnHistoryMatched is called when a response is attached to the entry
	// at index.
	OnHistoryMatched(ctx context.Context, index int, entry history.Entry) error

	// OnDecisionFailed is called exactly once for a pending message whose
	// connection failed or whose decision could not be delivered.
	OnDecisionFailed(ctx context.Context, failure Failure) error

	// OnInterceptToggled is called after the toggle state changed.
	OnInterceptToggled(ctx context.Context, enabled bool) error

	// OnBlocklistChanged is called with the full set after every mutation.
	OnBlocklistChanged(ctx context.Context, domains []string) error
}

// NoopHandler ignores every event.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnPendingListChanged(ctx context.Context, pending []registry.Summary) error {
	return nil
}

func (h *NoopHandler) OnResponseReady(ctx context.Context, resp Response) error {
	return nil
}

func (h *NoopHandler) OnHistoryAppended(ctx context.Context, entry history.Entry) error {
	return nil
}

func (h *NoopHandler) OnHistoryMatched(ctx context.Context, index int, entry history.Entry) error {
	return nil
}

func (h *NoopHandler) OnDecisionFailed(ctx context.Context, failure Failure) error {
	return nil
}

func (h *NoopHandler) OnInterceptToggled(ctx context.Context, enabled bool) error {
	return nil
}

func (h *NoopHandler) OnBlocklistChanged(ctx context.Context, domains []string) error {
	return nil
}

// Multi fans every event out to all handlers in order. Every handler is
// called even when an earlier one fails; the errors are joined.
type Multi []Handler

var _ Handler = Multi(nil)

func (m Multi) each(fn func(h Handler) error) error {
	var errs []error
	for _, h := range m {
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) OnPendingListChanged(ctx context.Context, pending []registry.Summary) error {
	return m.each(func(h Handler) error { return h.OnPendingListChanged(ctx, pending) })
}

func (m Multi) OnResponseReady(ctx context.Context, resp Response) error {
	return m.each(func(h Handler) error { return h.OnResponseReady(ctx, resp) })
}

func (m Multi) OnHistoryAppended(ctx context.Context, entry history.Entry) error {
	return m.each(func(h Handler) error { return h.OnHistoryAppended(ctx, entry) })
}

func (m Multi) OnHistoryMatched(ctx context.Context, index int, entry history.Entry) error {
	return m.each(func(h Handler) error { return h.OnHistoryMatched(ctx, index, entry) })
}

func (m Multi) OnDecisionFailed(ctx context.Context, failure Failure) error {
	return m.each(func(h Handler) error { return h.OnDecisionFailed(ctx, failure) })
}

func (m Multi) OnInterceptToggled(ctx context.Context, enabled bool) error {
	return m.each(func(h Handler) error { return h.OnInterceptToggled(ctx, enabled) })
}

func (m Multi) OnBlocklistChanged(ctx context.Context, domains []string) error {
	return m.each(func(h Handler) error { return h.OnBlocklistChanged(ctx, domains) })
}
