// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"

	"github.com/absmach/intercept/pkg/history"
	"github.com/absmach/intercept/pkg/registry"
)

var _ Handler = (*Logging)(nil)

// Logging is a handler that logs all events.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates a logging handler.
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{
		logger: logger,
	}
}

func (h *Logging) OnPendingListChanged(ctx context.Context, pending []registry.Summary) error {
	h.logger.Debug("OnPendingListChanged",
		slog.Int("pending", len(pending)))
	return nil
}

func (h *Logging) OnResponseReady(ctx context.Context, resp Response) error {
	h.logger.Info("OnResponseReady",
		slog.String("url", resp.URL),
		slog.Int("body_size", len(resp.Body)))
	return nil
}

func (h *Logging) OnHistoryAppended(ctx context.Context, entry history.Entry) error {
	h.logger.Info("OnHistoryAppended",
		slog.String("method", entry.Method),
		slog.String("url", entry.URL),
		slog.String("host", entry.Host))
	return nil
}

func (h *Logging) OnHistoryMatched(ctx context.Context, index int, entry history.Entry) error {
	h.logger.Info("OnHistoryMatched",
		slog.Int("index", index),
		slog.String("url", entry.URL))
	return nil
}

func (h *Logging) OnDecisionFailed(ctx context.Context, failure Failure) error {
	h.logger.Warn("OnDecisionFailed",
		slog.Uint64("id", failure.ID),
		slog.String("op", failure.Op),
		slog.String("reason", failure.Reason))
	return nil
}

func (h *Logging) OnInterceptToggled(ctx context.Context, enabled bool) error {
	h.logger.Info("OnInterceptToggled",
		slog.Bool("enabled", enabled))
	return nil
}

func (h *Logging) OnBlocklistChanged(ctx context.Context, domains []string) error {
	h.logger.Info("OnBlocklistChanged",
		slog.Any("domains", domains))
	return nil
}
