// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine pushes operator state to the interception engine. Each
// push opens a fresh connection to the channel's port, writes one message
// and closes it; the engine reads until EOF.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/intercept/pkg/codec"
	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/absmach/intercept/pkg/metrics"
)

// Channel names used in logs and metric labels.
const (
	ToggleChannel    = "toggle"
	BlocklistChannel = "blocklist"
)

// Config holds the engine client configuration.
type Config struct {
	ToggleAddress    string
	BlocklistAddress string
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	Breaker          BreakerConfig
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

type channel struct {
	name    string
	address string
	breaker *Breaker
}

// Client delivers toggle commands and blocklist snapshots.
type Client struct {
	config    Config
	toggle    *channel
	blocklist *channel
}

// New creates an engine client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Second
	}

	c := &Client{config: cfg}
	c.toggle = c.newChannel(ToggleChannel, cfg.ToggleAddress)
	c.blocklist = c.newChannel(BlocklistChannel, cfg.BlocklistAddress)
	return c
}

func (c *Client) newChannel(name, address string) *channel {
	ch := &channel{name: name, address: address}
	ch.breaker = NewBreaker(c.config.Breaker, func(to State) {
		c.config.Logger.Warn("engine channel state changed",
			slog.String("channel", name),
			slog.String("state", to.String()))
		if c.config.Metrics != nil {
			c.config.Metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	})
	if c.config.Metrics != nil {
		c.config.Metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	}
	return ch
}

// SetIntercept sends INTERCEPT_ON or INTERCEPT_OFF.
func (c *Client) SetIntercept(ctx context.Context, enabled bool) error {
	return c.send(ctx, c.toggle, []byte(codec.InterceptCommand(enabled)))
}

// PushBlocklist sends the full domain set as a JSON array.
func (c *Client) PushBlocklist(ctx context.Context, domains []string) error {
	payload, err := codec.EncodeBlocklist(domains)
	if err != nil {
		return fmt.Errorf("failed to encode blocklist: %w", err)
	}
	return c.send(ctx, c.blocklist, payload)
}

// Check fails while either channel's breaker is open. It never dials, so
// health checks add no connections on the engine side.
func (c *Client) Check(ctx context.Context) error {
	for _, ch := range []*channel{c.toggle, c.blocklist} {
		if ch.breaker.State() == StateOpen {
			return fmt.Errorf("%s channel: %w", ch.name, bkerrors.ErrEngineUnavailable)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, ch *channel, payload []byte) error {
	err := ch.breaker.Call(func() error {
		return c.deliver(ctx, ch.address, payload)
	})
	if errors.Is(err, ErrCircuitOpen) {
		err = fmt.Errorf("%s channel: %w", ch.name, bkerrors.ErrEngineUnavailable)
	}
	if c.config.Metrics != nil {
		c.config.Metrics.ObservePush(ch.name, err)
	}
	if err != nil {
		return err
	}

	c.config.Logger.Debug("engine push delivered",
		slog.String("channel", ch.name),
		slog.Int("size", len(payload)))
	return nil
}

func (c *Client) deliver(ctx context.Context, address string, payload []byte) error {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial engine %s: %w", address, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write to engine %s: %w", address, err)
	}
	return nil
}
