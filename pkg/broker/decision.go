// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/intercept/pkg/codec"
	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/absmach/intercept/pkg/metrics"
	"github.com/absmach/intercept/pkg/registry"
)

// Action is the operator's verdict on a pending message.
type Action int

const (
	ActionForward Action = iota + 1
	ActionDrop
	ActionEdit
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionDrop:
		return "drop"
	case ActionEdit:
		return "edit"
	default:
		return "unknown"
	}
}

// ParseAction maps forward, drop or edit to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward":
		return ActionForward, nil
	case "drop":
		return ActionDrop, nil
	case "edit":
		return ActionEdit, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// Decision is applied at most once per pending identifier. Text is the
// operator-edited message and is only used by ActionEdit.
type Decision struct {
	Action Action
	Text   string
}

// Forward passes the message on unchanged.
func Forward() Decision { return Decision{Action: ActionForward} }

// Drop discards the message.
func Drop() Decision { return Decision{Action: ActionDrop} }

// Edit replaces a request with text before forwarding it.
func Edit(text string) Decision { return Decision{Action: ActionEdit, Text: text} }

// Decide applies d to the pending entry id. The entry is removed before
// the connection is touched, so of two concurrent decisions exactly one
// succeeds and the other fails with ErrNotFound. Any failure after removal
// closes the connection and emits one OnDecisionFailed.
func (b *Broker) Decide(ctx context.Context, id uint64, d Decision) error {
	op := d.Action.String()

	var payload, field string
	switch d.Action {
	case ActionForward, ActionDrop:
	case ActionEdit:
		p, ok := b.registry.Lookup(id)
		if !ok {
			return b.rejected(op, id, bkerrors.ErrNotFound)
		}
		if p.Kind != codec.Request {
			return b.rejected(op, id, bkerrors.ErrEditNotAllowed)
		}
		payload = codec.BuildEdit(d.Text)
		var err error
		if field, err = codec.LengthField(len(payload)); err != nil {
			return b.rejected(op, id, err)
		}
	default:
		return fmt.Errorf("decision for #%d: unknown action %d", id, d.Action)
	}

	p, ok := b.registry.Take(id)
	if !ok {
		return b.rejected(op, id, bkerrors.ErrNotFound)
	}

	var err error
	switch d.Action {
	case ActionForward:
		err = p.Conn.Write([]byte(codec.ForwardToken(p.Kind)))
	case ActionDrop:
		err = p.Conn.Write([]byte(codec.DropToken(p.Kind)))
	case ActionEdit:
		err = b.edit(p, field, payload)
	}
	p.Conn.Close()

	b.metrics.ObserveDecision(op, p.Received, err)
	if err != nil {
		err = bkerrors.New(op, id, p.Conn.RemoteAddr(), err)
		b.fail(ctx, p, op, err)
		return err
	}

	b.logger.Info("decision applied",
		slog.Uint64("id", id),
		slog.String("action", op),
		slog.String("type", p.Kind.String()),
		slog.Duration("waited", time.Since(p.Received)))
	return nil
}

func (b *Broker) rejected(op string, id uint64, err error) error {
	b.metrics.Decisions.WithLabelValues(op, metrics.StatusRejected).Inc()
	return bkerrors.New(op, id, "", err)
}

// edit runs the handshake: tag, length field, READY, payload, OK.
func (b *Broker) edit(p registry.Pending, field, payload string) error {
	conn := p.Conn
	// Leftovers of an oversized request would otherwise be read as READY.
	if n := conn.Flush(); n > 0 {
		b.logger.Debug("dropped unread request bytes before edit",
			slog.Uint64("id", p.ID),
			slog.Int("bytes", n))
	}
	if err := conn.Write([]byte(codec.EditTag)); err != nil {
		return err
	}
	if err := conn.Write([]byte(field)); err != nil {
		return err
	}
	if err := b.expect(conn, codec.Ready); err != nil {
		return err
	}
	if err := conn.Write([]byte(payload)); err != nil {
		return err
	}
	return b.expect(conn, codec.OK)
}

// expect reads until at least len(token) non-blank bytes arrived and
// compares them with token.
func (b *Broker) expect(conn registry.Conn, token string) error {
	deadline := time.Now().Add(b.config.AckTimeout)

	var reply []byte
	for len(bytes.TrimSpace(reply)) < len(token) {
		wait := time.Until(deadline)
		if wait <= 0 {
			return fmt.Errorf("waiting for %s: %w", token, bkerrors.ErrTimeout)
		}
		chunk, err := conn.Read(wait)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", token, err)
		}
		reply = append(reply, chunk...)
	}

	if !codec.IsAck(reply, token) {
		return fmt.Errorf("%w: expected %s, got %s", bkerrors.ErrProtocolViolation, token, quoteReply(reply))
	}
	return nil
}

// maxQuotedReply bounds how much of an unexpected reply ends up in errors.
const maxQuotedReply = 32

func quoteReply(reply []byte) string {
	reply = bytes.TrimSpace(reply)
	if len(reply) <= maxQuotedReply {
		return fmt.Sprintf("%q", reply)
	}
	return fmt.Sprintf("%q (%d bytes)", reply[:maxQuotedReply], len(reply))
}

// Intercepting reports the current toggle state.
func (b *Broker) Intercepting() bool {
	return b.intercepting.Load()
}

// ToggleIntercept flips the toggle, notifies the engine and returns the
// new state. An unreachable engine is logged and does not undo the flip.
func (b *Broker) ToggleIntercept(ctx context.Context) bool {
	b.toggleMu.Lock()
	defer b.toggleMu.Unlock()

	enabled := !b.intercepting.Load()
	b.setInterceptLocked(ctx, enabled)
	return enabled
}

// SetIntercept sets the toggle and notifies the engine even when the state
// is unchanged, which is how startup brings the engine in line.
func (b *Broker) SetIntercept(ctx context.Context, enabled bool) error {
	b.toggleMu.Lock()
	defer b.toggleMu.Unlock()

	return b.setInterceptLocked(ctx, enabled)
}

func (b *Broker) setInterceptLocked(ctx context.Context, enabled bool) error {
	b.intercepting.Store(enabled)
	metrics.SetBool(b.metrics.InterceptEnabled, enabled)

	var err error
	if b.engine != nil {
		if err = b.engine.SetIntercept(ctx, enabled); err != nil {
			b.logger.Warn("failed to push intercept toggle to engine",
				slog.Bool("enabled", enabled),
				slog.String("error", err.Error()))
		}
	}

	b.logger.Info("intercept toggled", slog.Bool("enabled", enabled))
	b.report("OnInterceptToggled", b.handler.OnInterceptToggled(ctx, enabled))
	return err
}
