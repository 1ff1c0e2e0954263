// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway exposes the broker to browser UIs over a websocket. It
// broadcasts broker events to every connected client and turns client
// commands into operator actions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/absmach/intercept/pkg/broker"
	"github.com/absmach/intercept/pkg/handler"
	"github.com/absmach/intercept/pkg/history"
	"github.com/absmach/intercept/pkg/metrics"
	"github.com/absmach/intercept/pkg/registry"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// ErrNotBound is returned for commands received before Bind.
var ErrNotBound = errors.New("gateway has no operator")

// Operator is the set of broker actions a UI may invoke.
type Operator interface {
	Decide(ctx context.Context, id uint64, d broker.Decision) error
	Inspect(id uint64) (broker.Inspection, error)
	ToggleIntercept(ctx context.Context) bool
	Intercepting() bool
	AddBlockedDomain(ctx context.Context, domain string) error
	RemoveBlockedDomain(ctx context.Context, domain string) error
	BlockedDomains() []string
	Pending() []registry.Summary
	History() []history.Entry
}

var _ Operator = (*broker.Broker)(nil)

// Config holds the gateway configuration.
type Config struct {
	// AllowedOrigins restricts the Origin header of upgrade requests.
	// Empty allows any origin.
	AllowedOrigins []string

	// SendBuffer is the number of outbound messages queued per client
	// before the client is considered stalled and disconnected.
	SendBuffer int

	WriteTimeout time.Duration
	PingInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gateway is a websocket hub. It implements handler.Handler so it can be
// attached to the broker directly.
type Gateway struct {
	config   Config
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	operator Operator
	clients  map[*client]struct{}
	closed   bool
}

var (
	_ handler.Handler = (*Gateway)(nil)
	_ http.Handler    = (*Gateway)(nil)
)

// New creates a gateway without an operator; call Bind before serving.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	g := &Gateway{
		config:  cfg,
		clients: make(map[*client]struct{}),
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: g.checkOrigin}
	return g
}

// Bind sets the operator commands are dispatched to.
func (g *Gateway) Bind(op Operator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operator = op
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.config.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request and serves the client until it
// disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.config.Logger.Error("failed to upgrade ui connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	c := newClient(g, ws)
	if !g.register(c) {
		ws.Close()
		return
	}
	defer g.unregister(c)

	g.config.Logger.Info("ui client connected", slog.String("remote", r.RemoteAddr))

	go c.writePump()
	if snap, err := g.snapshot(); err == nil {
		c.send(Message{Type: TypeSnapshot, Data: snap})
	}
	c.readPump(r.Context())

	g.config.Logger.Info("ui client disconnected", slog.String("remote", r.RemoteAddr))
}

// Close disconnects every client and rejects new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Clients returns the number of connected clients.
func (g *Gateway) Clients() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.clients[c] = struct{}{}
	n := len(g.clients)
	g.mu.Unlock()

	g.setClientGauge(n)
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	n := len(g.clients)
	g.mu.Unlock()

	c.close()
	g.setClientGauge(n)
}

func (g *Gateway) setClientGauge(n int) {
	if g.config.Metrics != nil {
		g.config.Metrics.GatewayClients.Set(float64(n))
	}
}

func (g *Gateway) bound() (Operator, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.operator == nil {
		return nil, ErrNotBound
	}
	return g.operator, nil
}

func (g *Gateway) snapshot() (Snapshot, error) {
	op, err := g.bound()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Pending:        op.Pending(),
		History:        op.History(),
		Intercepting:   op.Intercepting(),
		BlockedDomains: op.BlockedDomains(),
	}, nil
}

// broadcast encodes msg once and queues it on every client.
func (g *Gateway) broadcast(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", msg.Type, err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.clients {
		c.enqueue(data)
	}
	return nil
}

// dispatch executes one client command and returns the reply.
func (g *Gateway) dispatch(ctx context.Context, raw []byte) Message {
	if !gjson.ValidBytes(raw) {
		return errorMessage("", errors.New("malformed command"))
	}
	cmd := gjson.ParseBytes(raw)
	typ := cmd.Get("type").String()
	id := cmd.Get("id").String()
	data := cmd.Get("data")

	if typ == CmdSnapshot {
		snap, err := g.snapshot()
		if err != nil {
			return errorMessage(id, err)
		}
		return Message{Type: TypeSnapshot, ID: id, Data: snap}
	}

	op, err := g.bound()
	if err != nil {
		return errorMessage(id, err)
	}

	switch typ {
	case CmdDecide:
		action, err := broker.ParseAction(data.Get("action").String())
		if err != nil {
			return errorMessage(id, err)
		}
		d := broker.Decision{Action: action, Text: data.Get("text").String()}
		if err := op.Decide(ctx, data.Get("id").Uint(), d); err != nil {
			return errorMessage(id, err)
		}
		return Message{Type: TypeResult, ID: id}

	case CmdInspect:
		in, err := op.Inspect(data.Get("id").Uint())
		if err != nil {
			return errorMessage(id, err)
		}
		return Message{Type: TypeResult, ID: id, Data: in}

	case CmdToggleIntercept:
		return Message{Type: TypeResult, ID: id, Data: InterceptState{Enabled: op.ToggleIntercept(ctx)}}

	case CmdAddBlockedDomain:
		if err := op.AddBlockedDomain(ctx, data.Get("domain").String()); err != nil {
			return errorMessage(id, err)
		}
		return Message{Type: TypeResult, ID: id, Data: op.BlockedDomains()}

	case CmdRemoveBlockedDomain:
		if err := op.RemoveBlockedDomain(ctx, data.Get("domain").String()); err != nil {
			return errorMessage(id, err)
		}
		return Message{Type: TypeResult, ID: id, Data: op.BlockedDomains()}

	default:
		return errorMessage(id, fmt.Errorf("unknown command %q", typ))
	}
}

func errorMessage(id string, err error) Message {
	return Message{Type: TypeError, ID: id, Data: ErrorData{Message: err.Error()}}
}

func (g *Gateway) OnPendingListChanged(ctx context.Context, pending []registry.Summary) error {
	return g.broadcast(Message{Type: TypePending, Data: pending})
}

func (g *Gateway) OnResponseReady(ctx context.Context, resp handler.Response) error {
	return g.broadcast(Message{Type: TypeResponse, Data: resp})
}

func (g *Gateway) OnHistoryAppended(ctx context.Context, entry history.Entry) error {
	return g.broadcast(Message{Type: TypeHistoryAppended, Data: entry})
}

func (g *Gateway) OnHistoryMatched(ctx context.Context, index int, entry history.Entry) error {
	return g.broadcast(Message{Type: TypeHistoryMatched, Data: HistoryMatch{Index: index, Entry: entry}})
}

func (g *Gateway) OnDecisionFailed(ctx context.Context, failure handler.Failure) error {
	return g.broadcast(Message{Type: TypeDecisionFailed, Data: failure})
}

func (g *Gateway) OnInterceptToggled(ctx context.Context, enabled bool) error {
	return g.broadcast(Message{Type: TypeIntercept, Data: InterceptState{Enabled: enabled}})
}

func (g *Gateway) OnBlocklistChanged(ctx context.Context, domains []string) error {
	return g.broadcast(Message{Type: TypeBlocklist, Data: domains})
}
