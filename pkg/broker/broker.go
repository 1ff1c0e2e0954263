// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/intercept/pkg/blocklist"
	"github.com/absmach/intercept/pkg/codec"
	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/absmach/intercept/pkg/handler"
	"github.com/absmach/intercept/pkg/history"
	"github.com/absmach/intercept/pkg/metrics"
	"github.com/absmach/intercept/pkg/registry"
	"github.com/absmach/intercept/pkg/server/tcp"
)

// DefaultAckTimeout bounds each edit handshake acknowledgement.
const DefaultAckTimeout = 5 * time.Second

var errControlDown = errors.New("control listener is not accepting connections")

// Engine is the broker's view of the interception engine's push channels.
type Engine interface {
	SetIntercept(ctx context.Context, enabled bool) error
	PushBlocklist(ctx context.Context, domains []string) error
}

// Config holds the broker configuration.
type Config struct {
	// Server configures the control listener.
	Server tcp.Config

	// AckTimeout bounds the READY and OK reads of the edit handshake.
	AckTimeout time.Duration

	// ResponseReview queues responses for a forward/drop decision. When
	// off, every response is acknowledged with FORWARD_RESPONSE at once.
	ResponseReview bool

	// InterceptOnStart is the initial toggle state.
	InterceptOnStart bool

	// Engine receives toggle commands and blocklist pushes.
	Engine Engine

	// BlocklistStore persists the blocked domain set. Nil keeps it in memory.
	BlocklistStore blocklist.Store

	// Handler receives operator-facing events. Nil discards them.
	Handler handler.Handler

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Inspection is the detail view of a pending entry.
type Inspection struct {
	ID       uint64    `json:"id"`
	Type     string    `json:"type"`
	Summary  string    `json:"summary"`
	Headers  string    `json:"headers"`
	Body     string    `json:"body"`
	Content  string    `json:"content"`
	Received time.Time `json:"received"`
}

// Broker accepts control connections, queues captured messages until the
// operator decides and executes decisions on the originating connection.
type Broker struct {
	config    Config
	registry  *registry.Registry
	history   *history.Log
	blocklist *blocklist.Synchronizer
	engine    Engine
	handler   handler.Handler
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *tcp.Server

	// toggleMu orders toggle flips with their engine pushes.
	toggleMu     sync.Mutex
	intercepting atomic.Bool
}

var _ tcp.ConnHandler = (*Broker)(nil)

// New creates a broker and loads the persisted blocklist.
func New(cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("")
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Server.Logger == nil {
		cfg.Server.Logger = cfg.Logger
	}
	if cfg.Server.Metrics == nil {
		cfg.Server.Metrics = cfg.Metrics
	}

	b := &Broker{
		config:  cfg,
		history: history.New(),
		engine:  cfg.Engine,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	b.registry = registry.New(b.pendingChanged)

	var pusher blocklist.Pusher
	if cfg.Engine != nil {
		pusher = cfg.Engine
	}
	b.blocklist = blocklist.New(blocklist.Config{
		Store:    cfg.BlocklistStore,
		Pusher:   pusher,
		OnChange: b.blocklistChanged,
		Logger:   cfg.Logger,
	})
	b.metrics.BlockedDomains.Set(float64(len(b.blocklist.Domains())))

	b.intercepting.Store(cfg.InterceptOnStart)
	metrics.SetBool(b.metrics.InterceptEnabled, cfg.InterceptOnStart)

	b.server = tcp.New(cfg.Server, b)
	return b
}

// Listen binds the configured control address and serves until ctx is
// cancelled.
func (b *Broker) Listen(ctx context.Context) error {
	defer b.drain()
	return b.server.Listen(ctx)
}

// Serve accepts control connections on ln until ctx is cancelled.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	defer b.drain()
	return b.server.Serve(ctx, ln)
}

// Ready returns an error unless the control listener is accepting
// connections.
func (b *Broker) Ready(ctx context.Context) error {
	if !b.server.Listening() {
		return errControlDown
	}
	return nil
}

// Handle implements tcp.ConnHandler.
func (b *Broker) Handle(ctx context.Context, conn *tcp.Conn, payload []byte) error {
	return b.handleConn(ctx, conn, payload)
}

// handleConn runs the state machine of one control connection whose
// initial payload was already read. It returns once the connection reached
// a terminal state; the caller closes it.
func (b *Broker) handleConn(ctx context.Context, conn registry.Conn, payload []byte) error {
	frame := codec.Decode(payload)
	b.metrics.FrameSize.WithLabelValues(frame.Kind.String()).Observe(float64(len(payload)))

	switch frame.Kind {
	case codec.Request:
		return b.handleRequest(ctx, conn, frame)
	case codec.Response:
		return b.handleResponse(ctx, conn, frame)
	default:
		b.logger.Debug("ignoring frame with unknown type",
			slog.String("tag", frame.Tag),
			slog.String("remote", conn.RemoteAddr()))
		return nil
	}
}

func (b *Broker) handleRequest(ctx context.Context, conn registry.Conn, frame codec.Frame) error {
	headers, body := frame.Split()
	if rl, ok := codec.ParseRequestLine(headers); ok {
		entry, recorded := b.history.RecordRequest(history.Request{
			Method:   rl.Method,
			URL:      rl.URL,
			Protocol: rl.Protocol,
			Host:     codec.Host(headers),
			Headers:  codec.Normalize(headers),
			Body:     codec.Normalize(body),
		})
		if recorded {
			b.metrics.HistoryEntries.Inc()
			b.report("OnHistoryAppended", b.handler.OnHistoryAppended(ctx, entry))
		}
	}

	id := b.registry.Enqueue(codec.Request, frame.Content, conn)
	b.logger.Info("request queued",
		slog.Uint64("id", id),
		slog.String("summary", codec.Summary(frame.Content)),
		slog.String("remote", conn.RemoteAddr()))

	return b.await(ctx, id, conn)
}

func (b *Broker) handleResponse(ctx context.Context, conn registry.Conn, frame codec.Frame) error {
	headers, body := frame.Split()
	resp := handler.Response{
		URL:     codec.ResponseURL(headers),
		Headers: codec.Normalize(headers),
		Body:    codec.Normalize(body),
	}

	if resp.URL != "" {
		if entry, idx, ok := b.history.RecordResponse(resp.URL, resp.Headers, resp.Body); ok {
			b.metrics.HistoryMatches.WithLabelValues("matched").Inc()
			b.report("OnHistoryMatched", b.handler.OnHistoryMatched(ctx, idx, entry))
		} else {
			b.metrics.HistoryMatches.WithLabelValues("unmatched").Inc()
		}
	}
	b.report("OnResponseReady", b.handler.OnResponseReady(ctx, resp))

	if !b.config.ResponseReview {
		if err := conn.Write([]byte(codec.ForwardResponse)); err != nil {
			b.metrics.ControlErrors.WithLabelValues("write").Inc()
			return bkerrors.New("forward_response", 0, conn.RemoteAddr(), err)
		}
		return nil
	}

	id := b.registry.Enqueue(codec.Response, frame.Content, conn)
	b.logger.Info("response queued",
		slog.Uint64("id", id),
		slog.String("url", resp.URL),
		slog.String("remote", conn.RemoteAddr()))

	return b.await(ctx, id, conn)
}

// await parks a queued connection until it is decided, dropped by the
// peer or released by shutdown.
func (b *Broker) await(ctx context.Context, id uint64, conn registry.Conn) error {
	select {
	case <-conn.Done():
		// A decision takes the entry before it touches the connection, so
		// an entry still registered here means the peer went away.
		p, ok := b.registry.Take(id)
		if !ok {
			return nil
		}
		err := bkerrors.New("queued", id, conn.RemoteAddr(), bkerrors.ErrConnectionClosed)
		b.fail(ctx, p, "queued", err)
		return err

	case <-ctx.Done():
		p, ok := b.registry.Take(id)
		if !ok {
			// A decision is in flight; it closes the connection when done.
			<-conn.Done()
			return nil
		}
		p.Conn.Close()
		b.fail(context.WithoutCancel(ctx), p, "shutdown", bkerrors.ErrConnectionClosed)
		return nil
	}
}

// drain releases entries left behind by callers of handleConn that never
// reached await's shutdown branch.
func (b *Broker) drain() {
	for _, p := range b.registry.Drain() {
		p.Conn.Close()
		b.fail(context.Background(), p, "shutdown", bkerrors.ErrConnectionClosed)
	}
}

func (b *Broker) fail(ctx context.Context, p registry.Pending, op string, err error) {
	b.metrics.DecisionFailures.WithLabelValues(op).Inc()
	b.logger.Warn("pending message failed",
		slog.Uint64("id", p.ID),
		slog.String("op", op),
		slog.String("remote", p.Conn.RemoteAddr()),
		slog.String("error", err.Error()))
	b.report("OnDecisionFailed", b.handler.OnDecisionFailed(ctx, handler.Failure{
		ID:     p.ID,
		Op:     op,
		Reason: err.Error(),
	}))
}

func (b *Broker) pendingChanged(pending []registry.Summary) {
	b.metrics.PendingRequests.Set(float64(len(pending)))
	b.report("OnPendingListChanged", b.handler.OnPendingListChanged(context.Background(), pending))
}

func (b *Broker) blocklistChanged(domains []string) {
	b.metrics.BlockedDomains.Set(float64(len(domains)))
	b.report("OnBlocklistChanged", b.handler.OnBlocklistChanged(context.Background(), domains))
}

func (b *Broker) report(event string, err error) {
	if err != nil {
		b.logger.Error("handler error",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// Pending returns the pending list in arrival order.
func (b *Broker) Pending() []registry.Summary {
	return b.registry.List()
}

// Inspect returns the headers and body of a pending entry.
func (b *Broker) Inspect(id uint64) (Inspection, error) {
	p, ok := b.registry.Lookup(id)
	if !ok {
		return Inspection{}, bkerrors.New("inspect", id, "", bkerrors.ErrNotFound)
	}
	headers, body := codec.SplitHeadersBody(p.Content)
	return Inspection{
		ID:       p.ID,
		Type:     p.Kind.String(),
		Summary:  codec.Summary(p.Content),
		Headers:  codec.Normalize(headers),
		Body:     codec.Normalize(body),
		Content:  codec.Normalize(p.Content),
		Received: p.Received,
	}, nil
}

// History returns the history log, oldest first.
func (b *Broker) History() []history.Entry {
	return b.history.Entries()
}

// AddBlockedDomain blocks a domain and pushes the new set to the engine.
func (b *Broker) AddBlockedDomain(ctx context.Context, domain string) error {
	return b.blocklist.Add(ctx, domain)
}

// RemoveBlockedDomain unblocks a domain and pushes the new set to the engine.
func (b *Broker) RemoveBlockedDomain(ctx context.Context, domain string) error {
	return b.blocklist.Remove(ctx, domain)
}

// BlockedDomains returns the blocked domain set.
func (b *Broker) BlockedDomains() []string {
	return b.blocklist.Domains()
}

// PushBlocklist sends the current set to the engine.
func (b *Broker) PushBlocklist(ctx context.Context) error {
	return b.blocklist.Push(ctx)
}
