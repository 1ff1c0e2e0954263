// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxCommandSize = 1 << 20

// client is one UI connection. Only writePump writes to the socket.
type client struct {
	gateway *Gateway
	ws      *websocket.Conn
	out     chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newClient(g *Gateway, ws *websocket.Conn) *client {
	return &client{
		gateway: g,
		ws:      ws,
		out:     make(chan []byte, g.config.SendBuffer),
		done:    make(chan struct{}),
	}
}

// enqueue queues data without blocking. A client whose buffer is full is
// disconnected.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.out <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.gateway.config.Logger.Warn("ui client too slow, disconnecting",
			slog.String("remote", c.ws.RemoteAddr().String()))
		c.close()
	}
}

func (c *client) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.gateway.config.Logger.Error("failed to encode message",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
		return
	}
	c.enqueue(data)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.ws.Close()
}

func (c *client) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxCommandSize)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.gateway.config.PingInterval))
	})
	c.ws.SetReadDeadline(time.Now().Add(2 * c.gateway.config.PingInterval))

	for {
		typ, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.config.Logger.Debug("ui client read error", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.ws.SetReadDeadline(time.Now().Add(2 * c.gateway.config.PingInterval))
		c.send(c.gateway.dispatch(ctx, raw))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.gateway.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
