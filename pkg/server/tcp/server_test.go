// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/absmach/intercept/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	got      chan []byte
	reply    []byte
	block    bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan []byte, 16)}
}

func (h *recordingHandler) Handle(ctx context.Context, conn *Conn, payload []byte) error {
	h.mu.Lock()
	h.payloads = append(h.payloads, payload)
	h.mu.Unlock()
	h.got <- payload

	if h.reply != nil {
		if err := conn.Write(h.reply); err != nil {
			return err
		}
	}
	if h.block {
		select {
		case <-conn.Done():
		case <-ctx.Done():
		}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func startServer(t *testing.T, cfg Config, h ConnHandler) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg.Logger = testLogger()
	server := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(ctx, listener)
	}()
	t.Cleanup(cancel)

	return listener.Addr().String(), cancel, serverErr
}

func TestServer_AssemblesSplitWrites(t *testing.T) {
	h := newRecordingHandler()
	h.reply = []byte("FORWARD")
	addr, _, _ := startServer(t, Config{FrameIdleTimeout: 200 * time.Millisecond}, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for _, part := range []string{"REQUEST", "\n\n", "GET / HTTP/1.1\r\nHost: a\r\n\r\n"} {
		_, err := conn.Write([]byte(part))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case payload := <-h.got:
		assert.Equal(t, "REQUEST\n\nGET / HTTP/1.1\r\nHost: a\r\n\r\n", string(payload))
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not called")
	}

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "FORWARD", string(reply))
}

func TestServer_OversizedPayloadPeerClose(t *testing.T) {
	m := metrics.New("test")
	released := make(chan struct{})
	h := ConnHandlerFunc(func(ctx context.Context, conn *Conn, payload []byte) error {
		assert.Len(t, payload, 1024)
		<-conn.Done()
		close(released)
		return nil
	})
	addr, _, _ := startServer(t, Config{MaxFrameSize: 1024, Metrics: m}, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write(append([]byte("REQUEST\n\n"), bytes.Repeat([]byte("a"), 400<<10)...))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("peer close of an oversized payload was not observed")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlErrors.WithLabelValues("oversize")))
}

func TestServer_ConcurrentConnections(t *testing.T) {
	h := newRecordingHandler()
	h.block = true
	addr, _, _ := startServer(t, Config{}, h)

	var conns []net.Conn
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conns = append(conns, conn)
		_, err = conn.Write([]byte("REQUEST\n\nGET / HTTP/1.1"))
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		select {
		case <-h.got:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 5 blocked handlers started", i)
		}
	}

	for _, c := range conns {
		c.Close()
	}
}

func TestServer_SilentPeerTimesOut(t *testing.T) {
	h := newRecordingHandler()
	addr, _, _ := startServer(t, Config{ReadTimeout: 100 * time.Millisecond}, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-h.got:
		t.Fatal("handler must not run without a payload")
	default:
	}
}

func TestServer_RateLimited(t *testing.T) {
	m := metrics.New("test")
	h := newRecordingHandler()
	addr, _, _ := startServer(t, Config{
		Limiter: NewRateLimiter(1, 0),
		Metrics: m,
	}, h)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write([]byte("REQUEST\n\nGET / HTTP/1.1"))
	require.NoError(t, err)

	select {
	case <-h.got:
	case <-time.After(3 * time.Second):
		t.Fatal("first connection was not handled")
	}

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ControlConnections.WithLabelValues(metrics.StatusAccepted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ControlConnections.WithLabelValues(metrics.StatusRejected)))
}

func TestServer_ShutdownReleasesBlockedHandlers(t *testing.T) {
	h := newRecordingHandler()
	h.block = true
	addr, cancel, serverErr := startServer(t, Config{ShutdownTimeout: 2 * time.Second}, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("REQUEST\n\nGET / HTTP/1.1"))
	require.NoError(t, err)
	<-h.got

	cancel()

	select {
	case err := <-serverErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_ShutdownTimeout(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	started := make(chan struct{}, 1)

	h := ConnHandlerFunc(func(ctx context.Context, conn *Conn, payload []byte) error {
		started <- struct{}{}
		select {
		case <-stuck:
		case <-conn.Done():
		}
		return nil
	})
	addr, cancel, serverErr := startServer(t, Config{ShutdownTimeout: 100 * time.Millisecond}, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("REQUEST\n\nGET / HTTP/1.1"))
	require.NoError(t, err)
	<-started

	cancel()

	select {
	case err := <-serverErr:
		assert.ErrorIs(t, err, ErrShutdownTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_InvalidAddress(t *testing.T) {
	server := New(Config{Address: "invalid:address:99999", Logger: testLogger()}, newRecordingHandler())
	assert.Error(t, server.Listen(context.Background()))
}

func TestNew_DefaultConfig(t *testing.T) {
	server := New(Config{}, newRecordingHandler())

	require.NotNil(t, server)
	assert.NotNil(t, server.config.Logger)
	assert.Equal(t, DefaultReadTimeout, server.config.ReadTimeout)
	assert.Equal(t, DefaultFrameIdleTimeout, server.config.FrameIdleTimeout)
	assert.Equal(t, DefaultMaxFrameSize, server.config.MaxFrameSize)
	assert.Equal(t, DefaultShutdownTimeout, server.config.ShutdownTimeout)
}

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	c := NewConn(local, time.Second)
	t.Cleanup(func() {
		c.Close()
		remote.Close()
	})
	return c, remote
}

func TestReadPayload_MaxFrameSize(t *testing.T) {
	c, remote := pipeConn(t)

	go remote.Write([]byte("0123456789"))

	payload, overflow, err := ReadPayload(c, time.Second, 200*time.Millisecond, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(payload))
	assert.Equal(t, 6, overflow)
}

func TestReadPayload_ConsumesOverflow(t *testing.T) {
	c, remote := pipeConn(t)

	written := make(chan error, 1)
	go func() {
		_, err := remote.Write(bytes.Repeat([]byte("a"), 256<<10))
		written <- err
	}()

	payload, overflow, err := ReadPayload(c, 3*time.Second, 100*time.Millisecond, 1024)
	require.NoError(t, err)
	assert.Len(t, payload, 1024)
	assert.Equal(t, 256<<10-1024, overflow)

	// net.Pipe writes block until read, so the writer finishing proves the
	// whole message was consumed.
	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("overflow was not consumed")
	}
}

func TestReadPayload_NothingReceived(t *testing.T) {
	c, _ := pipeConn(t)

	_, _, err := ReadPayload(c, 50*time.Millisecond, 10*time.Millisecond, 1024)
	assert.ErrorIs(t, err, bkerrors.ErrTimeout)
}

func TestConn_DiscardKeepsPeerCloseVisible(t *testing.T) {
	c, remote := pipeConn(t)
	c.Discard()

	go func() {
		remote.Write(bytes.Repeat([]byte("b"), 512<<10))
		remote.Close()
	}()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed while discarding unread input")
	}
	assert.Equal(t, 512<<10, c.Flush())
}

func TestConn_FlushResumesDelivery(t *testing.T) {
	c, remote := pipeConn(t)

	_, err := remote.Write([]byte("stale"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.chunks) == 1 }, time.Second, 5*time.Millisecond)
	c.Discard()

	assert.Equal(t, len("stale"), c.Flush())

	go remote.Write([]byte("READY"))
	b, err := c.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "READY", string(b))
	assert.Zero(t, c.Flush())
}

func TestConn_ReadTimeoutAndClose(t *testing.T) {
	c, remote := pipeConn(t)

	_, err := c.Read(20 * time.Millisecond)
	assert.ErrorIs(t, err, bkerrors.ErrTimeout)

	go func() {
		remote.Write([]byte("READY"))
		remote.Close()
	}()

	b, err := c.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "READY", string(b))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after peer close")
	}

	_, err = c.Read(time.Second)
	assert.ErrorIs(t, err, bkerrors.ErrConnectionClosed)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	c, _ := pipeConn(t)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Write([]byte("x")), bkerrors.ErrConnectionClosed)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	assert.NotEmpty(t, c.SessionID())
}
