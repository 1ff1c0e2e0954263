// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	bkerrors "github.com/absmach/intercept/pkg/errors"
	"github.com/absmach/intercept/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineStub accepts connections and reports each message read until EOF.
func engineStub(t *testing.T) (string, <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			data, _ := io.ReadAll(conn)
			conn.Close()
			got <- string(data)
		}
	}()
	return ln.Addr().String(), got
}

// deadAddress returns an address nobody listens on.
func deadAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func receive(t *testing.T, got <-chan string) string {
	t.Helper()
	select {
	case msg := <-got:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("engine stub received nothing")
		return ""
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestSetIntercept(t *testing.T) {
	addr, got := engineStub(t)
	c := New(Config{ToggleAddress: addr, Logger: testLogger()})

	require.NoError(t, c.SetIntercept(context.Background(), false))
	assert.Equal(t, "INTERCEPT_OFF", receive(t, got))

	require.NoError(t, c.SetIntercept(context.Background(), true))
	assert.Equal(t, "INTERCEPT_ON", receive(t, got))
}

func TestPushBlocklist(t *testing.T) {
	addr, got := engineStub(t)
	m := metrics.New("test")
	c := New(Config{BlocklistAddress: addr, Metrics: m, Logger: testLogger()})

	require.NoError(t, c.PushBlocklist(context.Background(), []string{"a.com", "b.com"}))
	assert.Equal(t, `["a.com","b.com"]`, receive(t, got))

	require.NoError(t, c.PushBlocklist(context.Background(), nil))
	assert.Equal(t, `[]`, receive(t, got))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EnginePushes.WithLabelValues(BlocklistChannel, metrics.StatusSuccess)))
}

func TestPushFailureOpensBreaker(t *testing.T) {
	m := metrics.New("test")
	c := New(Config{
		ToggleAddress: deadAddress(t),
		Breaker:       BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Metrics:       m,
		Logger:        testLogger(),
	})
	ctx := context.Background()

	assert.Error(t, c.SetIntercept(ctx, true))
	assert.Error(t, c.SetIntercept(ctx, true))

	err := c.SetIntercept(ctx, true)
	assert.ErrorIs(t, err, bkerrors.ErrEngineUnavailable)
	assert.ErrorIs(t, c.Check(ctx), bkerrors.ErrEngineUnavailable)
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues(ToggleChannel)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EnginePushes.WithLabelValues(ToggleChannel, metrics.StatusError)))
}

func TestChannelsAreIndependent(t *testing.T) {
	addr, got := engineStub(t)
	c := New(Config{
		ToggleAddress:    deadAddress(t),
		BlocklistAddress: addr,
		Breaker:          BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		Logger:           testLogger(),
	})

	assert.Error(t, c.SetIntercept(context.Background(), true))
	require.NoError(t, c.PushBlocklist(context.Background(), []string{"x.com"}))
	assert.Equal(t, `["x.com"]`, receive(t, got))
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestBreakerLifecycle(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	var changes []State
	b := NewBreaker(BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}, func(to State) {
		changes = append(changes, to)
	})
	b.now = clk.Now

	fail := errors.New("refused")
	called := 0
	failing := func() error { called++; return fail }
	ok := func() error { called++; return nil }

	assert.ErrorIs(t, b.Call(failing), fail)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Call(failing), fail)
	assert.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, b.Call(ok), ErrCircuitOpen)
	assert.Equal(t, 2, called)

	clk.now = clk.now.Add(2 * time.Minute)
	assert.ErrorIs(t, b.Call(failing), fail)
	assert.Equal(t, StateOpen, b.State())

	clk.now = clk.now.Add(2 * time.Minute)
	assert.NoError(t, b.Call(ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, changes)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 2}, nil)
	fail := errors.New("refused")

	b.Call(func() error { return fail })
	b.Call(func() error { return nil })
	b.Call(func() error { return fail })

	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
