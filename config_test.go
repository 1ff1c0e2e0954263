// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: "INTERCEPT_TEST_DEFAULTS_"})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.ControlAddress)
	assert.Equal(t, "127.0.0.1:9091", cfg.ToggleAddress)
	assert.Equal(t, "127.0.0.1:9092", cfg.BlocklistAddress)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddress)
	assert.Equal(t, "blocked_domains.json", cfg.BlocklistFile)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.FrameIdleTimeout)
	assert.Equal(t, 65536, cfg.MaxFrameSize)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
	assert.False(t, cfg.ResponseReview)
	assert.True(t, cfg.InterceptOnStart)
	assert.Zero(t, cfg.AcceptRateCapacity)
	assert.Equal(t, 5, cfg.BreakerMaxFailures)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Empty(t, cfg.LogFile)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("INTERCEPT_CONTROL_ADDRESS", "127.0.0.1:19090")
	t.Setenv("INTERCEPT_ACK_TIMEOUT", "250ms")
	t.Setenv("INTERCEPT_RESPONSE_REVIEW", "true")
	t.Setenv("INTERCEPT_ALLOWED_ORIGINS", "http://localhost:8080,http://127.0.0.1:8080")
	t.Setenv("INTERCEPT_ACCEPT_RATE_CAPACITY", "50")
	t.Setenv("INTERCEPT_ACCEPT_RATE_REFILL", "10")
	t.Setenv("INTERCEPT_LOG_FORMAT", "text")

	cfg, err := NewConfig(env.Options{Prefix: EnvPrefix})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:19090", cfg.ControlAddress)
	assert.Equal(t, 250*time.Millisecond, cfg.AckTimeout)
	assert.True(t, cfg.ResponseReview)
	assert.Equal(t, []string{"http://localhost:8080", "http://127.0.0.1:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(50), cfg.AcceptRateCapacity)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestNewConfigInvalid(t *testing.T) {
	cases := []struct {
		desc  string
		key   string
		value string
		err   error
	}{
		{desc: "log level", key: "LOG_LEVEL", value: "verbose", err: errInvalidLogLevel},
		{desc: "log format", key: "LOG_FORMAT", value: "xml", err: errInvalidLogFormat},
		{desc: "frame size", key: "MAX_FRAME_SIZE", value: "0", err: errInvalidFrameSize},
		{desc: "refill without capacity", key: "ACCEPT_RATE_REFILL", value: "5", err: errInvalidRate},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Setenv("INTERCEPT_INVALID_"+tc.key, tc.value)
			_, err := NewConfig(env.Options{Prefix: "INTERCEPT_INVALID_"})
			assert.ErrorIs(t, err, tc.err)
		})
	}

	t.Run("unparsable duration", func(t *testing.T) {
		t.Setenv("INTERCEPT_BAD_ACK_TIMEOUT", "soon")
		_, err := NewConfig(env.Options{Prefix: "INTERCEPT_BAD_"})
		assert.Error(t, err)
	})
}
