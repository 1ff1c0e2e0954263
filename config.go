// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package intercept holds the top level configuration of the interception
// broker service.
package intercept

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by the service.
const EnvPrefix = "INTERCEPT_"

var (
	errInvalidLogLevel  = errors.New("invalid log level")
	errInvalidLogFormat = errors.New("invalid log format")
	errInvalidFrameSize = errors.New("max frame size must be positive")
	errInvalidRate      = errors.New("accept rate refill requires a positive capacity")
)

// Config is the service configuration.
type Config struct {
	// Engine channels
	ControlAddress   string `env:"CONTROL_ADDRESS"   envDefault:"127.0.0.1:9090"`
	ToggleAddress    string `env:"TOGGLE_ADDRESS"    envDefault:"127.0.0.1:9091"`
	BlocklistAddress string `env:"BLOCKLIST_ADDRESS" envDefault:"127.0.0.1:9092"`

	// Operator surface: /ws, /metrics and the health endpoints.
	HTTPAddress    string   `env:"HTTP_ADDRESS"    envDefault:"127.0.0.1:8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	BlocklistFile string `env:"BLOCKLIST_FILE" envDefault:"blocked_domains.json"`

	// Control channel timing
	ReadTimeout      time.Duration `env:"READ_TIMEOUT"       envDefault:"5s"`
	FrameIdleTimeout time.Duration `env:"FRAME_IDLE_TIMEOUT" envDefault:"100ms"`
	MaxFrameSize     int           `env:"MAX_FRAME_SIZE"     envDefault:"65536"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT"      envDefault:"5s"`
	AckTimeout       time.Duration `env:"ACK_TIMEOUT"        envDefault:"5s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"   envDefault:"30s"`

	ResponseReview   bool `env:"RESPONSE_REVIEW"    envDefault:"false"`
	InterceptOnStart bool `env:"INTERCEPT_ON_START" envDefault:"true"`

	// Accept rate limiting, disabled when capacity is zero.
	AcceptRateCapacity int64 `env:"ACCEPT_RATE_CAPACITY" envDefault:"0"`
	AcceptRateRefill   int64 `env:"ACCEPT_RATE_REFILL"   envDefault:"0"`

	// Engine push channels
	EngineDialTimeout   time.Duration `env:"ENGINE_DIAL_TIMEOUT"   envDefault:"2s"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"10s"`

	// Observability
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"intercept"`
	LogLevel         string `env:"LOG_LEVEL"         envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT"        envDefault:"json"`
	LogFile          string `env:"LOG_FILE"`
	LogMaxSizeMB     int    `env:"LOG_MAX_SIZE_MB"   envDefault:"100"`
	LogMaxBackups    int    `env:"LOG_MAX_BACKUPS"   envDefault:"3"`
	LogMaxAgeDays    int    `env:"LOG_MAX_AGE_DAYS"  envDefault:"28"`
}

// NewConfig parses the configuration from the environment. Callers normally
// pass env.Options{Prefix: EnvPrefix}.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", errInvalidLogLevel, c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", errInvalidLogFormat, c.LogFormat)
	}
	if c.MaxFrameSize <= 0 {
		return errInvalidFrameSize
	}
	if c.AcceptRateCapacity <= 0 && c.AcceptRateRefill > 0 {
		return errInvalidRate
	}
	return nil
}
