package conn

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults applied to zero Options fields.
const (
	DefaultAddress            = "localhost:6600"
	DefaultConnectTimeout     = 5 * time.Second
	DefaultReadTimeout        = 30 * time.Second
	DefaultMaxConnectAttempts = 3
	DefaultRetryDelay         = 500 * time.Millisecond
	DefaultMaxCommandAttempts = 3
)

// Options configures a Connection.
type Options struct {
	// Address is host:port, or a filesystem path for a unix socket.
	Address  string
	Password string

	ConnectTimeout time.Duration
	// ReadTimeout bounds each exchange. Negative disables it.
	ReadTimeout time.Duration

	MaxConnectAttempts int
	RetryDelay         time.Duration
	MaxCommandAttempts int

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Address == "" {
		o.Address = DefaultAddress
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.MaxConnectAttempts <= 0 {
		o.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxCommandAttempts <= 0 {
		o.MaxCommandAttempts = DefaultMaxCommandAttempts
	}
	return o
}

func (o Options) network() string {
	if strings.HasPrefix(o.Address, "/") || strings.HasPrefix(o.Address, "@") {
		return "unix"
	}
	return "tcp"
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return log.Logger
}
