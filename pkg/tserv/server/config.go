package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

// Config holds server configuration. It is copied and clamped by NewServer,
// so a Server never observes changes made to a Config after construction.
type Config struct {
	Host string `validate:"omitempty,hostname|ip"` // Interface to bind, all interfaces when empty
	Port int    `validate:"min=0,max=65535"`       // Listening port, 0 picks an ephemeral port

	// MaxConnections caps how many workers (and therefore in-flight
	// connections) may exist at once. Clamped to at least 1.
	MaxConnections int `validate:"min=1"`

	// MinWorkers is the permanent worker floor: that many workers are
	// spawned eagerly on Start and survive idle periods. Clamped to
	// [0, MaxConnections].
	MinWorkers int `validate:"min=0,ltefield=MaxConnections"`

	// HandlerOptions is opaque to the server and handed to the Handler on
	// every invocation. Each worker snapshots the value current at its
	// spawn; Reload swaps it for workers spawned afterwards.
	HandlerOptions any

	// ResolvePeerNames enables a reverse DNS lookup per accepted
	// connection to fill PeerInfo.Name. Off by default because the lookup
	// blocks the accept loop.
	ResolvePeerNames bool

	// AcceptRate throttles the accept loop to this many connections per
	// second when positive. AcceptBurst bounds the burst size (minimum 1).
	AcceptRate  rate.Limit `validate:"min=0"`
	AcceptBurst int        `validate:"min=0"`
}

var validate = validator.New()

// Validate runs the strict struct-tag validation. The server itself never
// requires this: NewServer silently clamps out-of-range counts instead.
// Command-line frontends call Validate to reject nonsense flags early.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// clamped returns a copy with MaxConnections and MinWorkers forced into
// valid bounds: 1 <= MaxConnections and 0 <= MinWorkers <= MaxConnections.
func (c Config) clamped() Config {
	if c.MaxConnections < 1 {
		c.MaxConnections = 1
	}
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MinWorkers > c.MaxConnections {
		c.MinWorkers = c.MaxConnections
	}
	return c
}
