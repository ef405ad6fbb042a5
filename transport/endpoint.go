// Package transport performs raw request/response exchange with remote
// servers over pooled HTTP connections.
//
// The wire protocol is two JSON operations against a server's base address:
// POST /tools/list and POST /tools/invoke. Failure classification happens
// here: timeouts, connection errors, and TLS errors each map to their own
// envelope code so the resilience layer can decide what is transient.
package transport

import (
	"fmt"
	"strings"
	"time"
)

// Transport kinds. Only HTTP is wired today; the field exists so endpoint
// configuration stays stable when more kinds land.
const KindHTTP = "http"

const (
	defaultMaxConnections = 8
	maxMaxConnections     = 64
	defaultAcquireTimeout = 5 * time.Second
	defaultIdleTimeout    = 90 * time.Second
)

// Endpoint describes one remote server. Created at configuration time and
// immutable for the process lifetime.
type Endpoint struct {
	ID             string
	BaseAddress    string
	Kind           string
	MaxConnections int
	// AcquireTimeout bounds how long a caller queues for a pooled connection
	// before failing POOL_EXHAUSTED.
	AcquireTimeout time.Duration
	// IdleTimeout reclaims pooled connections that sit unused.
	IdleTimeout time.Duration
}

func (e Endpoint) withDefaults() Endpoint {
	out := e
	if out.Kind == "" {
		out.Kind = KindHTTP
	}
	if out.MaxConnections <= 0 {
		out.MaxConnections = defaultMaxConnections
	}
	if out.MaxConnections > maxMaxConnections {
		out.MaxConnections = maxMaxConnections
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = defaultAcquireTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	return out
}

func (e Endpoint) validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("transport: endpoint id is required")
	}
	if strings.TrimSpace(e.BaseAddress) == "" {
		return fmt.Errorf("transport: endpoint %q base address is required", e.ID)
	}
	if e.Kind != "" && e.Kind != KindHTTP {
		return fmt.Errorf("transport: endpoint %q has unsupported kind %q", e.ID, e.Kind)
	}
	return nil
}
