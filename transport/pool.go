package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/petal-labs/trellis/envelope"
)

// pool bounds concurrent exchanges to one endpoint. Slots are handed out
// through a buffered channel; callers beyond MaxConnections queue until
// AcquireTimeout and then fail POOL_EXHAUSTED instead of blocking forever.
// The underlying http.Transport reuses and reclaims idle connections.
type pool struct {
	endpoint Endpoint
	slots    chan struct{}
	client   *http.Client
}

func newPool(ep Endpoint) *pool {
	slots := make(chan struct{}, ep.MaxConnections)
	for i := 0; i < ep.MaxConnections; i++ {
		slots <- struct{}{}
	}

	httpTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   ep.MaxConnections,
		MaxConnsPerHost:       ep.MaxConnections,
		IdleConnTimeout:       ep.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &pool{
		endpoint: ep,
		slots:    slots,
		client:   &http.Client{Transport: httpTransport},
	}
}

func (p *pool) acquire(ctx context.Context) error {
	select {
	case <-p.slots:
		return nil
	default:
	}

	timer := time.NewTimer(p.endpoint.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.slots:
		return nil
	case <-ctx.Done():
		return envelope.Normalize(ctx.Err())
	case <-timer.C:
		return envelope.WithDetails(
			envelope.Newf(envelope.CodePoolExhausted, false,
				"no connection to server %q within %s", p.endpoint.ID, p.endpoint.AcquireTimeout),
			map[string]any{"max_connections": p.endpoint.MaxConnections},
		)
	}
}

func (p *pool) release() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

func (p *pool) close() {
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
