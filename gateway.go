// Package trellis is a bidirectional tool-invocation gateway. It registers
// schema-described tools, routes inbound tool calls to local handlers, and
// routes outbound calls through auth, resilience, and pooled transports.
package trellis

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/trellis/envelope"
	"github.com/petal-labs/trellis/resilience"
	"github.com/petal-labs/trellis/tool"
	"github.com/petal-labs/trellis/transport"
)

// DefaultDeadline bounds an invocation when the request carries none.
const DefaultDeadline = 30 * time.Second

// DefaultLocalServerID names the gateway's own tool catalog.
const DefaultLocalServerID = "local"

// Transport is the outbound exchange surface the gateway dispatches through.
// *transport.Adapter is the production implementation.
type Transport interface {
	ListTools(ctx context.Context, serverID string, header http.Header) ([]tool.WireDescriptor, error)
	Invoke(ctx context.Context, serverID string, header http.Header, req transport.InvokeRequest) (json.RawMessage, error)
}

// Authenticator attaches credentials to an outbound request's headers.
// *auth.Manager is the production implementation.
type Authenticator interface {
	Attach(ctx context.Context, serverID string, header http.Header) error
}

// GatewayConfig assembles a Gateway.
type GatewayConfig struct {
	Registry  *tool.Registry
	Transport Transport
	Auth      Authenticator

	Retry    resilience.RetryPolicy
	Breaker  resilience.BreakerConfig
	CacheTTL time.Duration

	// Deadline is the per-invocation ceiling applied when a request carries
	// none. Default: 30s.
	Deadline time.Duration

	// LocalServerID is the server id the gateway registers its own handlers
	// under. Default: "local".
	LocalServerID string

	Pending  PendingStore
	Observer Observer
	Logger   *slog.Logger
}

// Gateway is the invocation router. One value serves both roles: inbound
// dispatch to local handlers and outbound invocation of remote tools.
type Gateway struct {
	registry  *tool.Registry
	transport Transport
	auth      Authenticator
	executor  *resilience.Executor
	cache     *resilience.Cache
	deadline  time.Duration
	localID   string
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	pending *pendingTracker

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	expireDone  chan struct{}
}

// NewGateway creates a gateway. Registry and Transport are required for
// outbound use; Auth, Pending, and Observer may be nil.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	localID := cfg.LocalServerID
	if localID == "" {
		localID = DefaultLocalServerID
	}
	cache := resilience.NewCache(cfg.CacheTTL)
	return &Gateway{
		registry:  cfg.Registry,
		transport: cfg.Transport,
		auth:      cfg.Auth,
		executor: resilience.NewExecutor(resilience.ExecutorConfig{
			Retry:   cfg.Retry,
			Breaker: cfg.Breaker,
			Cache:   cache,
			Logger:  logger,
		}),
		cache:    cache,
		deadline: deadline,
		localID:  localID,
		observer: observer,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
		inflight: make(map[string]struct{}),
		pending:  newPendingTracker(cfg.Pending, logger),
	}
}

// Registry exposes the gateway's tool registry.
func (g *Gateway) Registry() *tool.Registry {
	return g.registry
}

// Breakers exposes per-server circuit state for health reporting.
func (g *Gateway) Breakers() *resilience.BreakerSet {
	return g.executor.Breakers()
}

// Request describes one outbound invocation.
type Request struct {
	// RequestID is assigned when empty. A request id may not be reused while
	// its invocation is in flight.
	RequestID string
	ServerID  string
	ToolName  string
	Params    map[string]any
	// Deadline overrides the gateway default for this call.
	Deadline time.Duration
}

// Result is a successful invocation outcome.
type Result struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Latency   time.Duration   `json:"latency"`
	CacheHit  bool            `json:"cache_hit"`
	Attempts  int             `json:"attempts"`
}

// Invoke routes one outbound call: validate params against the registered
// descriptor, attach credentials, then run the transport exchange through
// the resilience pipeline. All failures come back as *envelope.Envelope.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := g.claimRequestID(req.RequestID); err != nil {
		return nil, err
	}
	defer g.releaseRequestID(req.RequestID)

	start := g.now()
	result, err := g.invoke(ctx, req, start)

	observation := InvokeObservation{
		RequestID: req.RequestID,
		ServerID:  req.ServerID,
		ToolName:  req.ToolName,
		Direction: "outbound",
		Success:   err == nil,
		Latency:   g.now().Sub(start),
	}
	if result != nil {
		observation.Attempts = result.Attempts
		observation.CacheHit = result.CacheHit
	}
	if err != nil {
		observation.ErrorCode = envelope.Code(err)
		g.logger.Warn("invocation failed",
			"request_id", req.RequestID,
			"server_id", req.ServerID,
			"tool", req.ToolName,
			"error", err)
	}
	g.observer.ObserveInvoke(observation)
	return result, err
}

func (g *Gateway) invoke(ctx context.Context, req Request, start time.Time) (*Result, error) {
	desc, err := g.registry.Lookup(req.ServerID, req.ToolName)
	if err != nil {
		return nil, err
	}
	if err := g.registry.ValidateParams(req.ServerID, req.ToolName, req.Params); err != nil {
		return nil, err
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = g.deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	header := http.Header{}
	if g.auth != nil {
		// Auth failures are terminal: the retry loop never sees them.
		if err := g.auth.Attach(ctx, req.ServerID, header); err != nil {
			return nil, envelope.Normalize(err)
		}
	}

	wireReq := transport.InvokeRequest{
		Name:      req.ToolName,
		Params:    req.Params,
		RequestID: req.RequestID,
	}
	outcome, err := g.executor.Execute(ctx, resilience.Call{
		ServerID:  req.ServerID,
		ToolName:  req.ToolName,
		Params:    req.Params,
		Cacheable: desc.Cacheable,
		Send: func(ctx context.Context, attempt int) (json.RawMessage, error) {
			return g.transport.Invoke(ctx, req.ServerID, header, wireReq)
		},
		OnRetry: func(attempt int, err error) {
			g.observer.ObserveRetry(RetryObservation{
				RequestID: req.RequestID,
				ServerID:  req.ServerID,
				ToolName:  req.ToolName,
				Attempt:   attempt,
				ErrorCode: envelope.Code(err),
			})
		},
	})
	if err != nil {
		return &Result{RequestID: req.RequestID, Attempts: outcome.Attempts, Latency: g.now().Sub(start)}, envelope.Normalize(err)
	}

	return &Result{
		RequestID: req.RequestID,
		Data:      outcome.Result,
		Latency:   g.now().Sub(start),
		CacheHit:  outcome.CacheHit,
		Attempts:  outcome.Attempts,
	}, nil
}

// Discover fetches a remote server's tool catalog and merges it into the
// registry. Malformed entries are skipped, not fatal.
func (g *Gateway) Discover(ctx context.Context, serverID string) (added, skipped int, err error) {
	start := g.now()
	defer func() {
		g.observer.ObserveDiscovery(DiscoveryObservation{
			ServerID: serverID,
			Added:    added,
			Skipped:  skipped,
			Latency:  g.now().Sub(start),
			Success:  err == nil,
		})
	}()

	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	header := http.Header{}
	if g.auth != nil {
		if err = g.auth.Attach(ctx, serverID, header); err != nil {
			return 0, 0, envelope.Normalize(err)
		}
	}
	entries, err := g.transport.ListTools(ctx, serverID, header)
	if err != nil {
		return 0, 0, envelope.Normalize(err)
	}
	return g.registry.MergeDiscovered(ctx, serverID, entries)
}

// Start launches background work: the cache sweeper and pending-invocation
// expiry. Safe to call once; pair with Stop.
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.sweepCancel = cancel
	g.sweepDone = make(chan struct{})
	g.expireDone = make(chan struct{})
	go func() {
		defer close(g.sweepDone)
		g.cache.Sweep(ctx, time.Minute)
	}()
	go func() {
		defer close(g.expireDone)
		g.pending.expireLoop(ctx)
	}()
	g.logger.Info("gateway started", "local_server_id", g.localID)
}

// Stop halts background work started by Start, waiting for both loops so the
// stores are quiescent before a caller closes them.
func (g *Gateway) Stop() {
	if g.sweepCancel != nil {
		g.sweepCancel()
		<-g.sweepDone
		<-g.expireDone
	}
	g.logger.Info("gateway stopped")
}

func (g *Gateway) claimRequestID(requestID string) error {
	g.inflightMu.Lock()
	defer g.inflightMu.Unlock()
	if _, exists := g.inflight[requestID]; exists {
		return envelope.Newf(envelope.CodeInternal, false,
			"request id %q is already in flight", requestID)
	}
	g.inflight[requestID] = struct{}{}
	return nil
}

func (g *Gateway) releaseRequestID(requestID string) {
	g.inflightMu.Lock()
	delete(g.inflight, requestID)
	g.inflightMu.Unlock()
}
