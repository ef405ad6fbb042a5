package resilience

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/petal-labs/trellis/envelope"
)

// SendFunc performs one transport attempt for a call. attempt is 1-based.
type SendFunc func(ctx context.Context, attempt int) (json.RawMessage, error)

// Call describes one outbound invocation as the executor sees it.
type Call struct {
	ServerID  string
	ToolName  string
	Params    map[string]any
	Cacheable bool
	Send      SendFunc
	// OnRetry, when set, is called with each failed attempt that will be
	// retried, before the backoff sleep.
	OnRetry func(attempt int, err error)
}

// Outcome reports how a call resolved. Attempts is 0 on a cache hit or when
// the circuit rejected the call before any transport work.
type Outcome struct {
	Result   json.RawMessage
	CacheHit bool
	Attempts int
}

// ExecutorConfig assembles the resilience pipeline.
type ExecutorConfig struct {
	Retry   RetryPolicy
	Breaker BreakerConfig
	Cache   *Cache
	Logger  *slog.Logger
}

// Executor runs outbound calls through cache lookup, circuit-breaker check,
// and the retry loop, in that order. A cache hit bypasses the breaker and
// the network entirely; a miss proceeds through breaker and retry, and
// populates the cache only on success.
type Executor struct {
	retry    RetryPolicy
	breakers *BreakerSet
	cache    *Cache
	logger   *slog.Logger
}

// NewExecutor creates an executor. A nil Cache disables caching even for
// calls flagged cacheable.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.Logger == nil {
		breakerCfg.Logger = logger
	}
	return &Executor{
		retry:    cfg.Retry.withDefaults(),
		breakers: NewBreakerSet(breakerCfg),
		cache:    cfg.Cache,
		logger:   logger,
	}
}

// Breakers exposes the per-server circuit state for health inspection.
func (e *Executor) Breakers() *BreakerSet {
	return e.breakers
}

// Execute runs one call through the pipeline.
func (e *Executor) Execute(ctx context.Context, call Call) (Outcome, error) {
	var key string
	if call.Cacheable && e.cache != nil {
		key = CacheKey(call.ServerID, call.ToolName, call.Params)
		if result, ok := e.cache.Get(key); ok {
			e.logger.Debug("cache hit",
				"server_id", call.ServerID,
				"tool", call.ToolName)
			return Outcome{Result: result, CacheHit: true}, nil
		}
	}

	breaker := e.breakers.For(call.ServerID)
	trial, err := breaker.Allow()
	if err != nil {
		// Open circuit: fail fast, consuming no retry budget.
		return Outcome{}, err
	}

	policy := e.retry
	if trial {
		// The half-open slot is a single probe; retrying inside it would
		// turn one trial into several.
		policy.MaxAttempts = 1
	}

	sendRan := false
	send := func(ctx context.Context, attempt int) (json.RawMessage, error) {
		sendRan = true
		result, err := call.Send(ctx, attempt)
		if err != nil {
			if countsAsBreakerFailure(err) {
				breaker.ReportFailure()
			} else {
				// The server answered coherently; a rejected request is not
				// a sign of remote ill health.
				breaker.ReportSuccess()
			}
			return nil, err
		}
		breaker.ReportSuccess()
		return result, nil
	}

	notify := func(attempt int, err error) {
		e.logger.Warn("retrying invocation",
			"server_id", call.ServerID,
			"tool", call.ToolName,
			"attempt", attempt,
			"error", err)
		if call.OnRetry != nil {
			call.OnRetry(attempt, err)
		}
	}

	result, attempts, err := retry(ctx, policy, notify, send)
	if trial && !sendRan {
		// The trial never reached the transport, so the breaker heard no
		// report. Put the slot back or it stays claimed forever.
		breaker.AbandonTrial()
	}
	if err != nil {
		return Outcome{Attempts: attempts}, err
	}

	if key != "" {
		e.cache.Put(key, result)
	}
	return Outcome{Result: result, Attempts: attempts}, nil
}

// countsAsBreakerFailure reports whether an error signals remote ill health.
// Transport-level failures and 5xx-equivalent remote errors trip the breaker;
// application rejections, schema errors, and auth failures do not.
func countsAsBreakerFailure(err error) bool {
	switch envelope.Code(err) {
	case envelope.CodeTransportTimeout, envelope.CodeTransportConnection, envelope.CodeTransportTLS:
		return true
	case envelope.CodeRemoteApplication:
		return envelope.IsRetryable(err)
	default:
		return false
	}
}
