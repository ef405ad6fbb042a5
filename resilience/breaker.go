package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/trellis/envelope"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// BreakerState names the three circuit states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes the per-server circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before permitting one
	// half-open trial call. Default: 60s.
	Cooldown time.Duration
	Logger   *slog.Logger
	// now is injectable for tests.
	now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	out := c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = DefaultFailureThreshold
	}
	if out.Cooldown <= 0 {
		out.Cooldown = DefaultCooldown
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// BreakerSnapshot is a point-in-time view of one server's circuit.
type BreakerSnapshot struct {
	ServerID            string       `json:"server_id"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	CooldownUntil       time.Time    `json:"cooldown_until,omitempty"`
}

// Breaker is the circuit state machine for one server. All transitions run
// under one mutex so concurrent success/failure reports are linearized.
type Breaker struct {
	serverID string
	cfg      BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	cooldownUntil       time.Time
	trialInFlight       bool
}

func newBreaker(serverID string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		serverID: serverID,
		cfg:      cfg,
		state:    StateClosed,
	}
}

// Allow decides whether a call may proceed. While open it fails CIRCUIT_OPEN
// immediately. Once the cooldown elapses it moves to half-open and admits
// exactly one trial call; further callers keep failing CIRCUIT_OPEN until the
// trial reports. The returned trial flag tells the caller it holds the single
// half-open slot (trial calls get no retry budget).
func (b *Breaker) Allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.cfg.now().Before(b.cooldownUntil) {
			return false, b.openError()
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.cfg.Logger.Info("circuit half-open, admitting trial call", "server_id", b.serverID)
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, b.openError()
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

// ReportSuccess records a successful call.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.trialInFlight = false
		b.consecutiveFailures = 0
		b.cfg.Logger.Info("circuit closed after successful trial", "server_id", b.serverID)
		return
	}
	b.consecutiveFailures = 0
}

// ReportFailure records a failed call, opening the circuit at the threshold
// or re-opening it after a failed half-open trial.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.now()
	b.lastFailureAt = now

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.trialInFlight = false
		b.cooldownUntil = now.Add(b.cfg.Cooldown)
		b.cfg.Logger.Warn("circuit re-opened after failed trial",
			"server_id", b.serverID,
			"cooldown_until", b.cooldownUntil)
		return
	}

	b.consecutiveFailures++
	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.cooldownUntil = now.Add(b.cfg.Cooldown)
		b.cfg.Logger.Warn("circuit opened",
			"server_id", b.serverID,
			"consecutive_failures", b.consecutiveFailures,
			"cooldown_until", b.cooldownUntil)
	}
}

// AbandonTrial releases the half-open slot when the trial never reached the
// transport (for example, its context was already expired). The breaker
// re-opens and the cooldown restarts so a later call can try again; without
// this the slot would stay claimed forever.
func (b *Breaker) AbandonTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen || !b.trialInFlight {
		return
	}
	b.state = StateOpen
	b.trialInFlight = false
	b.cooldownUntil = b.cfg.now().Add(b.cfg.Cooldown)
	b.cfg.Logger.Warn("circuit trial abandoned before sending, re-opened",
		"server_id", b.serverID,
		"cooldown_until", b.cooldownUntil)
}

// Snapshot returns the current circuit state for inspection.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		ServerID:            b.serverID,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		CooldownUntil:       b.cooldownUntil,
	}
}

// openError must be called with b.mu held.
func (b *Breaker) openError() *envelope.Envelope {
	return envelope.WithDetails(
		envelope.Newf(envelope.CodeCircuitOpen, false,
			"circuit for server %q is open", b.serverID),
		map[string]any{"cooldown_until": b.cooldownUntil},
	)
}

// BreakerSet holds one breaker per server id.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates a set with shared tuning for all servers.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a server, creating it on first use.
func (s *BreakerSet) For(serverID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[serverID]
	if !ok {
		b = newBreaker(serverID, s.cfg)
		s.breakers[serverID] = b
	}
	return b
}

// Snapshots returns the state of every known breaker.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
