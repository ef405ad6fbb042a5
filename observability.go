package trellis

import "time"

// InvokeObservation captures one completed invocation, inbound or outbound.
type InvokeObservation struct {
	RequestID string
	ServerID  string
	ToolName  string
	Direction string // "inbound" or "outbound"
	Attempts  int
	Latency   time.Duration
	CacheHit  bool
	Success   bool
	ErrorCode string
}

// RetryObservation captures one failed attempt that will be retried.
type RetryObservation struct {
	RequestID string
	ServerID  string
	ToolName  string
	Attempt   int
	ErrorCode string
}

// DiscoveryObservation captures one remote catalog refresh.
type DiscoveryObservation struct {
	ServerID string
	Added    int
	Skipped  int
	Latency  time.Duration
	Success  bool
}

// Observer receives gateway-level observability events. Implementations must
// be safe for concurrent use; the gateway calls them inline on hot paths.
type Observer interface {
	ObserveInvoke(observation InvokeObservation)
	ObserveRetry(observation RetryObservation)
	ObserveDiscovery(observation DiscoveryObservation)
}

// NoopObserver discards all observations.
type NoopObserver struct{}

func (NoopObserver) ObserveInvoke(InvokeObservation)       {}
func (NoopObserver) ObserveRetry(RetryObservation)         {}
func (NoopObserver) ObserveDiscovery(DiscoveryObservation) {}
