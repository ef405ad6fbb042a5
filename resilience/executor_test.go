package resilience

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/petal-labs/trellis/envelope"
)

func testExecutor(t *testing.T, retry RetryPolicy, breaker BreakerConfig, cache *Cache) *Executor {
	t.Helper()
	return NewExecutor(ExecutorConfig{Retry: retry, Breaker: breaker, Cache: cache})
}

// flakySend fails the first n calls with a transient error, then succeeds.
func flakySend(n int, calls *int) SendFunc {
	return func(ctx context.Context, attempt int) (json.RawMessage, error) {
		*calls++
		if *calls <= n {
			return nil, transientErr()
		}
		return json.RawMessage(`{"id":"task-1"}`), nil
	}
}

func TestExecuteRetriesThroughTransientFailures(t *testing.T) {
	e := testExecutor(t, fastPolicy(3), BreakerConfig{}, nil)

	calls := 0
	out, err := e.Execute(context.Background(), Call{
		ServerID: "tracker",
		ToolName: "create_task",
		Params:   map[string]any{"title": "Buy milk"},
		Send:     flakySend(2, &calls),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("transport calls = %d, want exactly 3", calls)
	}
	if out.Attempts != 3 || out.CacheHit {
		t.Fatalf("outcome = %+v, want 3 attempts, no cache hit", out)
	}
}

func TestExecuteCacheHitSkipsTransport(t *testing.T) {
	e := testExecutor(t, fastPolicy(3), BreakerConfig{}, NewCache(time.Minute))

	calls := 0
	call := Call{
		ServerID:  "tracker",
		ToolName:  "list_tasks",
		Params:    map[string]any{"status": "open"},
		Cacheable: true,
		Send:      flakySend(0, &calls),
	}

	for i := 0; i < 2; i++ {
		out, err := e.Execute(context.Background(), call)
		if err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
		if string(out.Result) != `{"id":"task-1"}` {
			t.Fatalf("result #%d = %s", i, out.Result)
		}
		if wantHit := i == 1; out.CacheHit != wantHit {
			t.Fatalf("CacheHit #%d = %v, want %v", i, out.CacheHit, wantHit)
		}
	}
	if calls != 1 {
		t.Fatalf("transport calls = %d, want exactly 1 within the TTL", calls)
	}
}

func TestExecuteUncacheableNeverCaches(t *testing.T) {
	e := testExecutor(t, fastPolicy(1), BreakerConfig{}, NewCache(time.Minute))

	calls := 0
	call := Call{
		ServerID: "tracker",
		ToolName: "create_task",
		Params:   map[string]any{"title": "Buy milk"},
		Send:     flakySend(0, &calls),
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Execute(context.Background(), call); err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
	}
	if calls != 2 {
		t.Fatalf("transport calls = %d, want 2 (no caching for mutating tools)", calls)
	}
}

func TestExecuteFailureIsNotCached(t *testing.T) {
	e := testExecutor(t, fastPolicy(1), BreakerConfig{}, NewCache(time.Minute))

	calls := 0
	call := Call{
		ServerID:  "tracker",
		ToolName:  "list_tasks",
		Params:    map[string]any{},
		Cacheable: true,
		Send:      flakySend(1, &calls),
	}

	if _, err := e.Execute(context.Background(), call); err == nil {
		t.Fatal("Execute() error = nil, want the transient failure surfaced")
	}
	out, err := e.Execute(context.Background(), call)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.CacheHit {
		t.Fatal("a failed call must not populate the cache")
	}
	if calls != 2 {
		t.Fatalf("transport calls = %d, want 2", calls)
	}
}

func TestExecuteOpenCircuitSkipsTransport(t *testing.T) {
	e := testExecutor(t, fastPolicy(1), BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}, nil)

	calls := 0
	alwaysFail := Call{
		ServerID: "tracker",
		ToolName: "create_task",
		Send: func(ctx context.Context, attempt int) (json.RawMessage, error) {
			calls++
			return nil, transientErr()
		},
	}

	for i := 0; i < 2; i++ {
		if _, err := e.Execute(context.Background(), alwaysFail); err == nil {
			t.Fatalf("Execute() #%d error = nil, want failure", i)
		}
	}
	if calls != 2 {
		t.Fatalf("transport calls = %d, want 2 before the circuit opens", calls)
	}

	out, err := e.Execute(context.Background(), alwaysFail)
	if envelope.Code(err) != envelope.CodeCircuitOpen {
		t.Fatalf("Code(err) = %q, want %q", envelope.Code(err), envelope.CodeCircuitOpen)
	}
	if calls != 2 {
		t.Fatalf("transport calls = %d, open circuit must not reach the transport", calls)
	}
	if out.Attempts != 0 {
		t.Fatalf("Attempts = %d, want 0 (no retry budget consumed)", out.Attempts)
	}
}

func TestExecuteHalfOpenTrialGetsSingleAttempt(t *testing.T) {
	e := testExecutor(t, fastPolicy(3), BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	clock := &fakeClock{now: time.Now()}
	e.breakers.cfg.now = clock.Now
	e.breakers.For("tracker").cfg.now = clock.Now

	calls := 0
	failing := Call{
		ServerID: "tracker",
		ToolName: "create_task",
		Send: func(ctx context.Context, attempt int) (json.RawMessage, error) {
			calls++
			return nil, transientErr()
		},
	}

	if _, err := e.Execute(context.Background(), failing); err == nil {
		t.Fatal("Execute() error = nil, want failure")
	}
	callsBeforeTrial := calls

	clock.Advance(2 * time.Hour)
	out, err := e.Execute(context.Background(), failing)
	if err == nil {
		t.Fatal("Execute() error = nil, want the trial failure")
	}
	if got := calls - callsBeforeTrial; got != 1 {
		t.Fatalf("trial transport calls = %d, want exactly 1 (no retries in half-open)", got)
	}
	if out.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", out.Attempts)
	}

	if _, err := e.Execute(context.Background(), failing); envelope.Code(err) != envelope.CodeCircuitOpen {
		t.Fatalf("Code(err) after failed trial = %q, want %q", envelope.Code(err), envelope.CodeCircuitOpen)
	}
}

func TestExecuteExpiredContextTrialReleasesSlot(t *testing.T) {
	e := testExecutor(t, fastPolicy(3), BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	clock := &fakeClock{now: time.Now()}
	e.breakers.cfg.now = clock.Now
	e.breakers.For("tracker").cfg.now = clock.Now

	calls := 0
	failing := Call{
		ServerID: "tracker",
		ToolName: "create_task",
		Send: func(ctx context.Context, attempt int) (json.RawMessage, error) {
			calls++
			return nil, transientErr()
		},
	}

	if _, err := e.Execute(context.Background(), failing); err == nil {
		t.Fatal("Execute() error = nil, want failure")
	}
	clock.Advance(2 * time.Hour)

	// The trial holder's context is already expired, so the transport is
	// never reached and the breaker hears no report.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Execute(expired, failing); err == nil {
		t.Fatal("Execute() with expired context error = nil, want failure")
	}
	if calls != 1 {
		t.Fatalf("transport calls = %d, an expired trial must not send", calls)
	}

	// The slot must come back after another cooldown, not stay claimed.
	if snap := e.Breakers().For("tracker").Snapshot(); snap.State != StateOpen {
		t.Fatalf("state after expired trial = %q, want open", snap.State)
	}
	clock.Advance(2 * time.Hour)
	if _, err := e.Execute(context.Background(), failing); envelope.Code(err) == envelope.CodeCircuitOpen {
		t.Fatal("circuit still rejecting after cooldown, trial slot leaked")
	}
	if calls != 2 {
		t.Fatalf("transport calls = %d, want the post-cooldown trial to send", calls)
	}
}

func TestExecuteApplicationErrorsDoNotTripBreaker(t *testing.T) {
	e := testExecutor(t, fastPolicy(1), BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}, nil)

	rejected := Call{
		ServerID: "tracker",
		ToolName: "create_task",
		Send: func(ctx context.Context, attempt int) (json.RawMessage, error) {
			return nil, envelope.Newf(envelope.CodeRemoteApplication, false, "duplicate title")
		},
	}
	for i := 0; i < 5; i++ {
		if _, err := e.Execute(context.Background(), rejected); envelope.Code(err) != envelope.CodeRemoteApplication {
			t.Fatalf("Execute() #%d: Code(err) = %q, want REMOTE_APPLICATION_ERROR", i, envelope.Code(err))
		}
	}
	if snap := e.Breakers().For("tracker").Snapshot(); snap.State != StateClosed {
		t.Fatalf("breaker state = %q, want closed (rejections are not remote ill health)", snap.State)
	}
}
