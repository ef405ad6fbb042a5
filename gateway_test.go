package trellis

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/trellis/envelope"
	"github.com/petal-labs/trellis/resilience"
	"github.com/petal-labs/trellis/tool"
	"github.com/petal-labs/trellis/transport"
)

// stubTransport scripts transport behavior per call.
type stubTransport struct {
	mu          sync.Mutex
	invokeCalls int
	listCalls   int
	tools       []tool.WireDescriptor
	invoke      func(call int, req transport.InvokeRequest) (json.RawMessage, error)
	headers     []http.Header
}

func (s *stubTransport) ListTools(ctx context.Context, serverID string, header http.Header) ([]tool.WireDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	return s.tools, nil
}

func (s *stubTransport) Invoke(ctx context.Context, serverID string, header http.Header, req transport.InvokeRequest) (json.RawMessage, error) {
	s.mu.Lock()
	s.invokeCalls++
	call := s.invokeCalls
	s.headers = append(s.headers, header.Clone())
	fn := s.invoke
	s.mu.Unlock()
	if fn != nil {
		return fn(call, req)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (s *stubTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invokeCalls
}

func createTaskDescriptor(serverID string) tool.Descriptor {
	return tool.Descriptor{
		Name:        "create_task",
		Description: "Creates a task in the tracker.",
		ServerID:    serverID,
		Params: map[string]tool.FieldSpec{
			"title": {Type: tool.TypeString, Required: true},
		},
	}
}

func newTestGateway(t *testing.T, tr Transport) *Gateway {
	t.Helper()
	registry := tool.NewRegistry(tool.RegistryConfig{})
	g := NewGateway(GatewayConfig{
		Registry:  registry,
		Transport: tr,
		Retry:     resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	if err := registry.Register(context.Background(), createTaskDescriptor("tracker"), false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return g
}

func TestInvokeMissingRequiredFieldNamesIt(t *testing.T) {
	tr := &stubTransport{}
	g := newTestGateway(t, tr)

	_, err := g.Invoke(context.Background(), Request{
		ServerID: "tracker",
		ToolName: "create_task",
		Params:   map[string]any{},
	})
	env, ok := envelope.From(err)
	if !ok || env.Code != envelope.CodeSchemaViolation {
		t.Fatalf("err = %v, want SCHEMA_VIOLATION envelope", err)
	}
	if fields, _ := env.Details["fields"].(string); !strings.Contains(fields, "title") {
		t.Fatalf("violated fields = %q, want to name title", fields)
	}
	if tr.calls() != 0 {
		t.Fatalf("transport calls = %d, validation failures must not reach the transport", tr.calls())
	}
}

func TestInvokeRetriesTwiceThenSucceeds(t *testing.T) {
	tr := &stubTransport{
		invoke: func(call int, req transport.InvokeRequest) (json.RawMessage, error) {
			if call <= 2 {
				return nil, envelope.Newf(envelope.CodeTransportConnection, true, "connection reset")
			}
			return json.RawMessage(`{"id":"task-42"}`), nil
		},
	}
	g := newTestGateway(t, tr)

	result, err := g.Invoke(context.Background(), Request{
		ServerID: "tracker",
		ToolName: "create_task",
		Params:   map[string]any{"title": "Buy milk"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if tr.calls() != 3 {
		t.Fatalf("transport calls = %d, want exactly 3", tr.calls())
	}
	if result.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", result.Attempts)
	}
	if string(result.Data) != `{"id":"task-42"}` {
		t.Fatalf("Data = %s", result.Data)
	}
	if result.RequestID == "" {
		t.Fatal("RequestID was not assigned")
	}
}

func TestInvokeDeadlineBeatsSlowTransport(t *testing.T) {
	tr := &stubTransport{
		invoke: func(call int, req transport.InvokeRequest) (json.RawMessage, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}
	g := newTestGateway(t, tr)

	start := time.Now()
	_, err := g.Invoke(context.Background(), Request{
		ServerID: "tracker",
		ToolName: "create_task",
		Params:   map[string]any{"title": "Buy milk"},
		Deadline: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if envelope.Code(err) != envelope.CodeTransportTimeout {
		t.Fatalf("Code(err) = %q, want %q", envelope.Code(err), envelope.CodeTransportTimeout)
	}
	if elapsed > time.Second {
		t.Fatalf("Invoke() returned after %v, want roughly the 100ms deadline", elapsed)
	}
}

func TestInvokeUnknownToolSkipsTransport(t *testing.T) {
	tr := &stubTransport{}
	g := newTestGateway(t, tr)

	_, err := g.Invoke(context.Background(), Request{
		ServerID: "tracker",
		ToolName: "delete_everything",
		Params:   map[string]any{},
	})
	if envelope.Code(err) != envelope.CodeToolNotFound {
		t.Fatalf("Code(err) = %q, want %q", envelope.Code(err), envelope.CodeToolNotFound)
	}
	if tr.calls() != 0 {
		t.Fatalf("transport calls = %d, want 0", tr.calls())
	}
}

func TestInvokeCacheableToolHitsOnce(t *testing.T) {
	tr := &stubTransport{}
	g := newTestGateway(t, tr)

	desc := tool.Descriptor{
		Name:      "list_tasks",
		ServerID:  "tracker",
		Cacheable: true,
		Params: map[string]tool.FieldSpec{
			"status": {Type: tool.TypeString},
		},
	}
	if err := g.Registry().Register(context.Background(), desc, false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	req := Request{
		ServerID: "tracker",
		ToolName: "list_tasks",
		Params:   map[string]any{"status": "open"},
	}
	first, err := g.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke() #1 error = %v", err)
	}
	second, err := g.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke() #2 error = %v", err)
	}
	if tr.calls() != 1 {
		t.Fatalf("transport calls = %d, want 1 within the TTL", tr.calls())
	}
	if first.CacheHit || !second.CacheHit {
		t.Fatalf("CacheHit = (%v, %v), want (false, true)", first.CacheHit, second.CacheHit)
	}
}

func TestInvokeRejectsInFlightRequestIDReuse(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	tr := &stubTransport{
		invoke: func(call int, req transport.InvokeRequest) (json.RawMessage, error) {
			if call == 1 {
				close(started)
			}
			<-release
			return json.RawMessage(`{}`), nil
		},
	}
	g := newTestGateway(t, tr)

	req := Request{
		RequestID: "fixed-id",
		ServerID:  "tracker",
		ToolName:  "create_task",
		Params:    map[string]any{"title": "Buy milk"},
	}

	done := make(chan error, 1)
	go func() {
		_, err := g.Invoke(context.Background(), req)
		done <- err
	}()
	<-started

	_, err := g.Invoke(context.Background(), req)
	if envelope.Code(err) != envelope.CodeInternal {
		t.Fatalf("Code(err) = %q, want %q for in-flight request id reuse", envelope.Code(err), envelope.CodeInternal)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Invoke() error = %v", err)
	}

	// Once the first completes the id may be used again.
	if _, err := g.Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke() after release error = %v", err)
	}
}

type rejectingAuth struct{ calls int }

func (a *rejectingAuth) Attach(ctx context.Context, serverID string, header http.Header) error {
	a.calls++
	return envelope.Newf(envelope.CodeAuthRejected, false, "bad credentials")
}

func TestInvokeAuthFailureIsNeverRetried(t *testing.T) {
	tr := &stubTransport{}
	auth := &rejectingAuth{}
	registry := tool.NewRegistry(tool.RegistryConfig{})
	g := NewGateway(GatewayConfig{
		Registry:  registry,
		Transport: tr,
		Auth:      auth,
		Retry:     resilience.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	})
	if err := registry.Register(context.Background(), createTaskDescriptor("tracker"), false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := g.Invoke(context.Background(), Request{
		ServerID: "tracker",
		ToolName: "create_task",
		Params:   map[string]any{"title": "Buy milk"},
	})
	if envelope.Code(err) != envelope.CodeAuthRejected {
		t.Fatalf("Code(err) = %q, want %q", envelope.Code(err), envelope.CodeAuthRejected)
	}
	if auth.calls != 1 {
		t.Fatalf("auth attach calls = %d, want 1 (no retries)", auth.calls)
	}
	if tr.calls() != 0 {
		t.Fatalf("transport calls = %d, want 0", tr.calls())
	}
}

func TestDiscoverMergesRemoteCatalog(t *testing.T) {
	tr := &stubTransport{
		tools: []tool.WireDescriptor{
			{
				Name: "search_wiki",
				ParametersSchema: map[string]any{
					"query": map[string]any{"type": "string", "required": true},
				},
			},
			{Name: ""}, // malformed: no name
		},
	}
	g := newTestGateway(t, tr)

	added, skipped, err := g.Discover(context.Background(), "wiki")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if added != 1 || skipped != 1 {
		t.Fatalf("Discover() = (%d added, %d skipped), want (1, 1)", added, skipped)
	}
	if _, err := g.Registry().Lookup("wiki", "search_wiki"); err != nil {
		t.Fatalf("Lookup() after discovery error = %v", err)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	invokes []InvokeObservation
	retries []RetryObservation
}

func (o *recordingObserver) ObserveInvoke(obs InvokeObservation) {
	o.mu.Lock()
	o.invokes = append(o.invokes, obs)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveRetry(obs RetryObservation) {
	o.mu.Lock()
	o.retries = append(o.retries, obs)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveDiscovery(DiscoveryObservation) {}

func TestStopWaitsForBothBackgroundLoops(t *testing.T) {
	g := newTestGateway(t, &stubTransport{})

	g.Start(context.Background())
	g.Stop()

	for name, done := range map[string]chan struct{}{
		"cache sweeper":  g.sweepDone,
		"pending expiry": g.expireDone,
	} {
		select {
		case <-done:
		default:
			t.Fatalf("%s still running after Stop()", name)
		}
	}
}

func TestInvokeEmitsObservations(t *testing.T) {
	tr := &stubTransport{
		invoke: func(call int, req transport.InvokeRequest) (json.RawMessage, error) {
			if call == 1 {
				return nil, envelope.Newf(envelope.CodeTransportConnection, true, "reset")
			}
			return json.RawMessage(`{}`), nil
		},
	}
	obs := &recordingObserver{}
	registry := tool.NewRegistry(tool.RegistryConfig{})
	g := NewGateway(GatewayConfig{
		Registry:  registry,
		Transport: tr,
		Observer:  obs,
		Retry:     resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	if err := registry.Register(context.Background(), createTaskDescriptor("tracker"), false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := g.Invoke(context.Background(), Request{
		ServerID: "tracker",
		ToolName: "create_task",
		Params:   map[string]any{"title": "Buy milk"},
	}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if len(obs.invokes) != 1 || !obs.invokes[0].Success || obs.invokes[0].Attempts != 2 {
		t.Fatalf("invoke observations = %+v, want one success with 2 attempts", obs.invokes)
	}
	if len(obs.retries) != 1 || obs.retries[0].Attempt != 1 {
		t.Fatalf("retry observations = %+v, want one for attempt 1", obs.retries)
	}
	if obs.invokes[0].Direction != "outbound" {
		t.Fatalf("Direction = %q, want outbound", obs.invokes[0].Direction)
	}
}
