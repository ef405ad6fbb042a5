package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/petal-labs/trellis/envelope"
)

func newTestAdapter(t *testing.T, baseAddress string) *Adapter {
	t.Helper()
	a := NewAdapter(AdapterConfig{})
	if err := a.AddEndpoint(Endpoint{ID: "remote", BaseAddress: baseAddress}); err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathListTools || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"tools":[{"name":"create_task","description":"make a task"}]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	tools, err := a.ListTools(context.Background(), "remote", nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "create_task" {
		t.Fatalf("ListTools() = %+v, want one create_task entry", tools)
	}
}

func TestInvokeSuccessCarriesHeaders(t *testing.T) {
	var gotAuth string
	var gotReq InvokeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"result":{"task_id":"T-1"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	header := http.Header{}
	header.Set("Authorization", "Bearer abc")

	result, err := a.Invoke(context.Background(), "remote", header, InvokeRequest{
		Name:      "create_task",
		Params:    map[string]any{"title": "Buy milk"},
		RequestID: "r-1",
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if gotAuth != "Bearer abc" {
		t.Fatalf("Authorization header = %q, want %q", gotAuth, "Bearer abc")
	}
	if gotReq.Name != "create_task" || gotReq.RequestID != "r-1" {
		t.Fatalf("wire request = %+v", gotReq)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil || decoded["task_id"] != "T-1" {
		t.Fatalf("result = %s, err = %v", result, err)
	}
}

func TestInvokeRemoteErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"code":"TICKET_LIMIT","message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.Invoke(context.Background(), "remote", nil, InvokeRequest{Name: "create_task"})
	env, ok := envelope.From(err)
	if !ok || env.Code != envelope.CodeRemoteApplication {
		t.Fatalf("err = %v, want REMOTE_APPLICATION_ERROR envelope", err)
	}
	if env.Retryable {
		t.Fatal("application-level remote errors must not be retryable")
	}
	if env.Details["remote_code"] != "TICKET_LIMIT" {
		t.Fatalf("Details[remote_code] = %v, want TICKET_LIMIT", env.Details["remote_code"])
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status        int
		wantCode      string
		wantRetryable bool
	}{
		{http.StatusUnauthorized, envelope.CodeAuthRejected, false},
		{http.StatusForbidden, envelope.CodeAuthRejected, false},
		{http.StatusNotFound, envelope.CodeToolNotFound, false},
		{http.StatusBadRequest, envelope.CodeRemoteApplication, false},
		{http.StatusInternalServerError, envelope.CodeRemoteApplication, true},
		{http.StatusBadGateway, envelope.CodeRemoteApplication, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			a := newTestAdapter(t, srv.URL)
			_, err := a.Invoke(context.Background(), "remote", nil, InvokeRequest{Name: "x"})
			env, ok := envelope.From(err)
			if !ok {
				t.Fatalf("err = %v, want envelope", err)
			}
			if env.Code != tc.wantCode || env.Retryable != tc.wantRetryable {
				t.Fatalf("got %q retryable=%v, want %q retryable=%v", env.Code, env.Retryable, tc.wantCode, tc.wantRetryable)
			}
		})
	}
}

func TestInvokeDeadlineReturnsTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	a := newTestAdapter(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Invoke(ctx, "remote", nil, InvokeRequest{Name: "slow"})
	elapsed := time.Since(start)

	env, ok := envelope.From(err)
	if !ok || env.Code != envelope.CodeTransportTimeout {
		t.Fatalf("err = %v, want TRANSPORT_TIMEOUT envelope", err)
	}
	if !env.Retryable {
		t.Fatal("transport timeout must be retryable")
	}
	if elapsed > time.Second {
		t.Fatalf("Invoke returned after %v, want roughly the 100ms deadline", elapsed)
	}
}

func TestInvokeConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	a := newTestAdapter(t, srv.URL)
	_, err := a.Invoke(context.Background(), "remote", nil, InvokeRequest{Name: "x"})
	env, ok := envelope.From(err)
	if !ok || env.Code != envelope.CodeTransportConnection {
		t.Fatalf("err = %v, want TRANSPORT_CONNECTION_ERROR envelope", err)
	}
	if !env.Retryable {
		t.Fatal("connection errors must be retryable")
	}
}

func TestInvokeUnknownServer(t *testing.T) {
	a := NewAdapter(AdapterConfig{})
	_, err := a.Invoke(context.Background(), "ghost", nil, InvokeRequest{Name: "x"})
	if envelope.Code(err) != envelope.CodeTransportConnection {
		t.Fatalf("Code(err) = %q, want %q", envelope.Code(err), envelope.CodeTransportConnection)
	}
}

func TestAddEndpointRejectsDuplicates(t *testing.T) {
	a := NewAdapter(AdapterConfig{})
	if err := a.AddEndpoint(Endpoint{ID: "s", BaseAddress: "http://x"}); err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}
	if err := a.AddEndpoint(Endpoint{ID: "s", BaseAddress: "http://y"}); err == nil {
		t.Fatal("AddEndpoint() error = nil for duplicate id")
	}
}
