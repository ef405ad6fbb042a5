package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/petal-labs/trellis/envelope"
	"github.com/petal-labs/trellis/tool"
)

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	Logger *slog.Logger
}

// Adapter exchanges requests with configured endpoints over pooled HTTP
// connections. Safe for concurrent use.
type Adapter struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	pools     map[string]*pool
	logger    *slog.Logger
}

// NewAdapter creates an adapter with no endpoints.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		endpoints: make(map[string]Endpoint),
		pools:     make(map[string]*pool),
		logger:    logger,
	}
}

// AddEndpoint registers a server endpoint and builds its connection pool.
func (a *Adapter) AddEndpoint(ep Endpoint) error {
	if err := ep.validate(); err != nil {
		return err
	}
	ep = ep.withDefaults()
	ep.BaseAddress = strings.TrimRight(strings.TrimSpace(ep.BaseAddress), "/")

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.endpoints[ep.ID]; exists {
		return fmt.Errorf("transport: endpoint %q is already configured", ep.ID)
	}
	a.endpoints[ep.ID] = ep
	a.pools[ep.ID] = newPool(ep)
	return nil
}

// Endpoint returns the configured endpoint for a server id.
func (a *Adapter) Endpoint(serverID string) (Endpoint, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ep, ok := a.endpoints[serverID]
	return ep, ok
}

// ServerIDs returns all configured server ids.
func (a *Adapter) ServerIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.endpoints))
	for id := range a.endpoints {
		out = append(out, id)
	}
	return out
}

// ListTools performs the tool-list operation against a server.
func (a *Adapter) ListTools(ctx context.Context, serverID string, header http.Header) ([]tool.WireDescriptor, error) {
	var resp ListToolsResponse
	if err := a.exchange(ctx, serverID, PathListTools, header, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// Invoke performs the tool-invoke operation against a server and returns the
// raw result payload.
func (a *Adapter) Invoke(ctx context.Context, serverID string, header http.Header, req InvokeRequest) (json.RawMessage, error) {
	var resp InvokeResponse
	if err := a.exchange(ctx, serverID, PathInvokeTool, header, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, envelope.WithDetails(
			envelope.Newf(envelope.CodeRemoteApplication, false, "remote error: %s", resp.Error.Message),
			map[string]any{"remote_code": resp.Error.Code},
		)
	}
	return resp.Result, nil
}

// Close releases idle connections on every pool.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pools {
		p.close()
	}
}

func (a *Adapter) exchange(ctx context.Context, serverID, path string, header http.Header, payload, out any) error {
	a.mu.RLock()
	ep, ok := a.endpoints[serverID]
	p := a.pools[serverID]
	a.mu.RUnlock()
	if !ok {
		return envelope.Newf(envelope.CodeTransportConnection, false, "server %q has no configured endpoint", serverID)
	}

	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseAddress+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyExchangeError(serverID, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return classifyExchangeError(serverID, err)
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return classifyStatus(serverID, httpResp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return envelope.Newf(envelope.CodeRemoteApplication, false,
			"server %q returned an undecodable %s response: %v", serverID, path, err)
	}
	return nil
}

// classifyExchangeError maps raw transport failures onto the error taxonomy.
func classifyExchangeError(serverID string, err error) *envelope.Envelope {
	if errors.Is(err, context.DeadlineExceeded) {
		return envelope.New(envelope.CodeTransportTimeout,
			fmt.Sprintf("exchange with server %q timed out", serverID), true, err)
	}
	if errors.Is(err, context.Canceled) {
		return envelope.New(envelope.CodeTransportTimeout,
			fmt.Sprintf("exchange with server %q was canceled", serverID), false, err)
	}
	if isTLSError(err) {
		return envelope.New(envelope.CodeTransportTLS,
			fmt.Sprintf("TLS failure talking to server %q", serverID), false, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return envelope.New(envelope.CodeTransportTimeout,
			fmt.Sprintf("exchange with server %q timed out", serverID), true, err)
	}
	return envelope.New(envelope.CodeTransportConnection,
		fmt.Sprintf("connection to server %q failed", serverID), true, err)
}

func isTLSError(err error) bool {
	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &certErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidCert)
}

func classifyStatus(serverID string, status int, body []byte) *envelope.Envelope {
	remoteCode, remoteMessage := decodeWireError(body)
	message := remoteMessage
	if message == "" {
		message = http.StatusText(status)
	}

	details := map[string]any{"http_status": status}
	if remoteCode != "" {
		details["remote_code"] = remoteCode
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return envelope.WithDetails(
			envelope.Newf(envelope.CodeAuthRejected, false, "server %q rejected credentials: %s", serverID, message),
			details,
		)
	case status == http.StatusNotFound:
		return envelope.WithDetails(
			envelope.Newf(envelope.CodeToolNotFound, false, "server %q: %s", serverID, message),
			details,
		)
	case status >= 500:
		// 5xx-equivalent failures are transient: the retry loop may try again.
		return envelope.WithDetails(
			envelope.Newf(envelope.CodeRemoteApplication, true, "server %q returned status %d: %s", serverID, status, message),
			details,
		)
	default:
		return envelope.WithDetails(
			envelope.Newf(envelope.CodeRemoteApplication, false, "server %q returned status %d: %s", serverID, status, message),
			details,
		)
	}
}

func decodeWireError(body []byte) (code, message string) {
	if len(body) == 0 {
		return "", ""
	}
	var resp InvokeResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil {
		return resp.Error.Code, resp.Error.Message
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return "", trimmed
}
