package trellis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/trellis/envelope"
)

// DefaultPendingTTL bounds how long an asynchronous invocation may stay open.
const DefaultPendingTTL = time.Hour

// PendingStatus is the lifecycle state of an asynchronous invocation.
type PendingStatus string

const (
	PendingOpen      PendingStatus = "open"
	PendingCompleted PendingStatus = "completed"
	PendingExpired   PendingStatus = "expired"
)

// PendingInvocation is an invocation whose result arrives out of band: the
// gateway hands out a correlation id, and a later call completes it.
type PendingInvocation struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"tool_name"`
	Params      map[string]any  `json:"params,omitempty"`
	Status      PendingStatus   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Pending is the error a handler returns when its result will arrive out of
// band. The gateway opens a pending invocation and answers the caller with a
// PendingAck carrying the correlation id.
type Pending struct {
	// TTL bounds how long the invocation stays open. Zero means
	// DefaultPendingTTL.
	TTL time.Duration
}

func (p *Pending) Error() string { return "result pending" }

// ErrPending defers a handler's result with the default TTL.
var ErrPending = &Pending{}

// PendingAck is the inbound response for a deferred result.
type PendingAck struct {
	PendingID string        `json:"pending_id"`
	Status    PendingStatus `json:"status"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// PendingStore persists pending invocations across restarts.
type PendingStore interface {
	Put(ctx context.Context, inv PendingInvocation) error
	Get(ctx context.Context, id string) (PendingInvocation, bool, error)
	List(ctx context.Context) ([]PendingInvocation, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryPendingStore is the in-process PendingStore.
type MemoryPendingStore struct {
	mu      sync.RWMutex
	entries map[string]PendingInvocation
}

// NewMemoryPendingStore creates an empty in-memory store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: make(map[string]PendingInvocation)}
}

func (s *MemoryPendingStore) Put(_ context.Context, inv PendingInvocation) error {
	s.mu.Lock()
	s.entries[inv.ID] = inv
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) Get(_ context.Context, id string) (PendingInvocation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.entries[id]
	return inv, ok, nil
}

func (s *MemoryPendingStore) List(_ context.Context) ([]PendingInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingInvocation, 0, len(s.entries))
	for _, inv := range s.entries {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryPendingStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) Close() error { return nil }

// pendingTracker pairs the durable store with in-process waiters so a caller
// can block on a completion delivered by another request.
type pendingTracker struct {
	store  PendingStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan PendingInvocation
}

func newPendingTracker(store PendingStore, logger *slog.Logger) *pendingTracker {
	if store == nil {
		store = NewMemoryPendingStore()
	}
	return &pendingTracker{
		store:   store,
		logger:  logger,
		now:     time.Now,
		waiters: make(map[string][]chan PendingInvocation),
	}
}

// CreatePending opens an asynchronous invocation and returns its record. The
// correlation id in the record is what a later CompletePending must present.
func (g *Gateway) CreatePending(ctx context.Context, toolName string, params map[string]any, ttl time.Duration) (PendingInvocation, error) {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	now := g.pending.now()
	inv := PendingInvocation{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		Params:    params,
		Status:    PendingOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := g.pending.store.Put(ctx, inv); err != nil {
		return PendingInvocation{}, envelope.Normalize(err)
	}
	g.logger.Info("opened pending invocation",
		"pending_id", inv.ID,
		"tool", toolName,
		"expires_at", inv.ExpiresAt)
	return inv, nil
}

// CompletePending resolves an open invocation with a result or error code and
// releases every waiter blocked on it. A second completion for the same id
// fails INTERNAL_ERROR.
func (g *Gateway) CompletePending(ctx context.Context, id string, result json.RawMessage, errorCode string) error {
	_, err := g.pending.resolve(ctx, id, func(inv *PendingInvocation) {
		inv.Status = PendingCompleted
		inv.Result = result
		inv.ErrorCode = errorCode
	})
	return err
}

// resolve transitions one open invocation and releases its waiters. The lock
// spans the get-check-put so concurrent resolutions cannot both win.
func (t *pendingTracker) resolve(ctx context.Context, id string, mutate func(*PendingInvocation)) (PendingInvocation, error) {
	t.mu.Lock()
	inv, ok, err := t.store.Get(ctx, id)
	if err != nil {
		t.mu.Unlock()
		return PendingInvocation{}, envelope.Normalize(err)
	}
	if !ok {
		t.mu.Unlock()
		return PendingInvocation{}, envelope.Newf(envelope.CodeToolNotFound, false,
			"no pending invocation %q", id)
	}
	if inv.Status != PendingOpen {
		t.mu.Unlock()
		return PendingInvocation{}, envelope.Newf(envelope.CodeInternal, false,
			"pending invocation %q is already %s", id, inv.Status)
	}

	mutate(&inv)
	inv.CompletedAt = t.now()
	if err := t.store.Put(ctx, inv); err != nil {
		t.mu.Unlock()
		return PendingInvocation{}, envelope.Normalize(err)
	}
	waiters := t.waiters[id]
	delete(t.waiters, id)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- inv
	}
	return inv, nil
}

// AwaitPending blocks until the invocation completes, expires, or ctx ends.
func (g *Gateway) AwaitPending(ctx context.Context, id string) (PendingInvocation, error) {
	t := g.pending

	// Register the waiter under the same lock resolve holds, so a completion
	// landing between the status check and registration cannot be missed.
	t.mu.Lock()
	inv, ok, err := t.store.Get(ctx, id)
	if err != nil {
		t.mu.Unlock()
		return PendingInvocation{}, envelope.Normalize(err)
	}
	if !ok {
		t.mu.Unlock()
		return PendingInvocation{}, envelope.Newf(envelope.CodeToolNotFound, false,
			"no pending invocation %q", id)
	}
	if inv.Status != PendingOpen {
		t.mu.Unlock()
		return inv, nil
	}
	ch := make(chan PendingInvocation, 1)
	t.waiters[id] = append(t.waiters[id], ch)
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		t.drop(id, ch)
		return PendingInvocation{}, envelope.Normalize(ctx.Err())
	case resolved := <-ch:
		return resolved, nil
	}
}

// PendingInvocations lists all known asynchronous invocations.
func (g *Gateway) PendingInvocations(ctx context.Context) ([]PendingInvocation, error) {
	return g.pending.store.List(ctx)
}

func (t *pendingTracker) drop(id string, ch chan PendingInvocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.waiters[id][:0]
	for _, w := range t.waiters[id] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(t.waiters, id)
	} else {
		t.waiters[id] = remaining
	}
}

// expireLoop walks open invocations and expires those past their deadline,
// releasing their waiters.
func (t *pendingTracker) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.expireOnce(ctx)
		}
	}
}

func (t *pendingTracker) expireOnce(ctx context.Context) {
	invs, err := t.store.List(ctx)
	if err != nil {
		t.logger.Warn("listing pending invocations failed", "error", err)
		return
	}
	now := t.now()
	for _, inv := range invs {
		if inv.Status != PendingOpen || now.Before(inv.ExpiresAt) {
			continue
		}
		// resolve re-checks the status under the lock, so an expiry racing a
		// completion loses cleanly.
		if _, err := t.resolve(ctx, inv.ID, func(inv *PendingInvocation) {
			inv.Status = PendingExpired
			inv.ErrorCode = envelope.CodeTransportTimeout
		}); err != nil {
			continue
		}
		t.logger.Info("expired pending invocation", "pending_id", inv.ID, "tool", inv.ToolName)
	}
}
