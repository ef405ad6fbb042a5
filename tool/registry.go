package tool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/trellis/envelope"
)

type regKey struct {
	serverID string
	name     string
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Store persists descriptors across restarts. Nil keeps the registry
	// purely in memory.
	Store  Store
	Logger *slog.Logger
}

// Registry stores tool descriptors and validates invocation parameters.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[regKey]Descriptor
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry. Call Load to hydrate from the store.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[regKey]Descriptor),
		store:   cfg.Store,
		logger:  logger,
		now:     time.Now,
	}
}

// Load hydrates the registry from its store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	descriptors, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("tool: load registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range descriptors {
		r.entries[regKey{desc.ServerID, desc.Name}] = desc.Clone()
	}
	return nil
}

// Register stores a descriptor. Re-registering an identical schema is a
// no-op; a different schema without overwrite fails DUPLICATE_TOOL; with
// overwrite the schema version is bumped.
func (r *Registry) Register(ctx context.Context, desc Descriptor, overwrite bool) error {
	desc.Name = strings.TrimSpace(desc.Name)
	desc.ServerID = strings.TrimSpace(desc.ServerID)
	if desc.Name == "" {
		return envelope.Newf(envelope.CodeSchemaViolation, false, "descriptor name is required")
	}
	if desc.ServerID == "" {
		return envelope.Newf(envelope.CodeSchemaViolation, false, "descriptor server id is required")
	}
	if diags := ValidateSchema(desc.Params); len(diags) > 0 {
		return envelope.WithDetails(
			envelope.Newf(envelope.CodeSchemaViolation, false, "descriptor %q has an invalid schema", desc.Name),
			DiagnosticDetails(diags),
		)
	}

	key := regKey{desc.ServerID, desc.Name}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.entries[key]
	switch {
	case exists && SchemaEqual(existing, desc):
		return nil
	case exists && !overwrite:
		return envelope.WithDetails(
			envelope.Newf(envelope.CodeDuplicateTool, false,
				"tool %q is already registered on server %q with a different schema", desc.Name, desc.ServerID),
			map[string]any{"schema_version": existing.SchemaVersion},
		)
	case exists:
		desc.SchemaVersion = existing.SchemaVersion + 1
	default:
		if desc.SchemaVersion <= 0 {
			desc.SchemaVersion = 1
		}
	}
	desc.RegisteredAt = r.now()

	stored := desc.Clone()
	if r.store != nil {
		if err := r.store.Upsert(ctx, stored); err != nil {
			return fmt.Errorf("tool: persist descriptor %q: %w", desc.Name, err)
		}
	}
	r.entries[key] = stored
	return nil
}

// Lookup returns the descriptor for (serverID, name) or TOOL_NOT_FOUND.
func (r *Registry) Lookup(serverID, name string) (Descriptor, error) {
	r.mu.RLock()
	desc, ok := r.entries[regKey{serverID, name}]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, envelope.Newf(envelope.CodeToolNotFound, false,
			"tool %q is not registered on server %q", name, serverID)
	}
	return desc.Clone(), nil
}

// List returns the descriptors registered for one server, sorted by name.
func (r *Registry) List(serverID string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0)
	for key, desc := range r.entries {
		if key.serverID == serverID {
			out = append(out, desc.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Remove deletes a descriptor from the registry and its store.
func (r *Registry) Remove(ctx context.Context, serverID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, regKey{serverID, name})
	if r.store != nil {
		if err := r.store.Delete(ctx, serverID, name); err != nil {
			return fmt.Errorf("tool: delete descriptor %q: %w", name, err)
		}
	}
	return nil
}

// ValidateParams checks invocation params against the registered schema and
// reports every violating field.
func (r *Registry) ValidateParams(serverID, name string, params map[string]any) error {
	desc, err := r.Lookup(serverID, name)
	if err != nil {
		return err
	}
	diags := ValidateParams(desc, params)
	if len(diags) == 0 {
		return nil
	}
	return envelope.WithDetails(
		envelope.Newf(envelope.CodeSchemaViolation, false,
			"params for tool %q violate its schema (%d field(s))", name, len(diags)),
		DiagnosticDetails(diags),
	)
}

// MergeDiscovered folds a remote tool-list batch into the registry. Malformed
// entries are skipped and logged; valid entries always land (partial success).
func (r *Registry) MergeDiscovered(ctx context.Context, serverID string, entries []WireDescriptor) (added, skipped int, err error) {
	for _, entry := range entries {
		desc, convErr := FromWire(serverID, entry)
		if convErr != nil {
			skipped++
			r.logger.Warn("skipping malformed discovered tool",
				"server_id", serverID,
				"tool", entry.Name,
				"error", convErr)
			continue
		}
		if regErr := r.Register(ctx, desc, true); regErr != nil {
			skipped++
			r.logger.Warn("skipping discovered tool that failed registration",
				"server_id", serverID,
				"tool", desc.Name,
				"error", regErr)
			continue
		}
		added++
	}
	return added, skipped, nil
}
