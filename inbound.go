package trellis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petal-labs/trellis/envelope"
	"github.com/petal-labs/trellis/tool"
)

// Handler implements one locally exposed tool. Implementations receive
// already-validated params and return a JSON-marshalable result.
type Handler interface {
	Handle(ctx context.Context, params map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

// RegisterHandler exposes a local handler under the gateway's own server id.
// The descriptor's ServerID is overwritten with the local id so peers list
// and invoke it through the standard catalog.
func (g *Gateway) RegisterHandler(ctx context.Context, desc tool.Descriptor, handler Handler) error {
	if handler == nil {
		return envelope.Newf(envelope.CodeInternal, false,
			"handler for tool %q is nil", desc.Name)
	}
	desc.ServerID = g.localID
	if err := g.registry.Register(ctx, desc, false); err != nil {
		return err
	}
	g.handlersMu.Lock()
	g.handlers[desc.Name] = handler
	g.handlersMu.Unlock()
	g.logger.Info("registered local handler", "tool", desc.Name)
	return nil
}

// LocalTools lists the descriptors of all locally exposed tools.
func (g *Gateway) LocalTools() []tool.Descriptor {
	return g.registry.List(g.localID)
}

// HandleInvocation routes one inbound call to its local handler: lookup,
// param validation, then execution with panic containment. The returned
// payload is the handler result marshaled to JSON.
func (g *Gateway) HandleInvocation(ctx context.Context, toolName string, params map[string]any) (json.RawMessage, error) {
	start := g.now()
	data, err := g.handleInvocation(ctx, toolName, params)

	observation := InvokeObservation{
		ServerID:  g.localID,
		ToolName:  toolName,
		Direction: "inbound",
		Success:   err == nil,
		Latency:   g.now().Sub(start),
	}
	if err != nil {
		observation.ErrorCode = envelope.Code(err)
	}
	g.observer.ObserveInvoke(observation)
	return data, err
}

func (g *Gateway) handleInvocation(ctx context.Context, toolName string, params map[string]any) (json.RawMessage, error) {
	g.handlersMu.RLock()
	handler, ok := g.handlers[toolName]
	g.handlersMu.RUnlock()
	if !ok {
		return nil, envelope.Newf(envelope.CodeToolNotFound, false,
			"no local handler for tool %q", toolName)
	}
	if err := g.registry.ValidateParams(g.localID, toolName, params); err != nil {
		return nil, err
	}

	result, err := g.runHandler(ctx, toolName, handler, params)
	if err != nil {
		var pending *Pending
		if errors.As(err, &pending) {
			inv, perr := g.CreatePending(ctx, toolName, params, pending.TTL)
			if perr != nil {
				return nil, perr
			}
			return json.Marshal(PendingAck{
				PendingID: inv.ID,
				Status:    inv.Status,
				ExpiresAt: inv.ExpiresAt,
			})
		}
		return nil, envelope.Normalize(err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, envelope.New(envelope.CodeInternal,
			fmt.Sprintf("handler for tool %q returned an unmarshalable result", toolName), false, err)
	}
	return data, nil
}

// runHandler contains handler panics so one misbehaving tool cannot take the
// gateway down.
func (g *Gateway) runHandler(ctx context.Context, toolName string, handler Handler, params map[string]any) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error("handler panicked",
				"tool", toolName,
				"panic", recovered)
			err = envelope.Newf(envelope.CodeInternal, false,
				"handler for tool %q panicked: %v", toolName, recovered)
		}
	}()
	return handler.Handle(ctx, params)
}
