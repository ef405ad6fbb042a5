package transport

import (
	"encoding/json"

	"github.com/petal-labs/trellis/tool"
)

// Wire paths for the two protocol operations.
const (
	PathListTools  = "/tools/list"
	PathInvokeTool = "/tools/invoke"
)

// InvokeRequest is the outbound tool-invoke payload.
type InvokeRequest struct {
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// InvokeResponse is the tool-invoke reply: exactly one of Result or Error.
type InvokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the error half of an invoke reply.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListToolsResponse is the tool-list reply.
type ListToolsResponse struct {
	Tools []tool.WireDescriptor `json:"tools"`
}
