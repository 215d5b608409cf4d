package upstream

import (
	"time"

	"mcpbridge/internal/upstream/core"
	"mcpbridge/internal/upstream/factory"
)

// Discovery results and sentinel errors re-exported so Manager callers
// do not reach into the factory and core packages.
type (
	ToolDiscoveryResult = factory.ToolDiscoveryResult
	URLDiscoveryResult  = factory.URLDiscoveryResult
)

var (
	ErrConnectionTimeout = core.ErrConnectionTimeout
	ErrInspectionFailed  = factory.ErrInspectionFailed
)

// CallToolRequest names a tool invocation on a configured server.
type CallToolRequest struct {
	ServerName string
	ToolName   string
	Arguments  map[string]any

	// Timeout overrides the server's configured call timeout when
	// positive.
	Timeout time.Duration
}
