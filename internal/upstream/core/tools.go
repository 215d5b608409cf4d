package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/hash"
)

// FetchTools lists the server's tools and converts them to tool metadata.
// Input schemas are flattened to JSON strings. A server that does not
// advertise the tools capability yields (nil, nil).
func (c *Connection) FetchTools(ctx context.Context) ([]*config.ToolMetadata, error) {
	c.mu.RLock()
	mcpClient := c.client
	serverInfo := c.serverInfo
	connected := c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return nil, ErrNotConnected
	}
	if serverInfo != nil && serverInfo.Capabilities.Tools == nil {
		c.logger.Debug("Server does not advertise tools capability")
		return nil, nil
	}

	toolsResult, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]*config.ToolMetadata, 0, len(toolsResult.Tools))
	for i := range toolsResult.Tools {
		tool := &toolsResult.Tools[i]

		var paramsJSON string
		if schemaBytes, err := json.Marshal(tool.InputSchema); err == nil {
			paramsJSON = string(schemaBytes)
		}

		tools = append(tools, &config.ToolMetadata{
			Name:        tool.Name,
			ServerName:  c.cfg.Name,
			Description: tool.Description,
			ParamsJSON:  paramsJSON,
			Hash:        hash.ToolHash(c.cfg.Name, tool.Name, tool.Description, paramsJSON),
		})
	}

	c.Touch()
	c.logger.Debug("Retrieved tools from upstream server",
		zap.Int("tool_count", len(tools)))
	return tools, nil
}

// CallTool executes a tool with the configured call timeout. The deadline
// re-arms on every notifications/progress frame from the server, so a
// long-running tool that keeps reporting progress is not cut off.
func (c *Connection) CallTool(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.CallToolWithTimeout(ctx, toolName, args, 0)
}

// CallToolWithTimeout is CallTool with a per-call timeout override.
// A non-positive timeout falls back to the server's configured value.
func (c *Connection) CallToolWithTimeout(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	mcpClient := c.client
	connected := c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return nil, ErrNotConnected
	}

	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	if timeout <= 0 {
		timeout = config.DefaultCallTimeout
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = args

	if c.upstreamLogger != nil {
		c.upstreamLogger.Info("Starting CallTool operation",
			zap.String("tool_name", toolName))
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	c.setProgressFunc(func() { timer.Reset(timeout) })
	defer c.setProgressFunc(nil)

	result, err := mcpClient.CallTool(callCtx, request)
	if err != nil {
		if c.upstreamLogger != nil {
			c.upstreamLogger.Error("CallTool operation failed",
				zap.String("tool_name", toolName),
				zap.Error(err))
		}
		if timedOut.Load() {
			return nil, fmt.Errorf("tool call %q timed out after %v", toolName, timeout)
		}
		return nil, fmt.Errorf("CallTool failed for %q: %w", toolName, err)
	}

	c.Touch()
	if c.upstreamLogger != nil {
		c.upstreamLogger.Info("CallTool operation completed",
			zap.String("tool_name", toolName))
	}
	return result, nil
}
