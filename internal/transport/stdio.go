package transport

import (
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
)

// StdioConfig holds what the stdio constructor needs. Env must be the fully
// built child environment (secure base plus the server's own variables,
// placeholders already substituted). The child is spawned directly, never
// through a shell, so substituted secrets cannot leak into shell history or
// be mangled by quoting.
type StdioConfig struct {
	Command string
	Args    []string
	Env     []string
}

// CreateStdioClient creates an MCP client that spawns the server as a child
// process and speaks JSON-RPC over its stdin/stdout.
func CreateStdioClient(cfg *StdioConfig) (*client.Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no command specified for stdio transport")
	}

	stdioTransport := uptransport.NewStdio(cfg.Command, cfg.Env, cfg.Args...)
	return client.NewClient(stdioTransport), nil
}
