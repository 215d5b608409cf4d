package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"mcpbridge/internal/logs"
	"mcpbridge/internal/upstream"
)

var (
	callCmd = &cobra.Command{
		Use:   "call",
		Short: "Call a tool on an upstream server",
		Long: `Call a tool on a configured upstream server and print its output.
If the server demands authorization first, the authorization URL is opened
in the browser and the call proceeds once the flow completes.

Examples:
  mcpbridge call --server=github --tool=search_repositories --args-json='{"query":"mcp"}'
  mcpbridge call --server=graph --tool=send_mail --user=alice --args-json='{"to":"bob@example.com"}'
  mcpbridge call --server=github --tool=get_me --output=json`,
		RunE: runCall,
	}

	callServerName string
	callToolName   string
	callArgsJSON   string
	callUserID     string
	callTimeout    time.Duration
	callOutput     string
)

// GetCallCommand returns the call command for adding to the root command.
func GetCallCommand() *cobra.Command {
	return callCmd
}

func init() {
	callCmd.Flags().StringVarP(&callServerName, "server", "s", "", "Name of the upstream server (required)")
	callCmd.Flags().StringVarP(&callToolName, "tool", "t", "", "Name of the tool to call (required)")
	callCmd.Flags().StringVarP(&callArgsJSON, "args-json", "j", "{}", "Tool arguments as a JSON object")
	callCmd.Flags().StringVarP(&callUserID, "user", "u", "", "User identity for servers that hold per-user grants")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 2*time.Minute, "Overall timeout, including any authorization wait")
	callCmd.Flags().StringVarP(&callOutput, "output", "o", outputText, "Output format (text, json)")

	if err := callCmd.MarkFlagRequired("server"); err != nil {
		panic(fmt.Sprintf("failed to mark server flag as required: %v", err))
	}
	if err := callCmd.MarkFlagRequired("tool"); err != nil {
		panic(fmt.Sprintf("failed to mark tool flag as required: %v", err))
	}
}

func runCall(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var args map[string]any
	if err := json.Unmarshal([]byte(callArgsJSON), &args); err != nil {
		return fmt.Errorf("invalid --args-json: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.FindServer(callServerName) == nil {
		return fmt.Errorf("server %q not found in configuration (available: %v)", callServerName, serverNames(cfg))
	}

	logger, err := logs.SetupCommandLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	b, err := newBridge(cfg, logger, "127.0.0.1:0", terminalOAuthStart)
	if err != nil {
		return err
	}
	b.start()
	defer b.close()

	result, err := b.manager.CallTool(ctx, callUserID, upstream.CallToolRequest{
		ServerName: callServerName,
		ToolName:   callToolName,
		Arguments:  args,
	})
	if err != nil {
		return fmt.Errorf("tool call failed: %w", err)
	}

	if callOutput == outputJSON {
		return printJSON(result)
	}

	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			fmt.Println(text.Text)
			continue
		}
		if err := printJSON(content); err != nil {
			return err
		}
	}

	if result.IsError {
		return errors.New("tool reported an error")
	}
	return nil
}
