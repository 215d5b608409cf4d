package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mcpbridge/internal/config"
	"mcpbridge/internal/logs"
)

var (
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Tool discovery commands",
		Long:  "Commands for listing and inspecting tools on upstream MCP servers",
	}

	toolsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tools from a configured upstream server",
		Long: `List the tools a configured upstream server exposes. Servers that
demand authorization report the authorization URL instead of blocking.

Examples:
  mcpbridge tools list --server=github
  mcpbridge tools list --server=graph --user=alice
  mcpbridge tools list --server=github --output=json`,
		RunE: runToolsList,
	}

	toolsInspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Probe a bare URL for an MCP server",
		Long: `Probe a URL without any configuration: streamable HTTP is tried
first, then SSE, and the answering transport, tool list, and authorization
requirements are reported.

Examples:
  mcpbridge tools inspect --url=https://api.example.com/mcp`,
		RunE: runToolsInspect,
	}

	toolsServerName string
	toolsUserID     string
	toolsURL        string
	toolsTimeout    time.Duration
	toolsOutput     string
)

// GetToolsCommand returns the tools command for adding to the root command.
func GetToolsCommand() *cobra.Command {
	return toolsCmd
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsInspectCmd)

	toolsListCmd.Flags().StringVarP(&toolsServerName, "server", "s", "", "Name of the upstream server to query (required)")
	toolsListCmd.Flags().StringVarP(&toolsUserID, "user", "u", "", "User identity for servers that hold per-user grants")
	toolsListCmd.Flags().DurationVarP(&toolsTimeout, "timeout", "t", 30*time.Second, "Discovery timeout")
	toolsListCmd.Flags().StringVarP(&toolsOutput, "output", "o", outputTable, "Output format (table, json)")

	if err := toolsListCmd.MarkFlagRequired("server"); err != nil {
		panic(fmt.Sprintf("failed to mark server flag as required: %v", err))
	}

	toolsInspectCmd.Flags().StringVar(&toolsURL, "url", "", "URL to probe for an MCP server (required)")
	toolsInspectCmd.Flags().DurationVarP(&toolsTimeout, "timeout", "t", 30*time.Second, "Probe timeout")
	toolsInspectCmd.Flags().StringVarP(&toolsOutput, "output", "o", outputTable, "Output format (table, json)")

	if err := toolsInspectCmd.MarkFlagRequired("url"); err != nil {
		panic(fmt.Sprintf("failed to mark url flag as required: %v", err))
	}
}

func runToolsList(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), toolsTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	serverCfg := cfg.FindServer(toolsServerName)
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in configuration (available: %v)", toolsServerName, serverNames(cfg))
	}

	logger, err := logs.SetupCommandLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	b, err := newBridge(cfg, logger, "127.0.0.1:0", nil)
	if err != nil {
		return err
	}
	b.start()
	defer b.close()

	result, err := b.manager.DiscoverServerTools(ctx, toolsUserID, serverCfg)
	if err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	if toolsOutput == outputJSON {
		return printJSON(result)
	}

	if result.OAuthRequired {
		fmt.Printf("🔐 %s requires authorization.\n", toolsServerName)
		if result.OAuthURL != "" {
			fmt.Printf("   Run `mcpbridge auth login --server=%s` to complete the flow.\n", toolsServerName)
		}
		if len(result.Tools) == 0 {
			return nil
		}
		fmt.Println()
	}

	displayToolsTable(result.Tools, toolsServerName)
	return nil
}

func runToolsInspect(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), toolsTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupCommandLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	b, err := newBridge(cfg, logger, "127.0.0.1:0", nil)
	if err != nil {
		return err
	}
	b.start()
	defer b.close()

	result, err := b.manager.DiscoverFromURL(ctx, toolsURL)
	if err != nil {
		return fmt.Errorf("inspection failed: %w", err)
	}

	if toolsOutput == outputJSON {
		return printJSON(result)
	}

	fmt.Printf("🔎 %s\n", toolsURL)
	fmt.Printf("   Transport: %s\n", result.Transport)
	if result.SuggestedTitle != "" {
		fmt.Printf("   Title: %s\n", result.SuggestedTitle)
	}
	if result.RequiresOAuth {
		fmt.Println("   Authorization: required")
	}
	if len(result.OAuthMetadata) > 0 {
		fmt.Println("   OAuth metadata:")
		if err := printJSON(result.OAuthMetadata); err != nil {
			return err
		}
	}
	fmt.Println()
	displayToolsTable(result.Tools, result.SuggestedTitle)
	return nil
}

func displayToolsTable(tools []*config.ToolMetadata, serverName string) {
	if len(tools) == 0 {
		fmt.Println("No tools discovered.")
		return
	}

	fmt.Printf("📚 Discovered tools (%d):\n\n", len(tools))
	for i, tool := range tools {
		fmt.Printf("%d. %s\n", i+1, tool.Name)
		if tool.Description != "" {
			fmt.Printf("   📝 %s\n", tool.Description)
		}
		if serverName != "" {
			fmt.Printf("   🏷️  %s:%s\n", serverName, tool.Name)
		}
		fmt.Println()
	}
}
