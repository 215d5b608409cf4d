package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mcpbridge/internal/logs"
	"mcpbridge/internal/storage"
)

var (
	authCmd = &cobra.Command{
		Use:   "auth",
		Short: "Authentication management commands",
		Long:  "Commands for authorizing with upstream servers and inspecting stored grants",
	}

	authLoginCmd = &cobra.Command{
		Use:   "login",
		Short: "Authorize with an upstream server",
		Long: `Run the OAuth flow for an upstream server and wait for it to
complete. The authorization URL is opened in the browser; tokens are
persisted so later commands and the serve daemon can reuse them.

Examples:
  mcpbridge auth login --server=github
  mcpbridge auth login --server=graph --user=alice`,
		RunE: runAuthLogin,
	}

	authStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show stored grants and their expiry",
		Long: `Show the tokens stored for each server: whether they are still
valid, when they expire, and whether a refresh token is available.

Examples:
  mcpbridge auth status
  mcpbridge auth status --server=github
  mcpbridge auth status --user=alice`,
		RunE: runAuthStatus,
	}

	authServerName string
	authUserID     string
	authTimeout    time.Duration
)

// GetAuthCommand returns the auth command for adding to the root command.
func GetAuthCommand() *cobra.Command {
	return authCmd
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)

	authLoginCmd.Flags().StringVarP(&authServerName, "server", "s", "", "Name of the server to authorize with (required)")
	authLoginCmd.Flags().StringVarP(&authUserID, "user", "u", "", "User identity to store the grant under")
	authLoginCmd.Flags().DurationVarP(&authTimeout, "timeout", "t", 5*time.Minute, "Authentication timeout")

	if err := authLoginCmd.MarkFlagRequired("server"); err != nil {
		panic(fmt.Sprintf("failed to mark server flag as required: %v", err))
	}

	authStatusCmd.Flags().StringVarP(&authServerName, "server", "s", "", "Limit status to one server")
	authStatusCmd.Flags().StringVarP(&authUserID, "user", "u", "", "User identity to inspect")
}

func runAuthLogin(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.FindServer(authServerName) == nil {
		return fmt.Errorf("server %q not found in configuration (available: %v)", authServerName, serverNames(cfg))
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

	if _, err := b.manager.GetConnection(ctx, authUserID, authServerName); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if authUserID != "" {
		fmt.Printf("✅ Authenticated with %s as %s\n", authServerName, authUserID)
	} else {
		fmt.Printf("✅ Authenticated with %s\n", authServerName)
	}
	return nil
}

func runAuthStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupCommandLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.NewBoltStore(cfg.DataDir, logger.Sugar())
	if err != nil {
		return fmt.Errorf("failed to open token storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	records, err := store.ListTokens(authUserID)
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}

	if authServerName != "" {
		var filtered []*storage.TokenRecord
		for _, r := range records {
			if r.ServerName == authServerName {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if len(records) == 0 {
		fmt.Println("No stored grants.")
		return nil
	}

	fmt.Printf("🔑 Stored grants (%d):\n\n", len(records))
	for _, r := range records {
		status := "✅ valid"
		switch {
		case r.IsExpired(0) && r.RefreshToken != "":
			status = "🔄 expired, refresh token available"
		case r.IsExpired(0):
			status = "❌ expired"
		}

		fmt.Printf("%s\n", r.ServerName)
		fmt.Printf("   Status: %s\n", status)
		if !r.ExpiresAt.IsZero() {
			fmt.Printf("   Expires: %s\n", r.ExpiresAt.Format(time.RFC3339))
		}
		if len(r.Scopes) > 0 {
			fmt.Printf("   Scopes: %s\n", strings.Join(r.Scopes, " "))
		}
		fmt.Println()
	}
	return nil
}
