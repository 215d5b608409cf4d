package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"

	"mcpbridge/internal/config"
)

// Output format values shared by the one-shot commands.
const (
	outputText  = "text"
	outputTable = "table"
	outputJSON  = "json"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func serverNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		names = append(names, srv.Name)
	}
	return names
}

// terminalOAuthStart prints the authorization URL and tries the default
// browser. The flow completes through the bridge's callback server, so a
// failed browser launch is not fatal: the user can paste the URL.
func terminalOAuthStart(_ context.Context, authorizationURL string) error {
	fmt.Printf("🔐 Authorization required. Complete the flow in your browser:\n   %s\n", authorizationURL)
	if err := openBrowser(authorizationURL); err != nil {
		fmt.Printf("   (could not open browser automatically: %v)\n", err)
	}
	return nil
}

// openBrowser launches the platform's default browser.
func openBrowser(authURL string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", authURL}
	case "darwin":
		cmd = "open"
		args = []string{authURL}
	case "linux":
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return fmt.Errorf("xdg-open not found in PATH: %w", err)
		}
		cmd = "xdg-open"
		args = []string{authURL}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	return exec.Command(cmd, args...).Start()
}
