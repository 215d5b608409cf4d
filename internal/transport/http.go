// Package transport builds mcp-go clients for the supported MCP transports
// and probes HTTP endpoints for authorization challenges.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"

	"mcpbridge/internal/config"
)

// Transport type identifiers. "http" is accepted as an alias for
// streamable HTTP.
const (
	TransportHTTP           = "http"
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
	TransportStdio          = "stdio"
)

// defaultHTTPTimeout applies when the server config does not set one.
const defaultHTTPTimeout = 180 * time.Second

// HTTPError carries the HTTP details of a failed endpoint probe, including
// the WWW-Authenticate challenge needed for OAuth endpoint discovery.
type HTTPError struct {
	StatusCode      int
	URL             string
	WWWAuthenticate string
	Body            string
	Err             error
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Unwrap() error { return e.Err }

// IsAuthChallenge reports whether the response demands credentials.
func (e *HTTPError) IsAuthChallenge() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// HTTPConfig holds what the HTTP-family constructors need. Headers carry
// bearer tokens and any extra headers from the server config.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// CreateHTTPClient creates an MCP client over streamable HTTP.
func CreateHTTPClient(cfg *HTTPConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for HTTP transport")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	opts := []uptransport.StreamableHTTPCOption{
		uptransport.WithHTTPTimeout(timeout),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, uptransport.WithHTTPHeaders(cfg.Headers))
	}

	httpTransport, err := uptransport.NewStreamableHTTP(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// CreateSSEClient creates an MCP client over SSE. SSE connections are
// long-lived, so the HTTP client keeps connections alive and tolerates the
// full call timeout.
func CreateSSEClient(cfg *HTTPConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 5,
		},
	}

	opts := []uptransport.ClientOption{client.WithHTTPClient(httpClient)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, client.WithHeaders(cfg.Headers))
	}

	sseClient, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}

// probeBody is a minimal MCP initialize request. POSTing it is the reliable
// way to elicit either a JSON-RPC answer or an authorization challenge from
// a streamable HTTP endpoint (a bare GET is often answered with 405).
const probeBody = `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"mcpbridge","version":"0.1.0"}}}`

// ProbeAuth checks whether rawURL demands authorization. It returns a
// *HTTPError describing any >=400 response (with the WWW-Authenticate
// challenge captured), (nil, nil) when the endpoint answered normally, and
// an error only for transport-level failures.
func ProbeAuth(ctx context.Context, httpClient *http.Client, rawURL string, headers map[string]string) (*HTTPError, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader([]byte(probeBody)))
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPError{
		StatusCode:      resp.StatusCode,
		URL:             rawURL,
		WWWAuthenticate: resp.Header.Get("WWW-Authenticate"),
		Body:            string(bytes.TrimSpace(body)),
	}, nil
}

// DetermineTransportType resolves the effective transport for a server:
// explicit protocol wins, then a configured command implies stdio, then a
// URL implies streamable HTTP.
func DetermineTransportType(cfg *config.ServerConfig) string {
	if cfg.Protocol != config.ProtocolAuto {
		return cfg.Protocol
	}
	if cfg.Command != "" {
		return TransportStdio
	}
	if cfg.URL != "" {
		return TransportStreamableHTTP
	}
	return TransportStdio
}
