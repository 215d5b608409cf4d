package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/oauth"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream/types"
)

// authProbeTimeout bounds the follow-up probe that harvests the
// WWW-Authenticate challenge after an auth-classified connect failure.
const authProbeTimeout = 5 * time.Second

// Connect dials the server, starts the transport, and performs the MCP
// initialize handshake. Already-connected connections return nil.
//
// Error classification:
//   - a server demanding authorization surfaces as *oauth.RequiredError
//     (match with errors.As), carrying the resource-metadata URL from the
//     WWW-Authenticate challenge when the server sent one;
//   - attempts exceeding the init timeout wrap ErrConnectionTimeout;
//   - everything else is a wrapped transport error.
func (c *Connection) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	transportType := transport.DetermineTransportType(c.cfg)
	c.mu.Lock()
	c.transportType = transportType
	c.mu.Unlock()

	c.state.TransitionTo(types.StateConnecting)
	c.logger.Debug("Connecting to upstream MCP server",
		zap.String("transport", transportType))

	initTimeout := c.cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = config.DefaultInitTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	var err error
	switch transportType {
	case transport.TransportStdio:
		err = c.connectStdio(connectCtx)
	case transport.TransportSSE:
		err = c.connectSSE(connectCtx)
	case transport.TransportHTTP, transport.TransportStreamableHTTP:
		err = c.connectHTTP(connectCtx)
	default:
		err = fmt.Errorf("unsupported transport type: %s", transportType)
	}

	if err != nil {
		err = c.classifyConnectError(connectCtx, transportType, err)
		_ = c.Disconnect() // release the partially-created client
		c.state.SetError(err)
		return err
	}

	c.registerProgressHandler()

	c.mu.Lock()
	c.connected = true
	c.lastActivity = time.Now()
	serverInfo := c.serverInfo
	c.mu.Unlock()

	if serverInfo != nil {
		c.state.SetServerInfo(serverInfo.ServerInfo.Name, serverInfo.ServerInfo.Version)
	}
	c.state.TransitionTo(types.StateReady)

	c.logger.Info("Connected to upstream MCP server",
		zap.String("transport", transportType))
	return nil
}

// connectStdio spawns the configured command and handshakes over its pipes.
// When an access token was recorded and the config carries the token
// placeholder, substitution happens here, immediately before spawn.
func (c *Connection) connectStdio(ctx context.Context) error {
	cfg := c.cfg
	if cfg.Command == "" {
		return fmt.Errorf("no command specified for stdio transport")
	}

	if token := c.bearerToken(); token != "" && config.HasPlaceholder(cfg, config.TokenPlaceholder) {
		cfg = config.Substitute(cfg, config.Substitutions{config.TokenPlaceholder: token})
	}

	envVars := c.envManager.BuildProcessEnvironment(cfg.Env)

	stdioClient, err := transport.CreateStdioClient(&transport.StdioConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     envVars,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.client = stdioClient
	c.mu.Unlock()

	c.logger.Debug("Initialized stdio transport",
		zap.String("command", cfg.Command),
		zap.Strings("args", cfg.Args))

	// The child process outlives the connect context; it runs until
	// Disconnect closes the transport.
	if err := stdioClient.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start stdio transport: %w", err)
	}

	return c.initialize(ctx)
}

// connectHTTP handshakes over streamable HTTP.
func (c *Connection) connectHTTP(ctx context.Context) error {
	httpClient, err := transport.CreateHTTPClient(&transport.HTTPConfig{
		URL:     c.cfg.URL,
		Headers: c.buildHeaders(),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.client = httpClient
	c.mu.Unlock()

	if err := httpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP transport: %w", err)
	}

	return c.initialize(ctx)
}

// connectSSE handshakes over SSE. The event stream runs in a background
// goroutine, so Start gets a persistent context rather than the short-lived
// connect context.
func (c *Connection) connectSSE(ctx context.Context) error {
	sseClient, err := transport.CreateSSEClient(&transport.HTTPConfig{
		URL:     c.cfg.URL,
		Headers: c.buildHeaders(),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.client = sseClient
	c.mu.Unlock()

	if err := sseClient.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start SSE transport: %w", err)
	}

	return c.initialize(ctx)
}

// initialize performs the MCP initialization handshake.
func (c *Connection) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpbridge",
		Version: "0.1.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()

	serverInfo, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		if c.upstreamLogger != nil {
			c.upstreamLogger.Error("MCP initialize failed", zap.Error(err))
		}
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = serverInfo
	c.mu.Unlock()

	c.logger.Info("MCP initialization successful",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version))
	if c.upstreamLogger != nil {
		c.upstreamLogger.Info("MCP initialization completed",
			zap.String("server_name", serverInfo.ServerInfo.Name),
			zap.String("protocol_version", serverInfo.ProtocolVersion))
	}

	return nil
}

// classifyConnectError turns a raw dial/handshake failure into the typed
// error the caller dispatches on.
func (c *Connection) classifyConnectError(connectCtx context.Context, transportType string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("connect to %s: %w: %v", c.cfg.Name, ErrConnectionTimeout, err)
	}

	httpTransport := transportType == transport.TransportSSE ||
		transportType == transport.TransportHTTP ||
		transportType == transport.TransportStreamableHTTP
	if httpTransport && oauth.IsAuthError(err) {
		required := &oauth.RequiredError{
			ServerName: c.cfg.Name,
			ServerURL:  c.cfg.URL,
			Err:        err,
		}
		required.MetadataURL = c.probeResourceMetadata()
		return required
	}

	return fmt.Errorf("failed to connect to %s: %w", c.cfg.Name, err)
}

// probeResourceMetadata re-sends a bare initialize POST to capture the
// WWW-Authenticate challenge the mcp-go transport does not expose, and
// extracts the RFC 9728 resource-metadata URL from it. Best effort: any
// probe failure returns "".
func (c *Connection) probeResourceMetadata() string {
	if c.cfg.URL == "" {
		return ""
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), authProbeTimeout)
	defer cancel()

	httpErr, err := transport.ProbeAuth(probeCtx, &http.Client{Timeout: authProbeTimeout}, c.cfg.URL, c.buildHeaders())
	if err != nil || httpErr == nil || !httpErr.IsAuthChallenge() {
		return ""
	}

	metadataURL := oauth.ExtractResourceMetadataURL(httpErr.WWWAuthenticate)
	if metadataURL != "" {
		c.logger.Debug("Discovered resource metadata URL from auth challenge",
			zap.String("metadata_url", metadataURL))
	}
	return metadataURL
}

// registerProgressHandler subscribes to server notifications and forwards
// notifications/progress frames to the active call's deadline hook.
func (c *Connection) registerProgressHandler() {
	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()
	if mcpClient == nil {
		return
	}

	mcpClient.OnNotification(func(notification mcp.JSONRPCNotification) {
		if notification.Method != "notifications/progress" {
			return
		}
		c.noteProgress()
	})
}
