// Package core implements the low-level MCP connection: one transport
// session to one server for one principal. It dials, initializes, lists
// tools, and calls tools; policy (retry, OAuth orchestration, pooling)
// lives in the layers above.
package core

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/logs"
	"mcpbridge/internal/secureenv"
	"mcpbridge/internal/upstream/types"
)

// Sentinel errors returned by Connection operations.
var (
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("not connected to upstream server")

	// ErrConnectionTimeout classifies connect attempts that exceeded the
	// configured init timeout. Retryable, unlike auth failures.
	ErrConnectionTimeout = errors.New("connection timed out")
)

// mcpClientCloseTimeout bounds the graceful close of the underlying client
// so Disconnect never hangs on a wedged child process or socket.
const mcpClientCloseTimeout = 5 * time.Second

// Connection is one transport session to one upstream MCP server on behalf
// of one principal (a user ID, or "" for the shared app identity).
type Connection struct {
	id     string
	cfg    *config.ServerConfig
	userID string

	logger         *zap.Logger
	upstreamLogger *zap.Logger
	envManager     *secureenv.Manager
	state          *types.StateManager

	mu            sync.RWMutex
	client        *client.Client
	serverInfo    *mcp.InitializeResult
	connected     bool
	transportType string
	accessToken   string
	extraHeaders  map[string]string
	lastActivity  time.Time

	// onProgress is armed for the duration of one CallTool so that
	// notifications/progress frames re-arm the call deadline.
	progressMu sync.Mutex
	onProgress func()
}

// NewConnection creates an unconnected Connection for the given resolved
// server config. The config must already have placeholders substituted;
// the connection treats it as immutable.
func NewConnection(cfg *config.ServerConfig, userID string, global *config.Config, logger *zap.Logger) *Connection {
	id := uuid.NewString()

	c := &Connection{
		id:     id,
		cfg:    cfg,
		userID: userID,
		logger: logger.With(
			zap.String("upstream_id", id),
			zap.String("upstream_name", cfg.Name),
		),
		state:        types.NewStateManager(),
		lastActivity: time.Now(),
	}

	var envConfig *secureenv.EnvConfig
	if global != nil && global.Environment != nil {
		envConfig = global.Environment
	} else {
		envConfig = secureenv.DefaultEnvConfig()
	}
	if cfg.Command != "" {
		// Spawned servers need PATH discovery even when the bridge itself
		// was launched with a minimal environment.
		envCopy := *envConfig
		envCopy.EnhancePath = true
		envConfig = &envCopy
	}
	c.envManager = secureenv.NewManager(envConfig)

	if global != nil && global.Logging != nil {
		upstreamLogger, err := logs.CreateServerLogger(global.Logging, cfg.Name)
		if err != nil {
			logger.Warn("Failed to create upstream server logger",
				zap.String("server", cfg.Name),
				zap.Error(err))
		} else {
			c.upstreamLogger = upstreamLogger
		}
	}

	return c
}

// ID returns the unique instance ID of this connection.
func (c *Connection) ID() string { return c.id }

// ServerName returns the configured server name.
func (c *Connection) ServerName() string { return c.cfg.Name }

// UserID returns the principal this connection belongs to ("" = app).
func (c *Connection) UserID() string { return c.userID }

// Config returns the resolved server config this connection dials with.
func (c *Connection) Config() *config.ServerConfig { return c.cfg }

// IsConnected reports whether the session is established.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// State returns the current connection state.
func (c *Connection) State() types.ConnectionState {
	return c.state.GetState()
}

// ConnectionInfo returns a snapshot of connection state for status surfaces.
func (c *Connection) ConnectionInfo() types.ConnectionInfo {
	return c.state.GetConnectionInfo()
}

// ServerInfo returns the initialize result from the server, nil before the
// first successful connect.
func (c *Connection) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// TransportType returns the transport resolved for the last connect attempt.
func (c *Connection) TransportType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transportType
}

// LastActivity returns the time of the last use of this connection.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Touch marks the connection as just used, for idle-eviction bookkeeping.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// SetOAuthTokens records the access token used for authentication. For HTTP
// transports the token is sent as a bearer Authorization header on the next
// connect; for stdio it is substituted into placeholder env/args on the next
// spawn. A running child process is never mutated.
func (c *Connection) SetOAuthTokens(accessToken string) {
	c.mu.Lock()
	c.accessToken = accessToken
	c.mu.Unlock()
}

// SetRequestHeaders replaces the extra HTTP headers applied on the next
// connect. Config headers stay; these overlay them.
func (c *Connection) SetRequestHeaders(headers map[string]string) {
	c.mu.Lock()
	c.extraHeaders = headers
	c.mu.Unlock()
}

// Disconnect closes the session. It is idempotent: disconnecting an
// already-disconnected connection returns nil. Close errors from the
// underlying client are logged, not returned.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	wasConnected := c.connected
	mcpClient := c.client
	c.client = nil
	c.serverInfo = nil
	c.connected = false
	c.mu.Unlock()

	if !wasConnected && mcpClient == nil {
		return nil
	}

	c.logger.Info("Disconnecting from upstream MCP server",
		zap.Bool("was_connected", wasConnected))
	if c.upstreamLogger != nil {
		c.upstreamLogger.Info("Disconnecting from server",
			zap.Bool("was_connected", wasConnected))
	}

	if mcpClient != nil {
		closeDone := make(chan struct{})
		go func() {
			mcpClient.Close()
			close(closeDone)
		}()

		select {
		case <-closeDone:
		case <-time.After(mcpClientCloseTimeout):
			c.logger.Warn("MCP client close timed out",
				zap.Duration("timeout", mcpClientCloseTimeout))
		}
	}

	c.state.TransitionTo(types.StateDisconnected)
	return nil
}

// bearerToken returns the recorded access token, empty when none is set.
func (c *Connection) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// buildHeaders merges config headers, per-connection extra headers, and the
// bearer token into the header set for the next HTTP/SSE dial.
func (c *Connection) buildHeaders() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	headers := make(map[string]string, len(c.cfg.Headers)+len(c.extraHeaders)+1)
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	for k, v := range c.extraHeaders {
		headers[k] = v
	}
	if c.accessToken != "" {
		headers["Authorization"] = "Bearer " + c.accessToken
	}
	return headers
}

// setProgressFunc arms or disarms the progress notification hook.
func (c *Connection) setProgressFunc(fn func()) {
	c.progressMu.Lock()
	c.onProgress = fn
	c.progressMu.Unlock()
}

// noteProgress invokes the armed progress hook, if any.
func (c *Connection) noteProgress() {
	c.progressMu.Lock()
	fn := c.onProgress
	c.progressMu.Unlock()
	if fn != nil {
		fn()
	}
}
