// Package upstream pools live connections to MCP servers and routes tool
// calls through them. Connections come in two tiers: app-level connections
// shared by every caller, and per-user connections for servers that need
// individual credentials. The Manager owns both pools and is the single
// entry point the agent runtime talks to.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcpbridge/internal/config"
	"mcpbridge/internal/format"
	"mcpbridge/internal/hash"
	"mcpbridge/internal/observability"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream/core"
	"mcpbridge/internal/upstream/factory"
)

// connectionFactory is the slice of factory behavior the Manager needs.
// Narrowed to an interface so tests can script connection outcomes.
type connectionFactory interface {
	Create(ctx context.Context, opts factory.CreateOptions) (*core.Connection, error)
	DiscoverTools(ctx context.Context, opts factory.CreateOptions) (*factory.ToolDiscoveryResult, error)
	DiscoverFromURL(ctx context.Context, rawURL string) (*factory.URLDiscoveryResult, error)
	CompleteAuthorization(ctx context.Context, stateParam, code string) error
	FailAuthorization(ctx context.Context, stateParam, errCode, errDescription string) error
}

// appEntry pairs an app-level connection with the hash of the config it
// was dialed with; an edited config invalidates the cached connection.
type appEntry struct {
	conn       *core.Connection
	configHash string
}

// Manager pools upstream connections and dispatches tool calls.
type Manager struct {
	cfg        *config.Config
	factory    connectionFactory
	formats    *format.Registry
	metrics    *observability.Metrics
	oauthStart func(ctx context.Context, authorizationURL string) error
	oauthEnd   func(ctx context.Context) error
	logger     *zap.Logger

	mu   sync.RWMutex
	app  map[string]*appEntry        // server name -> shared connection
	user map[string]*core.Connection // userID|server -> user connection
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Global  *config.Config
	Factory *factory.Factory

	// Formats post-processes tool output; nil disables formatting.
	Formats *format.Registry

	// Metrics may be nil; recording is then a no-op.
	Metrics *observability.Metrics

	// OAuthStart delivers authorization URLs to whoever can act on them
	// (terminal, browser, chat message). Attached to every connection the
	// Manager dials. May be nil: flows still resolve through the callback
	// server.
	OAuthStart func(ctx context.Context, authorizationURL string) error

	// OAuthEnd runs when a handshake resolves, success or not. May be nil.
	OAuthEnd func(ctx context.Context) error

	Logger *zap.Logger
}

// NewManager builds a Manager with empty pools.
func NewManager(deps Deps) *Manager {
	return &Manager{
		cfg:        deps.Global,
		factory:    deps.Factory,
		formats:    deps.Formats,
		metrics:    deps.Metrics,
		oauthStart: deps.OAuthStart,
		oauthEnd:   deps.OAuthEnd,
		logger:     deps.Logger.Named("upstream"),
		app:        make(map[string]*appEntry),
		user:       make(map[string]*core.Connection),
	}
}

// createOptions builds the factory options for a dial, carrying the
// Manager-wide OAuth delivery hooks.
func (m *Manager) createOptions(userID string, cfg *config.ServerConfig) factory.CreateOptions {
	return factory.CreateOptions{
		UserID:     userID,
		Config:     cfg,
		OAuthStart: m.oauthStart,
		OAuthEnd:   m.oauthEnd,
	}
}

// GetConnection returns a live connection for the named server. Servers
// that can run on shared credentials use the app pool; servers needing
// per-user auth get a connection keyed by the caller's identity.
func (m *Manager) GetConnection(ctx context.Context, userID, serverName string) (*core.Connection, error) {
	cfg := m.cfg.FindServer(serverName)
	if cfg == nil {
		return nil, fmt.Errorf("unknown server: %s", serverName)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("server %s is disabled", serverName)
	}
	if factory.NeedsUserAuth(cfg) {
		return m.userConnection(ctx, userID, cfg)
	}
	return m.appConnection(ctx, cfg)
}

func (m *Manager) appConnection(ctx context.Context, cfg *config.ServerConfig) (*core.Connection, error) {
	cfgHash := hash.ConfigHash(cfg)

	m.mu.Lock()
	entry := m.app[cfg.Name]
	if entry != nil && entry.configHash == cfgHash && entry.conn.IsConnected() {
		m.mu.Unlock()
		return entry.conn, nil
	}
	delete(m.app, cfg.Name)
	m.publishPoolSizesLocked()
	m.mu.Unlock()

	if entry != nil {
		if entry.configHash != cfgHash {
			m.logger.Info("Server config changed, reconnecting",
				zap.String("server", cfg.Name))
		}
		_ = entry.conn.Disconnect()
	}

	conn, err := m.factory.Create(ctx, m.createOptions("", cfg))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cur := m.app[cfg.Name]; cur != nil && cur.configHash == cfgHash && cur.conn.IsConnected() {
		// Lost the dial race; keep the winner's connection.
		m.mu.Unlock()
		_ = conn.Disconnect()
		return cur.conn, nil
	}
	m.app[cfg.Name] = &appEntry{conn: conn, configHash: cfgHash}
	m.publishPoolSizesLocked()
	m.mu.Unlock()
	return conn, nil
}

func (m *Manager) userConnection(ctx context.Context, userID string, cfg *config.ServerConfig) (*core.Connection, error) {
	key := userKey(userID, cfg.Name)

	m.mu.Lock()
	stale := m.user[key]
	if stale != nil && stale.IsConnected() {
		m.mu.Unlock()
		return stale, nil
	}
	delete(m.user, key)
	m.publishPoolSizesLocked()
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Disconnect()
	}

	conn, err := m.factory.Create(ctx, m.createOptions(userID, cfg))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cur := m.user[key]; cur != nil && cur.IsConnected() {
		m.mu.Unlock()
		_ = conn.Disconnect()
		return cur, nil
	}
	m.user[key] = conn
	m.publishPoolSizesLocked()
	m.mu.Unlock()
	return conn, nil
}

func userKey(userID, serverName string) string {
	return userID + "|" + serverName
}

// CallTool resolves a connection for the request, invokes the tool, and
// post-processes the result through the formatter registry. Stdio servers
// with per-user auth get a fresh process every call: a cached process
// keeps the environment it was spawned with and cannot receive new tokens.
func (m *Manager) CallTool(ctx context.Context, userID string, req CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := m.cfg.FindServer(req.ServerName)
	if cfg == nil {
		return nil, fmt.Errorf("unknown server: %s", req.ServerName)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("server %s is disabled", req.ServerName)
	}

	started := time.Now()

	var (
		conn *core.Connection
		err  error
	)
	if transport.DetermineTransportType(cfg) == transport.TransportStdio && factory.NeedsUserAuth(cfg) {
		conn, err = m.factory.Create(ctx, m.createOptions(userID, cfg))
		if err == nil {
			defer func() { _ = conn.Disconnect() }()
		}
	} else {
		conn, err = m.GetConnection(ctx, userID, req.ServerName)
	}
	if err != nil {
		m.metrics.RecordToolCall(req.ServerName, req.ToolName, "connect_error", time.Since(started))
		return nil, err
	}

	result, err := conn.CallToolWithTimeout(ctx, req.ToolName, req.Arguments, req.Timeout)
	if err != nil {
		m.metrics.RecordToolCall(req.ServerName, req.ToolName, "error", time.Since(started))
		return nil, err
	}
	m.metrics.RecordToolCall(req.ServerName, req.ToolName, "success", time.Since(started))

	m.applyFormatting(req.ServerName, req.ToolName, result)
	m.sweepIdle()
	return result, nil
}

// applyFormatting rewrites text content through the formatter registry.
// A formatter error leaves the original text untouched.
func (m *Manager) applyFormatting(serverName, toolName string, result *mcp.CallToolResult) {
	if m.formats == nil || result == nil {
		return
	}
	for i, content := range result.Content {
		textContent, ok := content.(mcp.TextContent)
		if !ok {
			continue
		}
		formatted, err := m.formats.Apply(serverName, toolName, textContent.Text)
		if err != nil {
			m.logger.Warn("Tool result formatter failed",
				zap.String("server", serverName),
				zap.String("tool", toolName),
				zap.Error(err))
			continue
		}
		textContent.Text = formatted
		result.Content[i] = textContent
	}
}

// sweepIdle evicts user connections idle past the configured window. The
// sweep runs opportunistically after successful tool calls; there is no
// background timer.
func (m *Manager) sweepIdle() {
	idle := config.DefaultUserIdleTimeout
	if m.cfg.Pool != nil && m.cfg.Pool.UserIdleTimeout > 0 {
		idle = m.cfg.Pool.UserIdleTimeout
	}
	cutoff := time.Now().Add(-idle)

	var victims []*core.Connection
	m.mu.Lock()
	for key, conn := range m.user {
		if conn.LastActivity().Before(cutoff) {
			victims = append(victims, conn)
			delete(m.user, key)
		}
	}
	if len(victims) > 0 {
		m.publishPoolSizesLocked()
	}
	m.mu.Unlock()

	for _, conn := range victims {
		m.logger.Debug("Evicting idle user connection",
			zap.String("server", conn.ServerName()),
			zap.String("user", conn.UserID()))
		_ = conn.Disconnect()
	}
}

// DiscoverServerTools lists a server's tools without blocking on user
// authorization. Servers pre-marked as OAuth-only short-circuit when no
// user identity is supplied: dialing would only produce a challenge no
// one can answer. An already-open app connection is preferred over a
// fresh discovery dial.
func (m *Manager) DiscoverServerTools(ctx context.Context, userID string, cfg *config.ServerConfig) (*ToolDiscoveryResult, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil server config")
	}
	if cfg.RequiresOAuth && userID == "" {
		return &ToolDiscoveryResult{OAuthRequired: true}, nil
	}

	m.mu.RLock()
	entry := m.app[cfg.Name]
	m.mu.RUnlock()
	if entry != nil && entry.conn.IsConnected() {
		tools, err := entry.conn.FetchTools(ctx)
		if err == nil {
			return &ToolDiscoveryResult{Tools: tools}, nil
		}
		m.logger.Warn("Tool listing over pooled connection failed, rediscovering",
			zap.String("server", cfg.Name),
			zap.Error(err))
	}

	return m.factory.DiscoverTools(ctx, m.createOptions(userID, cfg))
}

// AppToolFunctions lists the tools of every enabled app-level server in
// parallel, keyed "server:tool". A server that fails to list is logged
// and skipped so one dead upstream cannot blank the whole toolbox.
func (m *Manager) AppToolFunctions(ctx context.Context) (map[string]*config.ToolMetadata, error) {
	var (
		mu    sync.Mutex
		tools = make(map[string]*config.ToolMetadata)
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range m.cfg.Servers {
		if !cfg.Enabled || factory.NeedsUserAuth(cfg) {
			continue
		}
		g.Go(func() error {
			result, err := m.DiscoverServerTools(ctx, "", cfg)
			if err != nil {
				m.logger.Warn("Skipping server during tool listing",
					zap.String("server", cfg.Name),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tool := range result.Tools {
				tools[cfg.Name+":"+tool.Name] = tool
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tools, nil
}

// DiscoverFromURL probes a bare URL for an MCP server.
func (m *Manager) DiscoverFromURL(ctx context.Context, rawURL string) (*URLDiscoveryResult, error) {
	return m.factory.DiscoverFromURL(ctx, rawURL)
}

// CompleteOAuthFlow exchanges the authorization code delivered to the
// OAuth callback and resolves the matching flow.
func (m *Manager) CompleteOAuthFlow(ctx context.Context, state, code string) error {
	return m.factory.CompleteAuthorization(ctx, state, code)
}

// FailOAuthFlow resolves the matching flow as failed after the
// authorization server reported an error to the callback.
func (m *Manager) FailOAuthFlow(ctx context.Context, state, errCode, errDescription string) error {
	return m.factory.FailAuthorization(ctx, state, errCode, errDescription)
}

// Close disconnects every pooled connection. All connections are
// attempted; the first disconnect error is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	victims := make([]*core.Connection, 0, len(m.app)+len(m.user))
	for _, entry := range m.app {
		victims = append(victims, entry.conn)
	}
	for _, conn := range m.user {
		victims = append(victims, conn)
	}
	m.app = make(map[string]*appEntry)
	m.user = make(map[string]*core.Connection)
	m.publishPoolSizesLocked()
	m.mu.Unlock()

	var firstErr error
	for _, conn := range victims {
		if err := conn.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// publishPoolSizesLocked pushes the pool gauges; callers hold m.mu.
func (m *Manager) publishPoolSizesLocked() {
	m.metrics.SetConnectionCounts(len(m.app), len(m.user))
}
