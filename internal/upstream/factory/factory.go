// Package factory produces ready upstream connections: it resolves
// credentials and placeholders, enforces the domain guard, retries
// transport failures, and orchestrates OAuth handshakes through the flow
// manager when a server demands authorization.
package factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/flow"
	"mcpbridge/internal/netguard"
	"mcpbridge/internal/oauth"
	"mcpbridge/internal/observability"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream/core"
)

// Retry policy for transport-level connect failures. Auth-classified
// failures never retry: without new credentials the next attempt is
// guaranteed to fail the same way.
const (
	maxConnectAttempts = 3
	retryBackoffStep   = 2000 * time.Millisecond
)

// ConnectFunc dials a connection. Injectable so tests exercise the retry
// and OAuth orchestration without a network.
type ConnectFunc func(ctx context.Context, conn *core.Connection) error

// ListToolsFunc lists tools over an established connection.
type ListToolsFunc func(ctx context.Context, conn *core.Connection) ([]*config.ToolMetadata, error)

// Deps are the collaborators a Factory needs.
type Deps struct {
	Tokens     *oauth.TokenManager
	Flows      *flow.Manager
	Discoverer *oauth.Discoverer
	Exchanger  *oauth.Exchanger
	OBO        *oauth.OBOExchanger
	Guard      *netguard.Guard

	Global *config.Config

	// RedirectURI returns the live OAuth callback redirect URI. Consulted
	// lazily because the callback server binds its port at startup.
	RedirectURI func() string

	// Metrics may be nil; recording is then a no-op.
	Metrics *observability.Metrics

	Logger *zap.Logger
}

// Factory creates connections and discovers tools.
type Factory struct {
	tokens      *oauth.TokenManager
	flows       *flow.Manager
	discoverer  *oauth.Discoverer
	exchanger   *oauth.Exchanger
	obo         *oauth.OBOExchanger
	guard       *netguard.Guard
	global      *config.Config
	redirectURI func() string
	metrics     *observability.Metrics
	logger      *zap.Logger

	connect   ConnectFunc
	listTools ListToolsFunc

	backoffStep      time.Duration
	oauthWaitTimeout time.Duration
}

// New creates a Factory.
func New(deps Deps) *Factory {
	return &Factory{
		tokens:           deps.Tokens,
		flows:            deps.Flows,
		discoverer:       deps.Discoverer,
		exchanger:        deps.Exchanger,
		obo:              deps.OBO,
		guard:            deps.Guard,
		global:           deps.Global,
		redirectURI:      deps.RedirectURI,
		metrics:          deps.Metrics,
		logger:           deps.Logger.Named("factory"),
		connect:          defaultConnect,
		listTools:        defaultListTools,
		backoffStep:      retryBackoffStep,
		oauthWaitTimeout: flow.DefaultWaitTimeout,
	}
}

func defaultConnect(ctx context.Context, conn *core.Connection) error {
	return conn.Connect(ctx)
}

func defaultListTools(ctx context.Context, conn *core.Connection) ([]*config.ToolMetadata, error) {
	return conn.FetchTools(ctx)
}

// CreateOptions control one Create or DiscoverTools call.
type CreateOptions struct {
	// UserID is the principal the connection belongs to; "" means the
	// shared app identity.
	UserID string

	// Config is the server to connect to. Never mutated; substitution
	// operates on a copy.
	Config *config.ServerConfig

	// ReturnOnOAuth makes Create return flow.ErrOAuthFlowInitiated right
	// after the authorization URL is issued instead of blocking until the
	// user completes the handshake.
	ReturnOnOAuth bool

	// OAuthStart delivers the authorization URL to whoever can act on it.
	// It runs after the flow state is persisted, so a failure here leaves
	// the flow pending for out-of-band completion.
	OAuthStart func(ctx context.Context, authorizationURL string) error

	// OAuthEnd is invoked once the handshake resolves, success or not.
	OAuthEnd func(ctx context.Context) error
}

// Create produces a connected Connection for the given server and
// principal.
//
// The pipeline: pre-flight the stored token (an expired token forces a
// fresh handshake, never a refresh), substitute credential placeholders,
// validate the target against the domain guard, then dial with retry.
// Servers demanding authorization mid-handshake trigger the OAuth flow;
// with ReturnOnOAuth set the sentinel flow.ErrOAuthFlowInitiated is
// returned instead of waiting.
func (f *Factory) Create(ctx context.Context, opts CreateOptions) (*core.Connection, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("server config is required")
	}

	accessToken, err := f.preflightToken(ctx, opts)
	if err != nil {
		return nil, err
	}

	resolved, err := f.resolveConfig(ctx, cfg, accessToken)
	if err != nil {
		return nil, err
	}

	if resolved.URL != "" && f.guard != nil {
		if err := f.guard.Validate(resolved.URL); err != nil {
			return nil, err
		}
	}

	conn := core.NewConnection(resolved, opts.UserID, f.global, f.logger)
	if accessToken != "" {
		conn.SetOAuthTokens(accessToken)
	}

	if err := f.connectWithRetry(ctx, conn, opts); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	return conn, nil
}

// NeedsUserAuth reports whether the server can only be used with per-user
// credentials. Such servers never share an app-level connection.
func NeedsUserAuth(cfg *config.ServerConfig) bool {
	return cfg.OAuth != nil ||
		cfg.RequiresOAuth ||
		cfg.GraphOBO != nil ||
		config.HasPlaceholder(cfg, config.TokenPlaceholder) ||
		config.HasPlaceholder(cfg, config.GraphTokenPlaceholder)
}

// preflightToken resolves the access token available before dialing, using
// a raw storage lookup with no refresh. A stored token that is already
// expired means the upstream session was likely revoked: stale flow state
// is dropped and a fresh handshake starts instead of a refresh that would
// fail anyway. Stdio servers with auth configured authorize proactively,
// since a spawned process has no mid-flight 401 to react to.
func (f *Factory) preflightToken(ctx context.Context, opts CreateOptions) (string, error) {
	cfg := opts.Config
	if !NeedsUserAuth(cfg) {
		return "", nil
	}

	record, err := f.tokens.RawTokens(opts.UserID, cfg)
	if err != nil {
		return "", err
	}

	if record != nil && record.AccessToken != "" && !record.IsExpired(0) {
		return record.AccessToken, nil
	}

	if record != nil {
		f.flows.DeleteFlow(flow.FlowID(opts.UserID, cfg.Name, oauthPurpose))
		f.logger.Info("Stored access token expired, forcing fresh authorization",
			zap.String("server", cfg.Name),
			zap.String("user", opts.UserID))
		return f.runOAuthFlow(ctx, opts, &oauth.RequiredError{
			ServerName: cfg.Name,
			ServerURL:  cfg.URL,
		})
	}

	// No stored grant. HTTP transports react to the server's 401; stdio
	// must hold tokens before spawn.
	if transport.DetermineTransportType(cfg) == transport.TransportStdio {
		return f.runOAuthFlow(ctx, opts, &oauth.RequiredError{
			ServerName: cfg.Name,
			ServerURL:  cfg.URL,
		})
	}
	return "", nil
}

// resolveConfig substitutes credential placeholders with live tokens,
// running the on-behalf-of exchange when the config asks for it.
func (f *Factory) resolveConfig(ctx context.Context, cfg *config.ServerConfig, accessToken string) (*config.ServerConfig, error) {
	subs := config.Substitutions{}
	if accessToken != "" {
		subs[config.TokenPlaceholder] = accessToken
	}

	if cfg.GraphOBO != nil && config.HasPlaceholder(cfg, config.GraphTokenPlaceholder) {
		if f.obo == nil {
			return nil, fmt.Errorf("server %s requires on-behalf-of exchange but none is configured", cfg.Name)
		}
		if accessToken == "" {
			return nil, fmt.Errorf("on-behalf-of exchange for %s requires a stored user token", cfg.Name)
		}
		oboToken, err := f.obo.Exchange(ctx, cfg.GraphOBO, accessToken)
		if err != nil {
			return nil, fmt.Errorf("on-behalf-of exchange failed for %s: %w", cfg.Name, err)
		}
		subs[config.GraphTokenPlaceholder] = oboToken
	}

	return config.Substitute(cfg, subs), nil
}

// connectWithRetry dials up to maxConnectAttempts times with linear
// backoff. Authorization demands run the OAuth flow and redial with fresh
// credentials; other auth-classified errors abort immediately.
func (f *Factory) connectWithRetry(ctx context.Context, conn *core.Connection, opts CreateOptions) error {
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		err := f.connect(ctx, conn)
		f.metrics.RecordConnectAttempt(conn.ServerName(), connectOutcome(err))
		if err == nil {
			return nil
		}
		lastErr = err

		var required *oauth.RequiredError
		if errors.As(err, &required) {
			token, oauthErr := f.runOAuthFlow(ctx, opts, required)
			if oauthErr != nil {
				return oauthErr
			}
			conn.SetOAuthTokens(token)
			continue
		}

		if oauth.IsAuthError(err) {
			return fmt.Errorf("connection to %s rejected with authorization error: %w", conn.ServerName(), err)
		}

		if attempt < maxConnectAttempts {
			backoff := time.Duration(attempt) * f.backoffStep
			f.logger.Warn("Connection attempt failed, retrying",
				zap.String("server", conn.ServerName()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("connection to %s failed after %d attempts: %w", conn.ServerName(), maxConnectAttempts, lastErr)
}

// connectOutcome labels a dial result for the attempt counter.
func connectOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, core.ErrConnectionTimeout):
		return "timeout"
	default:
		var required *oauth.RequiredError
		if errors.As(err, &required) {
			return "oauth_required"
		}
		if oauth.IsAuthError(err) {
			return "auth_rejected"
		}
		return "error"
	}
}
