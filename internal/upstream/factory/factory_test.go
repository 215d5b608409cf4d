package factory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcpbridge/internal/config"
	"mcpbridge/internal/flow"
	"mcpbridge/internal/hash"
	"mcpbridge/internal/netguard"
	"mcpbridge/internal/oauth"
	"mcpbridge/internal/storage"
	"mcpbridge/internal/upstream/core"
)

// memStore is an in-memory TokenStore with BoltStore semantics: FindToken
// returns (nil, nil) on miss, CreateToken fails on duplicates. Mutex-guarded
// because flow tests hit it from several goroutines.
type memStore struct {
	mu      sync.Mutex
	records map[string]*storage.TokenRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*storage.TokenRecord)}
}

func (s *memStore) storeKey(userID, serverKey string) string {
	if userID == "" {
		userID = storage.AppUserID
	}
	return userID + "|" + serverKey
}

func (s *memStore) FindToken(userID, serverKey string) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[s.storeKey(userID, serverKey)]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *memStore) CreateToken(record *storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.storeKey(record.UserID, record.ServerKey)
	if _, ok := s.records[k]; ok {
		return errors.New("token already exists")
	}
	clone := *record
	s.records[k] = &clone
	return nil
}

func (s *memStore) UpdateToken(record *storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[s.storeKey(record.UserID, record.ServerKey)] = &clone
	return nil
}

func (s *memStore) DeleteToken(userID, serverKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, s.storeKey(userID, serverKey))
	return nil
}

type harness struct {
	factory      *Factory
	store        *memStore
	flows        *flow.Manager
	refreshCalls atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newMemStore()}
	logger := zap.NewNop()
	h.flows = flow.NewManager(logger)

	refresh := func(context.Context, *config.ServerConfig, *storage.TokenRecord) (*oauth2.Token, error) {
		h.refreshCalls.Add(1)
		return nil, errors.New("refresh endpoint unavailable")
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	h.factory = New(Deps{
		Tokens:      oauth.NewTokenManager(h.store, refresh, logger),
		Flows:       h.flows,
		Discoverer:  oauth.NewDiscoverer(httpClient, logger),
		Exchanger:   oauth.NewExchanger(httpClient, logger),
		OBO:         oauth.NewOBOExchanger(httpClient, logger),
		RedirectURI: func() string { return "http://127.0.0.1:8765/oauth/callback" },
		Logger:      logger,
	})
	h.factory.backoffStep = time.Millisecond
	h.factory.oauthWaitTimeout = 5 * time.Second
	return h
}

func httpServerConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Name:     "github",
		URL:      "https://api.example.com/mcp",
		Protocol: config.ProtocolStreamableHTTP,
	}
}

func oauthServerConfig(tokenURL string) *config.ServerConfig {
	cfg := httpServerConfig()
	cfg.OAuth = &config.OAuthConfig{
		AuthorizationURL: "https://auth.example.com/authorize",
		TokenURL:         tokenURL,
		ClientID:         "client-abc",
		Scopes:           []string{"mcp.read"},
	}
	return cfg
}

func seedToken(t *testing.T, store *memStore, cfg *config.ServerConfig, userID string, expiresAt time.Time, refreshToken string) {
	t.Helper()
	require.NoError(t, store.CreateToken(&storage.TokenRecord{
		UserID:       userID,
		ServerKey:    hash.ServerKey(cfg.Name, cfg.URL),
		ServerName:   cfg.Name,
		ServerURL:    cfg.URL,
		AccessToken:  "at-stored",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
	}))
}

// stubTokenEndpoint answers authorization-code exchanges and verifies the
// PKCE verifier travels with them.
func stubTokenEndpoint(t *testing.T, exchanges *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token request form: %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q, want authorization_code", got)
		}
		if r.PostFormValue("code_verifier") == "" {
			t.Error("code exchange missing PKCE verifier")
		}
		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-fresh","token_type":"Bearer","refresh_token":"rt-fresh","expires_in":3600}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func stateFromAuthURL(t *testing.T, authURL string) string {
	t.Helper()
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state, "authorization URL missing state parameter")
	return state
}

func TestCreateNilConfig(t *testing.T) {
	h := newHarness(t)
	_, err := h.factory.Create(context.Background(), CreateOptions{})
	require.ErrorContains(t, err, "server config is required")
}

func TestCreateRetriesTransportFailures(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	h.factory.connect = func(context.Context, *core.Connection) error {
		if attempts.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	conn, err := h.factory.Create(context.Background(), CreateOptions{Config: httpServerConfig()})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestCreateExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	h.factory.connect = func(context.Context, *core.Connection) error {
		attempts.Add(1)
		return errors.New("connection refused")
	}

	_, err := h.factory.Create(context.Background(), CreateOptions{Config: httpServerConfig()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestCreateAuthErrorNeverRetries(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	h.factory.connect = func(context.Context, *core.Connection) error {
		attempts.Add(1)
		return errors.New("server returned HTTP 401 Unauthorized")
	}

	_, err := h.factory.Create(context.Background(), CreateOptions{Config: httpServerConfig()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authorization error")
	assert.Equal(t, int32(1), attempts.Load(), "auth rejections must not be retried blindly")
}

func TestCreateContextCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.factory.backoffStep = time.Hour
	h.factory.connect = func(context.Context, *core.Connection) error {
		return errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.factory.Create(ctx, CreateOptions{Config: httpServerConfig()})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Create did not observe context cancellation during backoff")
	}
}

func TestCreateRejectsDisallowedDomain(t *testing.T) {
	h := newHarness(t)
	h.factory.guard = netguard.New([]string{"*.example.com"}, false)
	var attempts atomic.Int32
	h.factory.connect = func(context.Context, *core.Connection) error {
		attempts.Add(1)
		return nil
	}

	cfg := httpServerConfig()
	cfg.URL = "https://evil.test/mcp"
	_, err := h.factory.Create(context.Background(), CreateOptions{Config: cfg})

	var guardErr *netguard.DomainNotAllowedError
	require.ErrorAs(t, err, &guardErr)
	assert.Zero(t, attempts.Load(), "rejected targets must never be dialed")
}

func TestValidTokenSubstitutedWithoutFlow(t *testing.T) {
	h := newHarness(t)
	cfg := httpServerConfig()
	cfg.RequiresOAuth = true
	cfg.Headers = map[string]string{"X-Upstream-Auth": "Bearer " + config.TokenPlaceholder}
	seedToken(t, h.store, cfg, "u1", time.Now().Add(time.Hour), "")

	var dialed *core.Connection
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		dialed = conn
		return nil
	}

	conn, err := h.factory.Create(context.Background(), CreateOptions{UserID: "u1", Config: cfg})
	require.NoError(t, err)
	require.Same(t, dialed, conn)
	assert.Equal(t, "Bearer at-stored", conn.Config().Headers["X-Upstream-Auth"])
	assert.Empty(t, h.flows.States(), "a valid stored token needs no authorization flow")
	assert.Equal(t, "Bearer "+config.TokenPlaceholder, cfg.Headers["X-Upstream-Auth"],
		"caller's config must not be mutated")
}

func TestExpiredTokenForcesFreshHandshake(t *testing.T) {
	h := newHarness(t)
	cfg := oauthServerConfig("https://auth.example.com/token")
	seedToken(t, h.store, cfg, "u1", time.Now().Add(-time.Hour), "rt-stale")

	var attempts atomic.Int32
	h.factory.connect = func(context.Context, *core.Connection) error {
		attempts.Add(1)
		return nil
	}

	var captured string
	_, err := h.factory.Create(context.Background(), CreateOptions{
		UserID:        "u1",
		Config:        cfg,
		ReturnOnOAuth: true,
		OAuthStart: func(_ context.Context, authURL string) error {
			captured = authURL
			return nil
		},
	})

	require.ErrorIs(t, err, flow.ErrOAuthFlowInitiated)
	assert.Zero(t, attempts.Load(), "no dial while authorization is pending")
	assert.Zero(t, h.refreshCalls.Load(), "an expired token means a revoked session, never a refresh")
	assert.NotEmpty(t, captured)
}

func TestStdioProactiveAuthorization(t *testing.T) {
	h := newHarness(t)
	cfg := &config.ServerConfig{
		Name:     "local-tool",
		Protocol: config.ProtocolStdio,
		Command:  "uvx",
		Args:     []string{"some-mcp-server"},
		Env:      map[string]string{"API_TOKEN": config.TokenPlaceholder},
		OAuth: &config.OAuthConfig{
			AuthorizationURL: "https://auth.example.com/authorize",
			TokenURL:         "https://auth.example.com/token",
			ClientID:         "client-abc",
		},
	}

	var attempts atomic.Int32
	h.factory.connect = func(context.Context, *core.Connection) error {
		attempts.Add(1)
		return nil
	}

	var captured string
	_, err := h.factory.Create(context.Background(), CreateOptions{
		UserID:        "u1",
		Config:        cfg,
		ReturnOnOAuth: true,
		OAuthStart: func(_ context.Context, authURL string) error {
			captured = authURL
			return nil
		},
	})

	require.ErrorIs(t, err, flow.ErrOAuthFlowInitiated,
		"a process has no 401 to react to, tokens must exist before spawn")
	assert.Zero(t, attempts.Load())
	assert.NotEmpty(t, captured)
}

func TestOBOExchangeSubstitutesGraphToken(t *testing.T) {
	h := newHarness(t)
	oboSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing on-behalf-of form: %v", err)
		}
		if got := r.PostFormValue("assertion"); got != "at-stored" {
			t.Errorf("assertion = %q, want the stored user token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"obo-token","expires_in":3600}`))
	}))
	t.Cleanup(oboSrv.Close)

	cfg := httpServerConfig()
	cfg.RequiresOAuth = true
	cfg.Headers = map[string]string{"X-Graph-Token": config.GraphTokenPlaceholder}
	cfg.GraphOBO = &config.OBOConfig{
		TokenURL: oboSrv.URL,
		ClientID: "graph-client",
		Scope:    "https://graph.microsoft.com/.default",
	}
	seedToken(t, h.store, cfg, "u1", time.Now().Add(time.Hour), "")

	h.factory.connect = func(context.Context, *core.Connection) error { return nil }

	conn, err := h.factory.Create(context.Background(), CreateOptions{UserID: "u1", Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, "obo-token", conn.Config().Headers["X-Graph-Token"])
}

func TestOBOExchangeRequiresStoredToken(t *testing.T) {
	h := newHarness(t)
	cfg := httpServerConfig()
	cfg.Headers = map[string]string{"X-Graph-Token": config.GraphTokenPlaceholder}
	cfg.GraphOBO = &config.OBOConfig{TokenURL: "https://login.example.com/token"}

	// needsUserAuth holds, but nothing is stored and the transport is HTTP,
	// so preflight yields no token and the exchange cannot run.
	_, err := h.factory.Create(context.Background(), CreateOptions{UserID: "u1", Config: cfg})
	require.ErrorContains(t, err, "requires a stored user token")
}
