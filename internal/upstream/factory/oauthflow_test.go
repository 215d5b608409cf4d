package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/config"
	"mcpbridge/internal/flow"
	"mcpbridge/internal/hash"
	"mcpbridge/internal/oauth"
	"mcpbridge/internal/upstream/core"
)

func TestReturnOnOAuthPersistsFlowBeforeNotify(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		attempts.Add(1)
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
	}

	cfg := oauthServerConfig("https://auth.example.com/token")
	var captured string
	var metadataAtNotify map[string]string
	_, err := h.factory.Create(context.Background(), CreateOptions{
		UserID:        "u1",
		Config:        cfg,
		ReturnOnOAuth: true,
		OAuthStart: func(_ context.Context, authURL string) error {
			captured = authURL
			if fs := h.flows.GetFlowState(flow.FlowID("u1", cfg.Name, oauthPurpose)); fs != nil {
				metadataAtNotify = fs.Metadata
			}
			return nil
		},
	})

	require.ErrorIs(t, err, flow.ErrOAuthFlowInitiated)
	assert.Equal(t, int32(1), attempts.Load())

	require.NotEmpty(t, captured)
	assert.Contains(t, captured, "code_challenge=")
	assert.Contains(t, captured, "client_id=client-abc")
	state := stateFromAuthURL(t, captured)

	// Everything the callback needs was on record before the notification
	// fired, so a crashed notifier cannot orphan the handshake.
	require.NotNil(t, metadataAtNotify)
	assert.Equal(t, state, metadataAtNotify[metaState])
	assert.Equal(t, captured, metadataAtNotify[metaAuthURL])
	assert.NotEmpty(t, metadataAtNotify[metaVerifier])
	assert.Equal(t, "https://auth.example.com/token", metadataAtNotify[metaTokenEndpoint])
	assert.Equal(t, "http://127.0.0.1:8765/oauth/callback", metadataAtNotify[metaRedirectURI])
}

func TestOAuthStartFailureLeavesFlowPending(t *testing.T) {
	h := newHarness(t)
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
	}

	cfg := oauthServerConfig("https://auth.example.com/token")
	_, err := h.factory.Create(context.Background(), CreateOptions{
		UserID:        "u1",
		Config:        cfg,
		ReturnOnOAuth: true,
		OAuthStart: func(context.Context, string) error {
			return assert.AnError
		},
	})
	require.ErrorIs(t, err, flow.ErrOAuthFlowInitiated)

	fs := h.flows.GetFlowState(flow.FlowID("u1", cfg.Name, oauthPurpose))
	require.NotNil(t, fs)
	assert.Equal(t, flow.StatusPending, fs.Status,
		"the flow survives a failed notification for out-of-band completion")
	assert.NotEmpty(t, fs.Metadata[metaAuthURL])
}

func TestOAuthFlowRoundTrip(t *testing.T) {
	h := newHarness(t)
	var exchanges atomic.Int32
	tokenSrv := stubTokenEndpoint(t, &exchanges)
	cfg := oauthServerConfig(tokenSrv.URL)

	var authorized atomic.Bool
	var attempts atomic.Int32
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		attempts.Add(1)
		if authorized.Load() {
			return nil
		}
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
	}

	conn, err := h.factory.Create(context.Background(), CreateOptions{
		UserID: "u1",
		Config: cfg,
		OAuthStart: func(_ context.Context, authURL string) error {
			state := stateFromAuthURL(t, authURL)
			go func() {
				authorized.Store(true)
				if cerr := h.factory.CompleteAuthorization(context.Background(), state, "code-xyz"); cerr != nil {
					t.Errorf("CompleteAuthorization: %v", cerr)
				}
			}()
			return nil
		},
	})

	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, int32(1), exchanges.Load())
	assert.GreaterOrEqual(t, attempts.Load(), int32(2), "redial after authorization")

	record, err := h.store.FindToken("u1", hash.ServerKey(cfg.Name, cfg.URL))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "at-fresh", record.AccessToken)
	assert.Equal(t, "rt-fresh", record.RefreshToken)
	assert.Equal(t, []string{"mcp.read"}, record.Scopes)

	fs := h.flows.GetFlowState(flow.FlowID("u1", cfg.Name, oauthPurpose))
	require.NotNil(t, fs)
	assert.Equal(t, flow.StatusCompleted, fs.Status)
	assert.NotContains(t, fs.Result, "at-fresh", "flow results must never carry tokens")
}

func TestConcurrentCreatesShareOneFlow(t *testing.T) {
	h := newHarness(t)
	var exchanges atomic.Int32
	tokenSrv := stubTokenEndpoint(t, &exchanges)
	cfg := oauthServerConfig(tokenSrv.URL)

	var authorized atomic.Bool
	var challenged atomic.Int32
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		if authorized.Load() {
			return nil
		}
		challenged.Add(1)
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
	}

	var starts atomic.Int32
	var authURL atomic.Value
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.factory.Create(context.Background(), CreateOptions{
				UserID: "u1",
				Config: cfg,
				OAuthStart: func(_ context.Context, u string) error {
					starts.Add(1)
					authURL.Store(u)
					return nil
				},
			})
			results <- err
		}()
	}

	// Both callers must be challenged and inside the shared flow before it
	// resolves.
	require.Eventually(t, func() bool { return challenged.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return authURL.Load() != nil }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	authorized.Store(true)
	state := stateFromAuthURL(t, authURL.Load().(string))
	require.NoError(t, h.factory.CompleteAuthorization(context.Background(), state, "code-xyz"))

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Create did not return after the shared flow resolved")
		}
	}
	assert.Equal(t, int32(1), starts.Load(), "concurrent callers share one authorization URL")
	assert.Equal(t, int32(1), exchanges.Load(), "one code exchange per shared flow")
}

func TestOAuthWaitTimeout(t *testing.T) {
	h := newHarness(t)
	h.factory.oauthWaitTimeout = 50 * time.Millisecond
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
	}

	var ended atomic.Bool
	cfg := oauthServerConfig("https://auth.example.com/token")
	_, err := h.factory.Create(context.Background(), CreateOptions{
		UserID:   "u1",
		Config:   cfg,
		OAuthEnd: func(context.Context) error { ended.Store(true); return nil },
	})

	var flowErr *oauth.FlowFailedError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "wait", flowErr.Stage)
	assert.ErrorIs(t, err, flow.ErrFlowTimeout)
	assert.True(t, ended.Load(), "OAuthEnd runs even when the wait times out")
}

func TestDynamicClientRegistration(t *testing.T) {
	h := newHarness(t)
	var registrations atomic.Int32
	regSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registrations.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"client_id":"dcr-client-1","client_secret":"dcr-secret"}`))
	}))
	t.Cleanup(regSrv.Close)

	cfg := httpServerConfig()
	cfg.OAuth = &config.OAuthConfig{
		AuthorizationURL: "https://auth.example.com/authorize",
		TokenURL:         "https://auth.example.com/token",
		RegistrationURL:  regSrv.URL,
		Scopes:           []string{"mcp.read"},
	}

	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
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
	assert.Equal(t, int32(1), registrations.Load())
	assert.Contains(t, captured, "client_id=dcr-client-1")

	fs := h.flows.GetFlowState(flow.FlowID("u1", cfg.Name, oauthPurpose))
	require.NotNil(t, fs)
	assert.Equal(t, "true", fs.Metadata[metaRegistered])
	assert.Equal(t, "dcr-client-1", fs.Metadata[metaClientID])
}

func TestFailAuthorizationResolvesFlow(t *testing.T) {
	h := newHarness(t)
	cfg := oauthServerConfig("https://auth.example.com/token")
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
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

	state := stateFromAuthURL(t, captured)
	require.NoError(t, h.factory.FailAuthorization(context.Background(), state, "access_denied", "user declined"))

	fs := h.flows.GetFlowState(flow.FlowID("u1", cfg.Name, oauthPurpose))
	require.NotNil(t, fs)
	assert.Equal(t, flow.StatusFailed, fs.Status)
	assert.ErrorContains(t, fs.Err, "access_denied")
}

func TestCompleteAuthorizationUnknownState(t *testing.T) {
	h := newHarness(t)
	err := h.factory.CompleteAuthorization(context.Background(), "no-such-state", "code")
	require.ErrorContains(t, err, "no pending authorization flow")

	err = h.factory.FailAuthorization(context.Background(), "no-such-state", "access_denied", "")
	require.ErrorContains(t, err, "no pending authorization flow")
}

func TestCompleteAuthorizationExchangeFailure(t *testing.T) {
	h := newHarness(t)
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(tokenSrv.Close)

	cfg := oauthServerConfig(tokenSrv.URL)
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
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

	state := stateFromAuthURL(t, captured)
	err = h.factory.CompleteAuthorization(context.Background(), state, "bad-code")
	require.ErrorContains(t, err, "code exchange failed")

	fs := h.flows.GetFlowState(flow.FlowID("u1", cfg.Name, oauthPurpose))
	require.NotNil(t, fs)
	assert.Equal(t, flow.StatusFailed, fs.Status)

	record, ferr := h.store.FindToken("u1", hash.ServerKey(cfg.Name, cfg.URL))
	require.NoError(t, ferr)
	assert.Nil(t, record, "no tokens persisted on a failed exchange")
}

func TestAuthorizationURLCarriesResource(t *testing.T) {
	h := newHarness(t)
	cfg := oauthServerConfig("https://auth.example.com/token")
	h.factory.connect = func(_ context.Context, conn *core.Connection) error {
		return &oauth.RequiredError{ServerName: conn.ServerName(), ServerURL: conn.Config().URL}
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

	parsed, perr := url.Parse(captured)
	require.NoError(t, perr)
	assert.Equal(t, cfg.URL, parsed.Query().Get("resource"),
		"token audience binding per RFC 8707")
	assert.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
}
