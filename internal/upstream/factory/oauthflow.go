package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/flow"
	"mcpbridge/internal/oauth"
)

// oauthPurpose names the authorization flow in flow IDs.
const oauthPurpose = "oauth"

// Flow metadata keys. The callback path reconstructs the code exchange
// entirely from these, so a flow survives the process that initiated it
// losing interest (ReturnOnOAuth) or its OAuthStart callback failing.
const (
	metaUserID        = "user_id"
	metaServer        = "server"
	metaServerURL     = "server_url"
	metaState         = "state"
	metaVerifier      = "code_verifier"
	metaTokenEndpoint = "token_endpoint"
	metaClientID      = "client_id"
	metaClientSecret  = "client_secret"
	metaRedirectURI   = "redirect_uri"
	metaScopes        = "scopes"
	metaRegistered    = "registered"
	metaAuthURL       = "authorization_url"
)

// runOAuthFlow executes the authorization handshake for (user, server),
// deduplicated through the flow manager: concurrent callers for the same
// principal and server share one flow and one authorization URL. Returns
// the fresh access token, or flow.ErrOAuthFlowInitiated when the caller
// asked not to wait.
func (f *Factory) runOAuthFlow(ctx context.Context, opts CreateOptions, required *oauth.RequiredError) (string, error) {
	cfg := opts.Config
	flowID := flow.FlowID(opts.UserID, cfg.Name, oauthPurpose)

	_, created := f.flows.CreateFlow(flowID, oauthPurpose, map[string]string{
		metaUserID:    opts.UserID,
		metaServer:    cfg.Name,
		metaServerURL: cfg.URL,
	})
	if !created {
		f.logger.Debug("Joining in-flight authorization flow",
			zap.String("server", cfg.Name),
			zap.String("flow_id", flowID))
		if opts.ReturnOnOAuth {
			return "", fmt.Errorf("authorization pending for %s: %w", cfg.Name, flow.ErrOAuthFlowInitiated)
		}
		return f.awaitFlow(ctx, opts, flowID)
	}

	authURL, err := f.prepareAuthorization(ctx, opts, required, flowID)
	if err != nil {
		_ = f.flows.Fail(flowID, err)
		f.metrics.RecordOAuthFlow(cfg.Name, "failed")
		return "", &oauth.FlowFailedError{ServerName: cfg.Name, Stage: "authorize", Err: err}
	}

	f.logger.Info("Authorization required",
		zap.String("server", cfg.Name),
		zap.String("user", opts.UserID),
		zap.String("flow_id", flowID))

	// The flow state is persisted before the callback runs: OAuthStart may
	// fail after already notifying an out-of-band actor, and that actor
	// must still be able to complete the flow through the callback server.
	if opts.OAuthStart != nil {
		if err := opts.OAuthStart(ctx, authURL); err != nil {
			f.logger.Warn("OAuth start callback failed, flow stays pending for out-of-band completion",
				zap.String("server", cfg.Name),
				zap.Error(err))
		}
	}

	if opts.ReturnOnOAuth {
		return "", fmt.Errorf("authorization required for %s: %w", cfg.Name, flow.ErrOAuthFlowInitiated)
	}

	return f.awaitFlow(ctx, opts, flowID)
}

// prepareAuthorization assembles everything the handshake needs: endpoints
// (configured or discovered), a client (configured, remembered, or
// dynamically registered), and PKCE material. It persists all of it as flow
// metadata and returns the authorization URL.
func (f *Factory) prepareAuthorization(ctx context.Context, opts CreateOptions, required *oauth.RequiredError, flowID string) (string, error) {
	cfg := opts.Config
	oauthCfg := cfg.OAuth

	redirectURI := ""
	if oauthCfg != nil {
		redirectURI = oauthCfg.RedirectURI
	}
	if redirectURI == "" && f.redirectURI != nil {
		redirectURI = f.redirectURI()
	}
	if redirectURI == "" {
		return "", errors.New("no redirect URI available: callback server not running")
	}

	var (
		authzEndpoint, tokenEndpoint, registrationEndpoint string
		scopes                                             []string
	)
	if oauthCfg != nil {
		authzEndpoint = oauthCfg.AuthorizationURL
		tokenEndpoint = oauthCfg.TokenURL
		registrationEndpoint = oauthCfg.RegistrationURL
		scopes = oauthCfg.Scopes
	}
	if authzEndpoint == "" || tokenEndpoint == "" {
		metadata, discoveredScopes, err := f.discoverer.DiscoverEndpoints(ctx, cfg.URL, required.MetadataURL)
		if err != nil {
			return "", fmt.Errorf("endpoint discovery failed: %w", err)
		}
		if authzEndpoint == "" {
			authzEndpoint = metadata.AuthorizationEndpoint
		}
		if tokenEndpoint == "" {
			tokenEndpoint = metadata.TokenEndpoint
		}
		if registrationEndpoint == "" {
			registrationEndpoint = metadata.RegistrationEndpoint
		}
		if len(scopes) == 0 {
			scopes = discoveredScopes
		}
	}
	if authzEndpoint == "" || tokenEndpoint == "" {
		return "", fmt.Errorf("authorization endpoints unavailable for %s", cfg.Name)
	}

	clientID, clientSecret := "", ""
	if oauthCfg != nil {
		clientID, clientSecret = oauthCfg.ClientID, oauthCfg.ClientSecret
	}
	if clientID == "" {
		// A previous dynamic registration may be on record.
		if record, err := f.tokens.RawTokens(opts.UserID, cfg); err == nil && record != nil && record.ClientID != "" {
			clientID, clientSecret = record.ClientID, record.ClientSecret
		}
	}
	registered := false
	if clientID == "" {
		registration, err := f.discoverer.RegisterClient(ctx, registrationEndpoint, redirectURI, scopes)
		if err != nil {
			return "", fmt.Errorf("dynamic client registration failed: %w", err)
		}
		clientID, clientSecret = registration.ClientID, registration.ClientSecret
		registered = true
	}

	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		return "", err
	}
	stateParam, err := oauth.GenerateState()
	if err != nil {
		return "", err
	}

	authReq := oauth.AuthorizationRequest{
		Endpoint:      authzEndpoint,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Scopes:        scopes,
		State:         stateParam,
		CodeChallenge: oauth.CodeChallenge(verifier),
	}
	if cfg.URL != "" {
		authReq.Extra = map[string]string{"resource": cfg.URL}
	}
	authURL, err := oauth.BuildAuthorizationURL(authReq)
	if err != nil {
		return "", err
	}

	meta := map[string]string{
		metaUserID:        opts.UserID,
		metaServer:        cfg.Name,
		metaServerURL:     cfg.URL,
		metaState:         stateParam,
		metaVerifier:      verifier,
		metaTokenEndpoint: tokenEndpoint,
		metaClientID:      clientID,
		metaClientSecret:  clientSecret,
		metaRedirectURI:   redirectURI,
		metaScopes:        strings.Join(scopes, " "),
		metaAuthURL:       authURL,
	}
	if registered {
		meta[metaRegistered] = "true"
	}
	if err := f.flows.UpdateMetadata(flowID, meta); err != nil {
		return "", err
	}

	return authURL, nil
}

// awaitFlow blocks until the flow resolves, then loads the stored tokens.
func (f *Factory) awaitFlow(ctx context.Context, opts CreateOptions, flowID string) (string, error) {
	state, err := f.flows.Wait(ctx, flowID, f.oauthWaitTimeout)

	if opts.OAuthEnd != nil {
		if endErr := opts.OAuthEnd(ctx); endErr != nil {
			f.logger.Warn("OAuth end callback failed",
				zap.String("server", opts.Config.Name),
				zap.Error(endErr))
		}
	}

	if err != nil {
		return "", &oauth.FlowFailedError{ServerName: opts.Config.Name, Stage: "wait", Err: err}
	}
	if state.Status != flow.StatusCompleted {
		return "", &oauth.FlowFailedError{ServerName: opts.Config.Name, Stage: "wait", Err: state.Err}
	}

	record, err := f.tokens.RawTokens(opts.UserID, opts.Config)
	if err != nil {
		return "", err
	}
	if record == nil || record.AccessToken == "" {
		return "", &oauth.FlowFailedError{
			ServerName: opts.Config.Name,
			Stage:      "wait",
			Err:        errors.New("flow completed but no tokens on record"),
		}
	}

	f.logger.Info("Authorization flow completed",
		zap.String("server", opts.Config.Name),
		zap.String("user", opts.UserID))
	return record.AccessToken, nil
}

// CompleteAuthorization exchanges the authorization code delivered to the
// callback server, persists the tokens, and resolves the matching flow.
// The state parameter correlates the callback with its flow.
func (f *Factory) CompleteAuthorization(ctx context.Context, stateParam, code string) error {
	fs := f.findFlowByState(stateParam)
	if fs == nil {
		return fmt.Errorf("no pending authorization flow for callback state")
	}
	meta := fs.Metadata

	token, err := f.exchanger.ExchangeCode(ctx, meta[metaTokenEndpoint], oauth.CodeExchange{
		ClientID:     meta[metaClientID],
		ClientSecret: meta[metaClientSecret],
		Code:         code,
		RedirectURI:  meta[metaRedirectURI],
		CodeVerifier: meta[metaVerifier],
		Resource:     meta[metaServerURL],
	})
	if err != nil {
		_ = f.flows.Fail(fs.ID, err)
		f.metrics.RecordOAuthFlow(meta[metaServer], "failed")
		return fmt.Errorf("authorization code exchange failed: %w", err)
	}

	var registration *oauth.ClientRegistrationResponse
	if meta[metaRegistered] == "true" {
		registration = &oauth.ClientRegistrationResponse{
			ClientID:     meta[metaClientID],
			ClientSecret: meta[metaClientSecret],
		}
	}

	cfg := f.serverConfigFor(meta[metaServer], meta[metaServerURL])
	scopes := strings.Fields(meta[metaScopes])
	if err := f.tokens.StoreTokens(meta[metaUserID], cfg, token, registration, scopes); err != nil {
		_ = f.flows.Fail(fs.ID, err)
		f.metrics.RecordOAuthFlow(meta[metaServer], "failed")
		return fmt.Errorf("failed to persist tokens: %w", err)
	}

	f.logger.Info("Authorization code exchanged",
		zap.String("server", meta[metaServer]),
		zap.String("user", meta[metaUserID]))
	f.metrics.RecordOAuthFlow(meta[metaServer], "completed")
	return f.flows.Complete(fs.ID, "authorized")
}

// FailAuthorization resolves the matching flow as failed after the
// authorization server reported an error to the callback.
func (f *Factory) FailAuthorization(_ context.Context, stateParam, errCode, errDescription string) error {
	fs := f.findFlowByState(stateParam)
	if fs == nil {
		return fmt.Errorf("no pending authorization flow for callback state")
	}
	f.metrics.RecordOAuthFlow(fs.Metadata[metaServer], "failed")
	return f.flows.Fail(fs.ID, fmt.Errorf("authorization failed: %s: %s", errCode, errDescription))
}

func (f *Factory) findFlowByState(stateParam string) *flow.State {
	if stateParam == "" {
		return nil
	}
	for _, fs := range f.flows.States() {
		if fs.Status == flow.StatusPending && fs.Metadata[metaState] == stateParam {
			return fs
		}
	}
	return nil
}

// serverConfigFor resolves the live config for token persistence. Flows
// whose server was removed from config mid-handshake still persist under
// the same storage key via the name+URL fallback.
func (f *Factory) serverConfigFor(name, url string) *config.ServerConfig {
	if f.global != nil {
		if cfg := f.global.FindServer(name); cfg != nil {
			return cfg
		}
	}
	return &config.ServerConfig{Name: name, URL: url}
}
