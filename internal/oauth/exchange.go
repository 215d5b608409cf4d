package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// exchangeTimeout bounds each token endpoint request.
const exchangeTimeout = 30 * time.Second

// Exchanger talks to token endpoints: authorization-code exchange and
// refresh-token grants.
type Exchanger struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewExchanger creates an Exchanger. A nil client uses a default with the
// exchange timeout.
func NewExchanger(httpClient *http.Client, logger *zap.Logger) *Exchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: exchangeTimeout}
	}
	return &Exchanger{httpClient: httpClient, logger: logger.Named("oauth.exchange")}
}

// CodeExchange holds the parameters of an authorization-code exchange.
type CodeExchange struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	Resource     string
	Headers      map[string]string
}

// ExchangeCode trades an authorization code for tokens.
func (e *Exchanger) ExchangeCode(ctx context.Context, tokenEndpoint string, p CodeExchange) (*oauth2.Token, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {p.Code},
		"redirect_uri": {p.RedirectURI},
		"client_id":    {p.ClientID},
	}
	if p.CodeVerifier != "" {
		data.Set("code_verifier", p.CodeVerifier)
	}
	if p.Resource != "" {
		data.Set("resource", p.Resource)
	}

	token, err := e.post(ctx, tokenEndpoint, data, p.ClientID, p.ClientSecret, p.Headers)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	e.logger.Info("Exchanged authorization code for tokens",
		zap.String("token_endpoint", tokenEndpoint),
		zap.Bool("has_refresh_token", token.RefreshToken != ""),
		zap.Time("expires_at", token.Expiry))
	return token, nil
}

// RefreshGrant holds the parameters of a refresh-token grant.
type RefreshGrant struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Resource     string
	Headers      map[string]string
}

// Refresh trades a refresh token for a fresh access token. When the server
// does not reissue a refresh token, the old one is carried forward.
func (e *Exchanger) Refresh(ctx context.Context, tokenEndpoint string, p RefreshGrant) (*oauth2.Token, error) {
	if p.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.RefreshToken},
		"client_id":     {p.ClientID},
	}
	if p.Resource != "" {
		data.Set("resource", p.Resource)
	}

	token, err := e.post(ctx, tokenEndpoint, data, p.ClientID, p.ClientSecret, p.Headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = p.RefreshToken
	}
	e.logger.Debug("Refreshed access token",
		zap.String("token_endpoint", tokenEndpoint),
		zap.Time("expires_at", token.Expiry))
	return token, nil
}

func (e *Exchanger) post(ctx context.Context, tokenEndpoint string, data url.Values, clientID, clientSecret string, headers map[string]string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if clientSecret != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	if tokenResp.Scope != "" {
		token = token.WithExtra(map[string]any{"scope": tokenResp.Scope})
	}
	return token, nil
}
