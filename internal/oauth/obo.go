package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/hash"
)

// oboSafetyMargin is subtracted from a cached OBO token's lifetime so a
// token handed to a spawned process never expires mid-call.
const oboSafetyMargin = time.Minute

// OBOExchanger performs on-behalf-of token exchanges: the user's stored
// assertion is traded for an access token scoped to a downstream audience
// (Microsoft Graph). Results are cached until shortly before expiry.
type OBOExchanger struct {
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]oboEntry
}

type oboEntry struct {
	token     string
	expiresAt time.Time
}

// NewOBOExchanger creates an OBOExchanger. A nil client uses a default with
// the exchange timeout.
func NewOBOExchanger(httpClient *http.Client, logger *zap.Logger) *OBOExchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: exchangeTimeout}
	}
	return &OBOExchanger{
		httpClient: httpClient,
		logger:     logger.Named("oauth.obo"),
		cache:      make(map[string]oboEntry),
	}
}

// Exchange trades userAssertion for a downstream access token per cfg.
func (x *OBOExchanger) Exchange(ctx context.Context, cfg *config.OBOConfig, userAssertion string) (string, error) {
	if cfg == nil || cfg.TokenURL == "" {
		return "", fmt.Errorf("on-behalf-of exchange not configured")
	}
	if userAssertion == "" {
		return "", fmt.Errorf("no user assertion available for on-behalf-of exchange")
	}

	cacheKey := hash.StringHash(userAssertion) + "|" + cfg.ClientID + "|" + cfg.Scope

	x.mu.Lock()
	if entry, ok := x.cache[cacheKey]; ok && time.Now().Before(entry.expiresAt) {
		x.mu.Unlock()
		return entry.token, nil
	}
	x.mu.Unlock()

	token, expiresAt, err := x.exchange(ctx, cfg, userAssertion)
	if err != nil {
		return "", err
	}

	x.mu.Lock()
	x.cache[cacheKey] = oboEntry{token: token, expiresAt: expiresAt}
	x.mu.Unlock()

	x.logger.Debug("Exchanged user assertion on-behalf-of",
		zap.String("scope", cfg.Scope),
		zap.Time("expires_at", expiresAt))
	return token, nil
}

func (x *OBOExchanger) exchange(ctx context.Context, cfg *config.OBOConfig, userAssertion string) (string, time.Time, error) {
	data := url.Values{
		"grant_type":          {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"client_id":           {cfg.ClientID},
		"client_secret":       {cfg.ClientSecret},
		"assertion":           {userAssertion},
		"scope":               {cfg.Scope},
		"requested_token_use": {"on_behalf_of"},
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create on-behalf-of request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("on-behalf-of request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", time.Time{}, fmt.Errorf("on-behalf-of exchange returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode on-behalf-of response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("on-behalf-of response missing access_token")
	}

	expiresAt := oboExpiry(tokenResp.AccessToken, tokenResp.ExpiresIn)
	return tokenResp.AccessToken, expiresAt, nil
}

// oboExpiry picks the earlier of expires_in and the token's own exp claim,
// minus the safety margin. The exp claim is read without verification; the
// issuer's signature is Microsoft's concern, the horizon is ours.
func oboExpiry(accessToken string, expiresIn int) time.Time {
	expiresAt := time.Now().Add(time.Hour)
	if expiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(expiresAt) {
			expiresAt = exp.Time
		}
	}
	return expiresAt.Add(-oboSafetyMargin)
}
