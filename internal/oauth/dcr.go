package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// clientName identifies mcpbridge in dynamic registration requests.
const clientName = "mcpbridge"

// ClientRegistrationRequest is an RFC 7591 registration request.
type ClientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scope                   string   `json:"scope,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// ClientRegistrationResponse is an RFC 7591 registration response.
type ClientRegistrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`
}

// RegisterClient performs dynamic client registration at the given endpoint.
// PKCE public clients register with token_endpoint_auth_method "none".
func (d *Discoverer) RegisterClient(ctx context.Context, registrationEndpoint, redirectURI string, scopes []string) (*ClientRegistrationResponse, error) {
	if registrationEndpoint == "" {
		return nil, fmt.Errorf("no registration endpoint available")
	}

	request := ClientRegistrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{redirectURI},
		Scope:                   strings.Join(scopes, " "),
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var registration ClientRegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&registration); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	if registration.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	d.logger.Info("Registered OAuth client dynamically",
		zap.String("registration_endpoint", registrationEndpoint),
		zap.String("client_id", registration.ClientID))
	return &registration, nil
}
