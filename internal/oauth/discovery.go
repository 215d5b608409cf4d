package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Well-known paths for authorization metadata.
const (
	wellKnownProtectedResource   = "/.well-known/oauth-protected-resource"
	wellKnownAuthorizationServer = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDConfiguration = "/.well-known/openid-configuration"
)

// discoveryTimeout bounds each metadata request.
const discoveryTimeout = 10 * time.Second

// ProtectedResourceMetadata is RFC 9728 protected-resource metadata.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// ServerMetadata is RFC 8414 authorization-server metadata (also satisfied
// by OpenID Connect discovery documents).
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ExtractResourceMetadataURL pulls the RFC 9728 resource_metadata URL out of
// a WWW-Authenticate challenge, or returns "".
func ExtractResourceMetadataURL(wwwAuthenticate string) string {
	if !strings.Contains(wwwAuthenticate, "resource_metadata") {
		return ""
	}
	parts := strings.Split(wwwAuthenticate, `resource_metadata="`)
	if len(parts) < 2 {
		return ""
	}
	end := strings.Index(parts[1], `"`)
	if end == -1 {
		return ""
	}
	return parts[1][:end]
}

// Discoverer resolves authorization endpoints for a server.
type Discoverer struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewDiscoverer creates a Discoverer. A nil client uses a default with the
// discovery timeout.
func NewDiscoverer(httpClient *http.Client, logger *zap.Logger) *Discoverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: discoveryTimeout}
	}
	return &Discoverer{
		httpClient: httpClient,
		logger:     logger.Named("oauth.discovery"),
	}
}

// ProtectedResource fetches RFC 9728 metadata. metadataURL may be the exact
// URL from a WWW-Authenticate challenge; when empty, the well-known path on
// the server's origin is probed.
func (d *Discoverer) ProtectedResource(ctx context.Context, serverURL, metadataURL string) (*ProtectedResourceMetadata, error) {
	if metadataURL == "" {
		origin, err := originOf(serverURL)
		if err != nil {
			return nil, err
		}
		metadataURL = origin + wellKnownProtectedResource
	}

	var metadata ProtectedResourceMetadata
	if err := d.getJSON(ctx, metadataURL, &metadata); err != nil {
		return nil, fmt.Errorf("protected resource metadata unavailable: %w", err)
	}
	d.logger.Debug("Discovered protected resource metadata",
		zap.String("url", metadataURL),
		zap.Strings("authorization_servers", metadata.AuthorizationServers),
		zap.Strings("scopes", metadata.ScopesSupported))
	return &metadata, nil
}

// AuthorizationServer fetches RFC 8414 metadata for an issuer, falling back
// to the OpenID Connect discovery document.
func (d *Discoverer) AuthorizationServer(ctx context.Context, issuer string) (*ServerMetadata, error) {
	origin := strings.TrimSuffix(issuer, "/")

	var metadata ServerMetadata
	err := d.getJSON(ctx, origin+wellKnownAuthorizationServer, &metadata)
	if err != nil {
		if oidcErr := d.getJSON(ctx, origin+wellKnownOpenIDConfiguration, &metadata); oidcErr != nil {
			return nil, fmt.Errorf("authorization server metadata unavailable for %s: %w", issuer, err)
		}
	}

	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server metadata for %s missing endpoints", issuer)
	}
	d.logger.Debug("Discovered authorization server metadata",
		zap.String("issuer", issuer),
		zap.String("authorization_endpoint", metadata.AuthorizationEndpoint),
		zap.String("token_endpoint", metadata.TokenEndpoint),
		zap.String("registration_endpoint", metadata.RegistrationEndpoint))
	return &metadata, nil
}

// DiscoverEndpoints resolves the full endpoint set for a server: protected
// resource metadata first (when reachable), then the advertised (or assumed)
// authorization server. Returns the server metadata and any scopes the
// resource advertises.
func (d *Discoverer) DiscoverEndpoints(ctx context.Context, serverURL, metadataURL string) (*ServerMetadata, []string, error) {
	issuer := ""
	var scopes []string

	if resource, err := d.ProtectedResource(ctx, serverURL, metadataURL); err == nil {
		scopes = resource.ScopesSupported
		if len(resource.AuthorizationServers) > 0 {
			issuer = resource.AuthorizationServers[0]
		}
	} else {
		d.logger.Debug("No protected resource metadata, assuming server is its own issuer",
			zap.String("server_url", serverURL), zap.Error(err))
	}

	if issuer == "" {
		origin, err := originOf(serverURL)
		if err != nil {
			return nil, nil, err
		}
		issuer = origin
	}

	metadata, err := d.AuthorizationServer(ctx, issuer)
	if err != nil {
		return nil, nil, err
	}
	if len(scopes) == 0 {
		scopes = metadata.ScopesSupported
	}
	return metadata, scopes, nil
}

func (d *Discoverer) getJSON(ctx context.Context, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	return nil
}

func originOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", rawURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
