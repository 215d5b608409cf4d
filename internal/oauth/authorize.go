package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

// AuthorizationRequest carries everything needed to build an authorization
// URL for the code flow with PKCE.
type AuthorizationRequest struct {
	Endpoint      string
	ClientID      string
	RedirectURI   string
	Scopes        []string
	State         string
	CodeChallenge string

	// Extra parameters appended verbatim (resource, audience, prompt).
	Extra map[string]string
}

// BuildAuthorizationURL renders the authorization request as a URL the user
// visits to grant access.
func BuildAuthorizationURL(req AuthorizationRequest) (string, error) {
	if req.Endpoint == "" {
		return "", fmt.Errorf("authorization endpoint is required")
	}
	if req.ClientID == "" {
		return "", fmt.Errorf("client ID is required")
	}
	if req.RedirectURI == "" {
		return "", fmt.Errorf("redirect URI is required")
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {req.ClientID},
		"redirect_uri":  {req.RedirectURI},
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	if req.CodeChallenge != "" {
		params.Set("code_challenge", req.CodeChallenge)
		params.Set("code_challenge_method", "S256")
	}
	if len(req.Scopes) > 0 {
		params.Set("scope", strings.Join(req.Scopes, " "))
	}
	for k, v := range req.Extra {
		params.Set(k, v)
	}

	separator := "?"
	if strings.Contains(req.Endpoint, "?") {
		separator = "&"
	}
	return req.Endpoint + separator + params.Encode(), nil
}
