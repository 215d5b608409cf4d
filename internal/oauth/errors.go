// Package oauth implements the client side of OAuth 2.0 for MCP servers:
// endpoint discovery, dynamic client registration, PKCE authorization URLs,
// code exchange, token refresh, and persistent token management.
package oauth

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for token management.
var (
	// ErrNoRefreshToken indicates the stored grant has no refresh token, so
	// only a fresh authorization can produce a new access token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed indicates the token endpoint rejected a refresh.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// RequiredError signals that a server demands OAuth authorization before the
// requested operation can proceed. It is control flow, not a user-facing
// failure: callers match it with errors.As and start a handshake.
type RequiredError struct {
	ServerName string
	ServerURL  string

	// MetadataURL is the RFC 9728 resource-metadata URL advertised in the
	// WWW-Authenticate challenge, when the server sent one.
	MetadataURL string

	Err error
}

func (e *RequiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server %s requires OAuth authorization: %v", e.ServerName, e.Err)
	}
	return fmt.Sprintf("server %s requires OAuth authorization", e.ServerName)
}

func (e *RequiredError) Unwrap() error { return e.Err }

// FlowFailedError reports an OAuth handshake that was attempted and did not
// complete. No connection is created when this is returned.
type FlowFailedError struct {
	ServerName string
	Stage      string // discover, register, authorize, exchange, wait
	Err        error
}

func (e *FlowFailedError) Error() string {
	return fmt.Sprintf("oauth flow failed for %s at %s: %v", e.ServerName, e.Stage, e.Err)
}

func (e *FlowFailedError) Unwrap() error { return e.Err }

// authErrorMarkers classify transport errors as authorization challenges.
var authErrorMarkers = []string{
	"401",
	"403",
	"unauthorized",
	"forbidden",
	"authentication required",
	"invalid_token",
}

// IsAuthError reports whether err looks like an authorization challenge:
// a RequiredError, or a transport error carrying a 401/403 style message.
// Auth-classified errors abort connection retry loops immediately, since
// blind retries cannot succeed without credentials.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var required *RequiredError
	if errors.As(err, &required) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
