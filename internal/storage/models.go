// Package storage persists OAuth tokens in a single-file bbolt database.
// Records are keyed by (user, server key) so one user's tokens for one
// server never collide with another's.
package storage

import (
	"encoding/json"
	"time"
)

// Bucket names.
const (
	TokensBucket = "oauth_tokens"
	MetaBucket   = "meta"
)

// SchemaVersionKey stores the schema version inside MetaBucket.
const SchemaVersionKey = "schema_version"

// CurrentSchemaVersion is bumped when record layout changes.
const CurrentSchemaVersion uint64 = 1

// AppUserID is the principal used for app-level (shared) connections.
const AppUserID = "@app"

// TokenRecord is one stored OAuth grant for (UserID, ServerKey).
type TokenRecord struct {
	UserID     string `json:"user_id"`
	ServerKey  string `json:"server_key"`
	ServerName string `json:"server_name"`
	ServerURL  string `json:"server_url,omitempty"`

	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`

	// Client registration metadata, kept so refreshes and later flows reuse
	// the same dynamically-registered client.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// IsExpired reports whether the access token is past (or within skew of)
// its expiry. A zero ExpiresAt means the token never expires.
func (r *TokenRecord) IsExpired(skew time.Duration) bool {
	if r == nil || r.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(r.ExpiresAt)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *TokenRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *TokenRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
