// Package hash provides the sha256 helpers used for token storage keys,
// config-change detection, and tool identity.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// StringHash returns the hex-encoded sha256 of s.
func StringHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ServerKey derives the storage key for a server's tokens: the server name
// plus a short digest of name|url. Renaming a server or pointing it at a new
// URL yields a new key, so stale tokens are never reused.
func ServerKey(name, url string) string {
	sum := sha256.Sum256([]byte(name + "|" + url))
	return name + "_" + hex.EncodeToString(sum[:])[:16]
}

// ConfigHash returns a stable digest of a JSON-marshalable config value.
// The app-level pool compares digests on each access so edited configs
// invalidate cached connections.
func ConfigHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ToolHash identifies one tool definition for change detection.
func ToolHash(serverName, toolName, description, paramsJSON string) string {
	return StringHash(serverName + ":" + toolName + ":" + description + ":" + paramsJSON)
}
