package config

import "strings"

// Reserved placeholder literals recognized in stdio env values and args.
// Substitution is the only channel for delivering credentials to a spawned
// process: stdio servers cannot receive refreshed headers after spawn.
const (
	// TokenPlaceholder is replaced with the live OAuth access token.
	TokenPlaceholder = "{{OAUTH_TOKEN}}"

	// GraphTokenPlaceholder is replaced with an on-behalf-of token exchanged
	// for the Microsoft Graph audience.
	GraphTokenPlaceholder = "{{GRAPH_OBO_TOKEN}}"
)

// Substitutions maps placeholder literals to live secret values.
type Substitutions map[string]string

// Substitute returns a copy of cfg with every occurrence of the given
// placeholder literals in Env values and Args replaced. Entries without a
// placeholder are returned unchanged. The input config is never mutated.
func Substitute(cfg *ServerConfig, subs Substitutions) *ServerConfig {
	if cfg == nil {
		return nil
	}
	out := cfg.Copy()
	if len(subs) == 0 {
		return out
	}

	for key, value := range out.Env {
		out.Env[key] = substituteString(value, subs)
	}
	for i, arg := range out.Args {
		out.Args[i] = substituteString(arg, subs)
	}
	return out
}

// HasPlaceholder reports whether any env value or arg contains the literal.
func HasPlaceholder(cfg *ServerConfig, placeholder string) bool {
	if cfg == nil || placeholder == "" {
		return false
	}
	for _, value := range cfg.Env {
		if strings.Contains(value, placeholder) {
			return true
		}
	}
	for _, arg := range cfg.Args {
		if strings.Contains(arg, placeholder) {
			return true
		}
	}
	return false
}

func substituteString(s string, subs Substitutions) string {
	for placeholder, value := range subs {
		if placeholder == "" {
			continue
		}
		s = strings.ReplaceAll(s, placeholder, value)
	}
	return s
}
