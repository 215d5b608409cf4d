// Package secureenv builds the environment for spawned stdio servers.
// Child processes receive an allow-listed subset of the system environment
// plus configured custom variables, never the full parent environment.
package secureenv

import (
	"os"
	"sort"
	"strings"
)

// EnvConfig controls which variables spawned servers inherit.
type EnvConfig struct {
	InheritSystemSafe bool              `json:"inherit_system_safe" mapstructure:"inherit-system-safe"`
	AllowedSystemVars []string          `json:"allowed_system_vars,omitempty" mapstructure:"allowed-system-vars"`
	CustomVars        map[string]string `json:"custom_vars,omitempty" mapstructure:"custom-vars"`
	EnhancePath       bool              `json:"enhance_path,omitempty" mapstructure:"enhance-path"`
}

// DefaultEnvConfig returns the default allow-list: enough for child processes
// to find executables and behave, nothing that leaks credentials.
func DefaultEnvConfig() *EnvConfig {
	allowed := []string{
		"PATH",
		"HOME",
		"TMPDIR",
		"TEMP",
		"TMP",
		"SHELL",
		"TERM",
		"LANG",
		"USER",
		"XDG_CONFIG_HOME",
		"XDG_DATA_HOME",
		"XDG_CACHE_HOME",
		"XDG_RUNTIME_DIR",
		"LC_*",
	}

	return &EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowed,
		CustomVars:        make(map[string]string),
	}
}

// Manager filters the system environment for spawned servers.
type Manager struct {
	config *EnvConfig
}

// NewManager creates a Manager; nil config means DefaultEnvConfig.
func NewManager(config *EnvConfig) *Manager {
	if config == nil {
		config = DefaultEnvConfig()
	}
	return &Manager{config: config}
}

// BuildSecureEnvironment returns the base environment for a child process:
// allow-listed system variables plus configured custom variables.
func (m *Manager) BuildSecureEnvironment() []string {
	var envVars []string

	if m.config.InheritSystemSafe {
		for _, envVar := range os.Environ() {
			key := strings.SplitN(envVar, "=", 2)[0]
			if m.isKeyAllowed(key) {
				envVars = append(envVars, envVar)
			}
		}
	}

	for k, v := range m.config.CustomVars {
		envVars = append(envVars, k+"="+v)
	}

	if m.config.InheritSystemSafe && m.config.EnhancePath {
		envVars = enhancePath(envVars)
	}

	return envVars
}

// BuildProcessEnvironment layers resolved per-server variables over the
// secure base. Server entries win over inherited ones, so a config can
// override PATH or LANG for a single server.
func (m *Manager) BuildProcessEnvironment(serverEnv map[string]string) []string {
	merged := make(map[string]string)

	for _, envVar := range m.BuildSecureEnvironment() {
		parts := strings.SplitN(envVar, "=", 2)
		if len(parts) == 2 {
			merged[parts[0]] = parts[1]
		}
	}
	for k, v := range serverEnv {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// GetSystemEnvVar returns a system variable only if the allow-list permits it.
func (m *Manager) GetSystemEnvVar(key string) (string, bool) {
	if !m.isKeyAllowed(key) {
		return "", false
	}
	value := os.Getenv(key)
	return value, value != ""
}

func (m *Manager) isKeyAllowed(key string) bool {
	if _, exists := m.config.CustomVars[key]; exists {
		return true
	}
	for _, allowed := range m.config.AllowedSystemVars {
		if strings.HasSuffix(allowed, "*") {
			if strings.HasPrefix(key, strings.TrimSuffix(allowed, "*")) {
				return true
			}
		} else if strings.EqualFold(allowed, key) {
			return true
		}
	}
	return false
}

// enhancePath appends common tool directories that minimal launch
// environments (launchd, systemd units) omit from PATH.
func enhancePath(envVars []string) []string {
	candidates := []string{
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			home+"/.local/bin",
			home+"/.cargo/bin",
			home+"/go/bin",
		)
	}

	var existing []string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return envVars
	}

	for i, envVar := range envVars {
		if !strings.HasPrefix(envVar, "PATH=") {
			continue
		}
		current := strings.TrimPrefix(envVar, "PATH=")
		parts := strings.Split(current, string(os.PathListSeparator))
		for _, p := range existing {
			found := false
			for _, part := range parts {
				if part == p {
					found = true
					break
				}
			}
			if !found {
				parts = append(parts, p)
			}
		}
		envVars[i] = "PATH=" + strings.Join(parts, string(os.PathListSeparator))
		return envVars
	}

	return append(envVars, "PATH="+strings.Join(existing, string(os.PathListSeparator)))
}
