package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envRefPattern matches ${env:NAME} references in config values.
var envRefPattern = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnvRefs replaces ${env:NAME} references in credential-bearing server
// fields with the named environment variable. It runs once at config load,
// so secrets stay out of the config file without a secret store. A reference
// to an unset variable is an error: a server silently running without its
// token is worse than failing to start.
func ExpandEnvRefs(cfg *Config) error {
	for _, srv := range cfg.Servers {
		if err := expandServerEnvRefs(srv); err != nil {
			return fmt.Errorf("server %q: %w", srv.Name, err)
		}
	}
	return nil
}

func expandServerEnvRefs(srv *ServerConfig) error {
	var err error
	for i, arg := range srv.Args {
		if srv.Args[i], err = expandEnvRefs(arg); err != nil {
			return err
		}
	}
	if err = expandEnvRefMap(srv.Env); err != nil {
		return err
	}
	if err = expandEnvRefMap(srv.Headers); err != nil {
		return err
	}

	if srv.OAuth != nil {
		if srv.OAuth.ClientID, err = expandEnvRefs(srv.OAuth.ClientID); err != nil {
			return err
		}
		if srv.OAuth.ClientSecret, err = expandEnvRefs(srv.OAuth.ClientSecret); err != nil {
			return err
		}
		if err = expandEnvRefMap(srv.OAuth.Headers); err != nil {
			return err
		}
	}
	if srv.GraphOBO != nil {
		if srv.GraphOBO.ClientID, err = expandEnvRefs(srv.GraphOBO.ClientID); err != nil {
			return err
		}
		if srv.GraphOBO.ClientSecret, err = expandEnvRefs(srv.GraphOBO.ClientSecret); err != nil {
			return err
		}
	}
	return nil
}

func expandEnvRefMap(m map[string]string) error {
	for key, value := range m {
		expanded, err := expandEnvRefs(value)
		if err != nil {
			return err
		}
		m[key] = expanded
	}
	return nil
}

func expandEnvRefs(s string) (string, error) {
	matches := envRefPattern.FindAllStringSubmatch(s, -1)
	for _, match := range matches {
		value, ok := os.LookupEnv(match[1])
		if !ok {
			return "", fmt.Errorf("%s: environment variable not set", match[0])
		}
		s = strings.ReplaceAll(s, match[0], value)
	}
	return s, nil
}
