// Package config parses the environment variables and CLI flags shared by
// cmd/manager and cmd/runner (spec.md §6.4): RIVET_ENDPOINT, RIVET_TOKEN,
// RIVET_NAMESPACE, RIVET_RUNNER, RIVET_ENGINE (an alias for endpoint).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	EnvEndpoint  = "RIVET_ENDPOINT"
	EnvToken     = "RIVET_TOKEN"
	EnvNamespace = "RIVET_NAMESPACE"
	EnvRunner    = "RIVET_RUNNER"
	EnvEngine    = "RIVET_ENGINE"
)

// Config holds the resolved connection parameters shared by both binaries.
type Config struct {
	Endpoint  string
	Token     string
	Namespace string
	Runner    string
}

// EnvOrDefault returns the environment variable's value, or def if unset or
// empty. Mirrors the teacher's cmd/server and cmd/agent helper of the same
// shape, used to seed cobra.PersistentFlags defaults.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// credentialOverride groups a flag-sourced token and namespace. Load does not
// use it; flag values reach Load as its flagToken/flagNamespace arguments,
// where an empty string means the flag was never set.
type credentialOverride struct {
	Token     string
	Namespace string
}

// Load resolves endpoint/token/namespace/runner from RIVET_ENDPOINT (or its
// RIVET_ENGINE alias), RIVET_TOKEN, RIVET_NAMESPACE, and RIVET_RUNNER, and
// reconciles flagToken/flagNamespace with them: a flag never overrides a
// differing non-empty value, it conflicts with it. The endpoint may carry
// `namespace:token@host` URL-auth credentials; if both the URL-auth form and
// an explicit source (flag or the plain env var) supply a credential and
// they disagree, Load fails rather than silently preferring one.
func Load(flagToken, flagNamespace string) (Config, error) {
	endpoint := EnvOrDefault(EnvEndpoint, "")
	if endpoint == "" {
		endpoint = os.Getenv(EnvEngine)
	}

	urlToken, urlNamespace, cleanEndpoint, err := splitURLAuth(endpoint)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", EnvEndpoint, err)
	}

	token, err := resolveCredential("token", urlToken, os.Getenv(EnvToken), flagToken)
	if err != nil {
		return Config{}, err
	}
	namespace, err := resolveCredential("namespace", urlNamespace, os.Getenv(EnvNamespace), flagNamespace)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Endpoint:  cleanEndpoint,
		Token:     token,
		Namespace: namespace,
		Runner:    os.Getenv(EnvRunner),
	}, nil
}

// splitURLAuth decodes `namespace:token@host` URL-auth form out of endpoint,
// returning the embedded namespace/token (empty if absent) and the endpoint
// with credentials stripped. A bare host with no "@" is returned unchanged.
func splitURLAuth(endpoint string) (token, namespace, clean string, err error) {
	if endpoint == "" || !strings.Contains(endpoint, "@") {
		return "", "", endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", "", err
	}
	if u.User == nil {
		return "", "", endpoint, nil
	}

	namespace = u.User.Username()
	token, _ = u.User.Password()
	u.User = nil
	return token, namespace, u.String(), nil
}

// resolveCredential reconciles a value possibly supplied three ways: URL-auth
// embedded in the endpoint, the plain env var, and an explicit CLI flag. All
// non-empty sources must agree — duplicated, conflicting credentials are a startup error rather than a
// silent override, per spec.md §6.4.
func resolveCredential(label, fromURL, fromEnv, fromFlag string) (string, error) {
	values := map[string]string{}
	if fromURL != "" {
		values["url"] = fromURL
	}
	if fromEnv != "" {
		values["env"] = fromEnv
	}
	if fromFlag != "" {
		values["flag"] = fromFlag
	}

	var resolved string
	for _, v := range values {
		if resolved == "" {
			resolved = v
			continue
		}
		if v != resolved {
			return "", fmt.Errorf("config: conflicting %s supplied via multiple sources", label)
		}
	}
	return resolved, nil
}
