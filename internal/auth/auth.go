// Package auth implements the static API key gate.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultHeader is the request header that carries the API key.
const DefaultHeader = "X-API-Key"

var (
	// ErrMissingCredential is returned when a protected path is requested without a key.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidCredential is returned when the presented key does not match.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrNoAPIKey is returned by NewGate when auth is required but no key is configured.
	ErrNoAPIKey = errors.New("auth required but no API key configured")
)

// Config holds gate configuration.
type Config struct {
	Required         bool     // When false every request is admitted
	APIKey           string   // Expected credential
	Header           string   // Header carrying the credential
	ExcludedPaths    []string // Exact paths that bypass the gate
	ExcludedPrefixes []string // Path prefixes that bypass the gate
}

// DefaultConfig returns the gate defaults: disabled, with health, metrics and docs paths public.
func DefaultConfig() Config {
	return Config{
		Required: false,
		Header:   DefaultHeader,
		ExcludedPaths: []string{
			"/",
			"/health",
			"/ready",
			"/metrics",
			"/api/v1/health",
			"/api/v1/docs",
			"/api/v1/redoc",
			"/openapi.json",
		},
		ExcludedPrefixes: []string{
			"/api/v1/docs",
			"/api/v1/redoc",
		},
	}
}

// Gate decides whether a request may reach a protected path.
type Gate struct {
	required bool
	key      []byte
	header   string
	paths    map[string]struct{}
	prefixes []string
}

// NewGate creates a Gate from cfg.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Required && cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = DefaultHeader
	}

	g := &Gate{
		required: cfg.Required,
		key:      []byte(cfg.APIKey),
		header:   header,
		paths:    make(map[string]struct{}, len(cfg.ExcludedPaths)),
		prefixes: make([]string, 0, len(cfg.ExcludedPrefixes)),
	}
	for _, p := range cfg.ExcludedPaths {
		g.paths[p] = struct{}{}
	}
	for _, p := range cfg.ExcludedPrefixes {
		if p != "" {
			g.prefixes = append(g.prefixes, p)
		}
	}

	return g, nil
}

// Authorize checks a presented credential for path.
// It returns nil, ErrMissingCredential or ErrInvalidCredential.
func (g *Gate) Authorize(path, credential string) error {
	if !g.required || g.IsExcluded(path) {
		return nil
	}
	if credential == "" {
		return ErrMissingCredential
	}
	if subtle.ConstantTimeCompare([]byte(credential), g.key) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// IsExcluded reports whether path bypasses the gate.
func (g *Gate) IsExcluded(path string) bool {
	if _, ok := g.paths[path]; ok {
		return true
	}
	for _, prefix := range g.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Required reports whether the gate enforces credentials.
func (g *Gate) Required() bool {
	return g.required
}

// Header returns the name of the credential header.
func (g *Gate) Header() string {
	return g.header
}

// StatusCode maps an Authorize error to its HTTP status.
// A missing key is an authentication failure (401); a wrong key is an authorization failure (403).
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidCredential):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Detail returns the client-facing explanation for an Authorize error.
func (g *Gate) Detail(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return fmt.Sprintf("Missing %s header", g.header)
	case errors.Is(err, ErrInvalidCredential):
		return "Invalid API key"
	default:
		return "Authentication failed"
	}
}
