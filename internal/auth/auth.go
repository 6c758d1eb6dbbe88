// Package auth maps HTTP API keys onto configured clients.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/safeharbour/harbour/internal/config"
)

// Client is the runtime representation of a configured caller.
type Client struct {
	ID string
}

// Auth holds mappings from API keys to clients.
type Auth struct {
	keys []keyEntry
}

type keyEntry struct {
	key    []byte
	client Client
}

// NewFromConfig builds an Auth instance from the loaded config.
func NewFromConfig(cfg *config.Config) (*Auth, error) {
	seen := make(map[string]string)
	a := &Auth{}

	for _, c := range cfg.Clients {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return nil, fmt.Errorf("client with empty id in config")
		}
		for _, key := range c.APIKeys {
			if key == "" {
				continue
			}
			if owner, exists := seen[key]; exists {
				return nil, fmt.Errorf("api key for client %q is already assigned to client %q", id, owner)
			}
			seen[key] = id
			a.keys = append(a.keys, keyEntry{key: []byte(key), client: Client{ID: id}})
		}
	}
	return a, nil
}

// Enabled reports whether any API key is configured. Without keys the
// server accepts anonymous requests.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.keys) > 0
}

// Lookup returns the client for a given API key, if any. Every configured
// key is compared in constant time.
func (a *Auth) Lookup(apiKey string) (Client, bool) {
	if a == nil || apiKey == "" {
		return Client{}, false
	}
	candidate := []byte(apiKey)
	var (
		found Client
		ok    bool
	)
	for _, e := range a.keys {
		if subtle.ConstantTimeCompare(e.key, candidate) == 1 {
			found, ok = e.client, true
		}
	}
	return found, ok
}

// ParseBearerToken extracts the token from an Authorization: Bearer header.
func ParseBearerToken(h string) (string, bool) {
	if h == "" {
		return "", false
	}
	parts := strings.Fields(h)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
