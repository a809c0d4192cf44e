// Package auth validates API keys and resolves them to a principal and its
// quota policy. Keys are a static allow-list loaded from configuration.
package auth

import (
	"errors"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/quota"
)

// DefaultKey is the development key used when no keys are configured.
const DefaultKey = "dev-key"

var (
	ErrMissingKey = errors.New("auth: missing x-api-key header")
	ErrUnknownKey = errors.New("auth: invalid api key")
)

// Context is the authenticated principal attached to a request.
type Context struct {
	APIKey string
	// UserID is a redacted identifier safe to log and to key quotas on.
	UserID string
	Policy quota.Policy
}

// Registry holds the allowed API keys and the shared quota policy.
type Registry struct {
	keys   map[string]struct{}
	policy quota.Policy
}

// NewRegistry builds a Registry from keys. Blank entries are skipped; when
// nothing remains, DefaultKey is admitted so the gateway stays usable in
// development.
func NewRegistry(keys []string, policy quota.Policy) *Registry {
	valid := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid[k] = struct{}{}
		}
	}
	if len(valid) == 0 {
		valid[DefaultKey] = struct{}{}
	}
	return &Registry{keys: valid, policy: policy}
}

// Authenticate resolves apiKey to a Context. The key is the raw header
// value; surrounding whitespace is ignored.
func (r *Registry) Authenticate(apiKey string) (Context, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Context{}, ErrMissingKey
	}
	if _, ok := r.keys[apiKey]; !ok {
		return Context{}, ErrUnknownKey
	}
	return Context{
		APIKey: apiKey,
		UserID: "key_" + redact(apiKey),
		Policy: r.policy,
	}, nil
}

// redact keeps a stable prefix of the key for identification without
// exposing the full credential.
func redact(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
