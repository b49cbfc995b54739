// Package keys holds the API credentials of every LLM provider and tracks
// their health so requests can rotate away from failing keys.
package keys

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/teampulse/pulse-ai/internal/util"
)

// Provider names an LLM vendor.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
)

// Providers lists every supported vendor in a stable order.
var Providers = []Provider{OpenAI, Anthropic}

// ErrNoCredentials is returned when a provider has no usable key configured.
var ErrNoCredentials = errors.New("no credentials configured")

// ErrUnknownProvider is returned by ParseProvider for unsupported names.
var ErrUnknownProvider = errors.New("unknown provider")

// ParseProvider normalizes a provider name. "claude" is accepted as an alias
// of anthropic.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai", "gpt":
		return OpenAI, nil
	case "anthropic", "claude":
		return Anthropic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// Credential is one API key of one provider. Index is the position within the
// provider's key list and is stable for the lifetime of the process.
type Credential struct {
	Provider Provider
	Index    int
	Secret   string
}

// Fingerprint identifies the credential in logs without exposing the secret.
func (c Credential) Fingerprint() string {
	return util.AnonymizeString(c.Secret)
}

// String never prints the secret.
func (c Credential) String() string {
	return fmt.Sprintf("%s#%d(%s)", c.Provider, c.Index, c.Fingerprint())
}

// Pool is the immutable set of credentials loaded at startup.
type Pool struct {
	creds map[Provider][]Credential
}

// NewPool builds a pool from ordered secrets per provider. Blank and duplicate
// secrets are dropped; a provider may end up with zero keys, which is only
// reported when that provider is requested.
func NewPool(secrets map[Provider][]string) *Pool {
	p := &Pool{creds: make(map[Provider][]Credential, len(secrets))}
	for provider, list := range secrets {
		seen := make(map[string]struct{}, len(list))
		var creds []Credential
		for _, secret := range list {
			secret = strings.TrimSpace(secret)
			if secret == "" {
				continue
			}
			if _, dup := seen[secret]; dup {
				continue
			}
			seen[secret] = struct{}{}
			creds = append(creds, Credential{Provider: provider, Index: len(creds), Secret: secret})
		}
		p.creds[provider] = creds
	}
	return p
}

// Credentials returns the ordered keys of provider, or ErrNoCredentials.
func (p *Pool) Credentials(provider Provider) ([]Credential, error) {
	creds := p.creds[provider]
	if len(creds) == 0 {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoCredentials)
	}
	out := make([]Credential, len(creds))
	copy(out, creds)
	return out, nil
}

// Len reports how many keys provider has.
func (p *Pool) Len(provider Provider) int {
	return len(p.creds[provider])
}

// Configured lists the providers that have at least one key.
func (p *Pool) Configured() []Provider {
	out := make([]Provider, 0, len(p.creds))
	for provider, creds := range p.creds {
		if len(creds) > 0 {
			out = append(out, provider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
