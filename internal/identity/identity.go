// Package identity abstracts the external identity/credential provider: a
// stable user id per request and short-lived, resource-scoped credentials.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/arenahq/crucible/internal/errdefs"
)

// User is the authenticated caller.
type User struct {
	ID string
}

// Credential is a scoped, revocable, short-lived access credential for a
// named external resource.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Provider supplies users and credentials. Absence of a valid credential is
// a caller error, never an engine fault.
type Provider interface {
	CurrentUser(r *http.Request) (User, error)
	ScopedCredential(ctx context.Context, resource, userID string) (Credential, error)
}

// EnvProvider resolves credentials from a secrets env file of KEY=VALUE
// lines, with the user id taken from a request header. Suitable for
// single-tenant deployments; anything multi-tenant plugs in its own Provider.
type EnvProvider struct {
	vars map[string]string
	ttl  time.Duration
}

// NewEnvProvider loads the secrets env file. An empty path yields a provider
// backed only by the process environment.
func NewEnvProvider(envFile string) (*EnvProvider, error) {
	p := &EnvProvider{vars: map[string]string{}, ttl: time.Hour}
	if envFile == "" {
		return p, nil
	}
	data, err := os.ReadFile(envFile)
	if err != nil {
		return nil, fmt.Errorf("reading secrets env file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		eqIdx := strings.IndexByte(s, '=')
		if eqIdx < 0 {
			continue
		}
		p.vars[s[:eqIdx]] = stripQuotes(s[eqIdx+1:])
	}
	return p, nil
}

func (p *EnvProvider) CurrentUser(r *http.Request) (User, error) {
	id := r.Header.Get("X-Crucible-User")
	if id == "" {
		return User{}, fmt.Errorf("missing user header: %w", errdefs.ErrUnauthorized)
	}
	return User{ID: id}, nil
}

// ScopedCredential returns the agent-runtime credential. The env provider
// scopes by resource name only (ANTHROPIC_API_KEY for the agent runtime,
// GIT_TOKEN for repositories).
func (p *EnvProvider) ScopedCredential(ctx context.Context, resource, userID string) (Credential, error) {
	key := "ANTHROPIC_API_KEY"
	if strings.HasPrefix(resource, "http") || strings.HasPrefix(resource, "git@") {
		key = "GIT_TOKEN"
	}
	token := p.vars[key]
	if token == "" {
		token = os.Getenv(key)
	}
	if token == "" {
		return Credential{}, fmt.Errorf("no credential for %s: %w", resource, errdefs.ErrUnauthorized)
	}
	return Credential{Token: token, ExpiresAt: time.Now().Add(p.ttl)}, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
