package identity_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/arenahq/crucible/internal/errdefs"
	"github.com/arenahq/crucible/internal/identity"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing env file: %v", err)
	}
	return path
}

func TestEnvFileParsing(t *testing.T) {
	path := writeEnvFile(t, `
# agent credentials
export ANTHROPIC_API_KEY="sk-test-123"
GIT_TOKEN='ghp-abc'
MALFORMED LINE
`)
	p, err := identity.NewEnvProvider(path)
	if err != nil {
		t.Fatalf("NewEnvProvider: %v", err)
	}

	cred, err := p.ScopedCredential(context.Background(), "agent-runtime", "u1")
	if err != nil {
		t.Fatalf("ScopedCredential: %v", err)
	}
	if cred.Token != "sk-test-123" {
		t.Errorf("agent token: got %q", cred.Token)
	}

	cred, err = p.ScopedCredential(context.Background(), "https://example.com/repo.git", "u1")
	if err != nil {
		t.Fatalf("ScopedCredential repo: %v", err)
	}
	if cred.Token != "ghp-abc" {
		t.Errorf("repo token: got %q", cred.Token)
	}
	if cred.ExpiresAt.IsZero() {
		t.Error("credential should carry an expiry")
	}
}

func TestMissingCredentialIsUnauthorized(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	p, err := identity.NewEnvProvider("")
	if err != nil {
		t.Fatalf("NewEnvProvider: %v", err)
	}
	_, err = p.ScopedCredential(context.Background(), "agent-runtime", "u1")
	if !errors.Is(err, errdefs.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestCurrentUserFromHeader(t *testing.T) {
	p, _ := identity.NewEnvProvider("")

	r := httptest.NewRequest("GET", "/", nil)
	if _, err := p.CurrentUser(r); !errors.Is(err, errdefs.ErrUnauthorized) {
		t.Errorf("missing header: got %v, want ErrUnauthorized", err)
	}

	r.Header.Set("X-Crucible-User", "u42")
	user, err := p.CurrentUser(r)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user.ID != "u42" {
		t.Errorf("user id: got %q", user.ID)
	}
}
