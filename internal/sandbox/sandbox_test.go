package sandbox_test

import (
	"context"
	"testing"

	"github.com/arenahq/crucible/internal/sandbox"
)

func TestGetUnknownTrial(t *testing.T) {
	m := sandbox.NewManager("alpine:3")
	if _, ok := m.Get("t1"); ok {
		t.Error("expected no environment for unknown trial")
	}
}

func TestDestroyWithoutEnvironmentIsNoop(t *testing.T) {
	m := sandbox.NewManager("alpine:3")
	if err := m.Destroy(context.Background(), "t1"); err != nil {
		t.Errorf("Destroy on empty registry: %v", err)
	}
}

func TestContainerPath(t *testing.T) {
	env := &sandbox.Environment{WorkRoot: "/data/trials/t1"}
	cases := []struct {
		host string
		want string
	}{
		{"/data/trials/t1/scratch/alpha", "/workspace/scratch/alpha"},
		{"/data/trials/t1/repo", "/workspace/repo"},
		{"/data/trials/t1", "/workspace"},
		{"/elsewhere", "/workspace"},
	}
	for _, c := range cases {
		if got := env.ContainerPath(c.host); got != c.want {
			t.Errorf("ContainerPath(%q): got %q, want %q", c.host, got, c.want)
		}
	}
}

func TestCloseEmptyRegistry(t *testing.T) {
	m := sandbox.NewManager("alpine:3")
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("Close on empty registry: %v", err)
	}
}
