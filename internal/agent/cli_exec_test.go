package agent

import (
	"strings"
	"testing"
)

func TestBuildCommandOnHost(t *testing.T) {
	c := &CLIInvoker{}
	name, args := c.buildCommand(Request{Prompt: "fix it", Model: "m", WorkingDir: "/tmp/w"})
	if name != "claude" {
		t.Errorf("binary: got %q, want claude", name)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--output-format stream-json") {
		t.Errorf("missing stream-json flag in %q", joined)
	}
	if strings.Contains(joined, "exec") {
		t.Errorf("host invocation must not wrap docker: %q", joined)
	}
}

func TestBuildCommandInContainer(t *testing.T) {
	c := &CLIInvoker{}
	name, args := c.buildCommand(Request{
		Prompt:      "fix it",
		WorkingDir:  "/workspace/scratch/alpha",
		Credential:  "sk-secret",
		ContainerID: "abc123",
	})
	if name != "docker" {
		t.Fatalf("binary: got %q, want docker", name)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"exec -i",
		"--workdir /workspace/scratch/alpha",
		"--env ANTHROPIC_API_KEY",
		"abc123 claude",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %q", want, joined)
		}
	}
	// The key travels through the environment, by name only.
	if strings.Contains(joined, "sk-secret") {
		t.Errorf("credential leaked into argv: %q", joined)
	}
}
