// Package sandbox provisions one docker container per trial as the execution
// environment for that trial's agent processes. Environments are created
// lazily, reused for the trial's lifetime and explicitly destroyable.
package sandbox

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/arenahq/crucible/internal/errdefs"
)

// workspaceMount is where the trial's work root is bind-mounted inside the
// container.
const workspaceMount = "/workspace"

// Environment is one trial's running container.
type Environment struct {
	TrialID     string
	ContainerID string
	WorkRoot    string
}

// ContainerPath maps a host path under the environment's work root to its
// bind-mounted location inside the container. Paths outside the work root
// fall back to the mount point itself.
func (env *Environment) ContainerPath(hostPath string) string {
	rel, err := filepath.Rel(env.WorkRoot, hostPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return workspaceMount
	}
	return path.Join(workspaceMount, filepath.ToSlash(rel))
}

// Manager owns the registry of active environments. Constructed once at
// process start and passed by reference; never ambient state.
type Manager struct {
	image string

	mu   sync.Mutex
	envs map[string]*Environment
}

func NewManager(image string) *Manager {
	return &Manager{image: image, envs: make(map[string]*Environment)}
}

// Provision returns the trial's environment, creating it on first need.
// A provisioning fault is fatal to the trial and wraps ErrProvisioning.
func (m *Manager) Provision(ctx context.Context, trialID, workRoot string) (*Environment, error) {
	m.mu.Lock()
	if env, ok := m.envs[trialID]; ok {
		m.mu.Unlock()
		return env, nil
	}
	m.mu.Unlock()

	env, err := m.create(ctx, trialID, workRoot)
	if err != nil {
		return nil, fmt.Errorf("provisioning environment for trial %s: %v: %w", trialID, err, errdefs.ErrProvisioning)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.envs[trialID]; ok {
		// Lost the race; keep the first one and discard ours.
		go m.remove(context.Background(), env.ContainerID)
		return existing, nil
	}
	m.envs[trialID] = env
	return env, nil
}

func (m *Manager) create(ctx context.Context, trialID, workRoot string) (*Environment, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	initTrue := true
	hostCfg := &container.HostConfig{
		Init: &initTrue,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workRoot, Target: workspaceMount},
		},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	containerCfg := &container.Config{
		Image:      m.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workspaceMount,
		Labels: map[string]string{
			"crucible":       "true",
			"crucible.trial": trialID,
		},
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if _, err := cli.ContainerStart(ctx, createResp.ID, client.ContainerStartOptions{}); err != nil {
		cli.ContainerRemove(context.Background(), createResp.ID, client.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}

	return &Environment{TrialID: trialID, ContainerID: createResp.ID, WorkRoot: workRoot}, nil
}

// Get returns the trial's environment if one is active.
func (m *Manager) Get(trialID string) (*Environment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[trialID]
	return env, ok
}

// Destroy tears down the trial's environment. A no-op when none exists.
func (m *Manager) Destroy(ctx context.Context, trialID string) error {
	m.mu.Lock()
	env, ok := m.envs[trialID]
	delete(m.envs, trialID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.remove(ctx, env.ContainerID)
}

// Close destroys every active environment.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	envs := m.envs
	m.envs = make(map[string]*Environment)
	m.mu.Unlock()

	var firstErr error
	for _, env := range envs {
		if err := m.remove(ctx, env.ContainerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) remove(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()
	if _, err := cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}
