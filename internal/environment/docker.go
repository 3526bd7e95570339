package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/config"
	"toolforge/internal/logging"
	"toolforge/internal/sandbox"
	"toolforge/internal/tactile"
)

// Driver is the subset of tactile.DockerDriver the provider uses.
type Driver interface {
	IsAvailable() bool
	CreateContainer(ctx context.Context, opts tactile.ContainerCreateOptions) (*tactile.Container, error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	HostPort(ctx context.Context, containerID string, containerPort int) (string, error)
	IsRunning(ctx context.Context, containerID string) (bool, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	ExecInContainer(ctx context.Context, opts tactile.ContainerExecOptions) (*tactile.ExecutionResult, error)
	CreateSnapshot(ctx context.Context, containerID, tag, description string) (*tactile.ContainerSnapshot, error)
	ImageExists(ctx context.Context, ref string) bool
	DeleteSnapshot(ctx context.Context, ref string) error
}

// DockerConfig configures the docker provider.
type DockerConfig struct {
	MemoryLimit  int64
	CPULimit     float64
	Network      string
	WorkDir      string
	ServeCommand []string
	// Port is the container port the boundary listens on.
	Port         int
	ReadyTimeout time.Duration
	// MountRoot is the host directory holding per-environment mounts.
	MountRoot string
	// InputRoot and OutputRoot are the mount targets inside the container.
	InputRoot  string
	OutputRoot string
	// SecretEnv is the variable the boundary reads its auth secret from.
	SecretEnv string
	// SnapshotPrefix is prepended to snapshot names to form image tags.
	SnapshotPrefix string
}

// DockerConfigFrom builds provider settings from the loaded config.
func DockerConfigFrom(cfg *config.Config) DockerConfig {
	return DockerConfig{
		MemoryLimit:    cfg.Environment.MemoryLimit,
		CPULimit:       cfg.Environment.CPULimit,
		Network:        cfg.Environment.Network,
		WorkDir:        cfg.Install.Workdir,
		ServeCommand:   cfg.Environment.ServeCommand,
		Port:           cfg.Sandbox.Port,
		ReadyTimeout:   cfg.GetReadyTimeout(),
		MountRoot:      cfg.Environment.MountRoot,
		InputRoot:      cfg.Sandbox.InputRoot,
		OutputRoot:     cfg.Sandbox.OutputRoot,
		SecretEnv:      cfg.Sandbox.AuthSecretEnv,
		SnapshotPrefix: "toolforge/",
	}
}

// DockerProvider runs environments as long-lived docker containers whose
// main process is the sandbox boundary.
type DockerProvider struct {
	driver Driver
	cfg    DockerConfig

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewDockerProvider creates a provider on top of driver.
func NewDockerProvider(driver Driver, cfg DockerConfig) *DockerProvider {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	return &DockerProvider{driver: driver, cfg: cfg, handles: make(map[string]*Handle)}
}

// Allocate creates and starts a container from image and waits for its
// boundary to answer.
func (p *DockerProvider) Allocate(ctx context.Context, image string) (*Handle, error) {
	timer := logging.StartTimer(logging.CategoryEnvironment, "Allocate "+image)
	defer timer.Stop()

	if !p.driver.IsAvailable() {
		return nil, &Error{Op: "allocate", Err: fmt.Errorf("docker is not available")}
	}

	name := "toolforge-" + uuid.NewString()[:8]
	h := &Handle{Name: name, Image: image, CreatedAt: time.Now()}

	if err := p.prepareMounts(h); err != nil {
		return nil, &Error{Op: "allocate", Err: err}
	}

	var env []string
	if p.cfg.SecretEnv != "" {
		secret, err := sandbox.NewSecret()
		if err != nil {
			return nil, &Error{Op: "allocate", Err: err}
		}
		h.Secret = []byte(secret)
		env = append(env, p.cfg.SecretEnv+"="+secret)
	}

	container, err := p.driver.CreateContainer(ctx, tactile.ContainerCreateOptions{
		Name:        name,
		Image:       image,
		WorkingDir:  p.cfg.WorkDir,
		Environment: env,
		Mounts: []tactile.ContainerMount{
			{Source: h.InputDir, Target: p.cfg.InputRoot, ReadOnly: true},
			{Source: h.OutputDir, Target: p.cfg.OutputRoot},
		},
		MemoryLimit:  p.cfg.MemoryLimit,
		CPULimit:     p.cfg.CPULimit,
		NetworkMode:  p.cfg.Network,
		Labels:       map[string]string{"toolforge.environment": name},
		PublishPorts: []int{p.cfg.Port},
		Command:      p.cfg.ServeCommand,
	})
	if err != nil {
		p.removeMounts(h)
		return nil, &Error{Op: "allocate", Err: err}
	}
	h.ID = container.ID

	if err := p.start(ctx, h); err != nil {
		if rmErr := p.driver.RemoveContainer(context.WithoutCancel(ctx), h.ID); rmErr != nil {
			logging.EnvironmentWarn("Failed to remove unready container %s: %v", name, rmErr)
		}
		p.removeMounts(h)
		return nil, &Error{Op: "allocate", ID: name, Err: err}
	}

	p.mu.Lock()
	p.handles[h.ID] = h
	p.mu.Unlock()

	logging.Environment("Environment %s ready at %s (image=%s)", name, h.Endpoint, image)
	return h, nil
}

func (p *DockerProvider) start(ctx context.Context, h *Handle) error {
	if err := p.driver.StartContainer(ctx, h.ID); err != nil {
		return err
	}
	addr, err := p.driver.HostPort(ctx, h.ID, p.cfg.Port)
	if err != nil {
		return err
	}
	h.Endpoint = "http://" + addr

	if err := h.Client(0).WaitReady(ctx, p.cfg.ReadyTimeout); err != nil {
		logs, _ := p.driver.Logs(context.WithoutCancel(ctx), h.ID, 40)
		return fmt.Errorf("%w\ncontainer logs:\n%s", err, logs)
	}
	return nil
}

func (p *DockerProvider) prepareMounts(h *Handle) error {
	root, err := filepath.Abs(filepath.Join(p.cfg.MountRoot, h.Name))
	if err != nil {
		return err
	}
	h.InputDir = filepath.Join(root, "input")
	h.OutputDir = filepath.Join(root, "output")
	for _, dir := range []string{h.InputDir, h.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create mount %s: %w", dir, err)
		}
	}
	return nil
}

func (p *DockerProvider) removeMounts(h *Handle) {
	if h.InputDir == "" {
		return
	}
	if err := os.RemoveAll(filepath.Dir(h.InputDir)); err != nil {
		logging.EnvironmentWarn("Failed to remove mounts of %s: %v", h.Name, err)
	}
}

// Exec runs cmd inside the container. A command that fails because the
// container died is an environment error.
func (p *DockerProvider) Exec(ctx context.Context, h *Handle, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	opts := tactile.ContainerExecOptions{
		ContainerID: h.ID,
		Binary:      cmd.Binary,
		Arguments:   cmd.Arguments,
		WorkingDir:  cmd.WorkingDirectory,
		Environment: cmd.Environment,
		Stdin:       cmd.Stdin,
	}
	if cmd.Limits != nil {
		opts.Timeout = cmd.Limits.Timeout(0)
		opts.MaxOutputBytes = cmd.Limits.MaxOutputBytes
	}

	res, err := p.driver.ExecInContainer(ctx, opts)
	if err != nil {
		return nil, &Error{Op: "exec", ID: h.Name, Err: err}
	}
	if res.IsError() || res.ExitCode != 0 {
		running, rerr := p.driver.IsRunning(context.WithoutCancel(ctx), h.ID)
		if rerr != nil || !running {
			return res, &Error{Op: "exec", ID: h.Name, Err: fmt.Errorf("container is no longer running")}
		}
	}
	return res, nil
}

// Snapshot commits the container as an image tagged <prefix><name>.
func (p *DockerProvider) Snapshot(ctx context.Context, h *Handle, name string) (*Snapshot, error) {
	tag := p.cfg.SnapshotPrefix + name
	snap, err := p.driver.CreateSnapshot(ctx, h.ID, tag, "toolforge snapshot of "+h.Name)
	if err != nil {
		return nil, &Error{Op: "snapshot", ID: h.Name, Err: err}
	}
	logging.Environment("Snapshot %s created from %s (%s)", tag, h.Name, snap.ImageID)
	return &Snapshot{Ref: snap.ImageTag, Digest: snap.ImageID, CreatedAt: snap.CreatedAt}, nil
}

// Restore starts a new environment from a snapshot image. The image ID is
// used when it still exists, so a tag moved by a later snapshot never
// changes what an older record restores.
func (p *DockerProvider) Restore(ctx context.Context, snap Snapshot) (*Handle, error) {
	image := snap.Ref
	switch {
	case snap.Digest != "" && p.driver.ImageExists(ctx, snap.Digest):
		image = snap.Digest
	case p.driver.ImageExists(ctx, snap.Ref):
		logging.EnvironmentDebug("Snapshot %s has no image %q, restoring by tag", snap.Ref, snap.Digest)
	default:
		return nil, &Error{Op: "restore", Err: fmt.Errorf("snapshot %s not found", snap.Ref)}
	}
	return p.Allocate(ctx, image)
}

// Discard removes a snapshot image.
func (p *DockerProvider) Discard(ctx context.Context, snap Snapshot) error {
	if !p.driver.ImageExists(ctx, snap.Ref) {
		return nil
	}
	if err := p.driver.DeleteSnapshot(ctx, snap.Ref); err != nil {
		return &Error{Op: "discard", ID: snap.Ref, Err: err}
	}
	return nil
}

// Destroy removes the container and its mounts.
func (p *DockerProvider) Destroy(ctx context.Context, h *Handle) error {
	if h == nil || h.ID == "" {
		return nil
	}
	p.mu.Lock()
	_, live := p.handles[h.ID]
	delete(p.handles, h.ID)
	p.mu.Unlock()
	if !live {
		return nil
	}

	err := p.driver.RemoveContainer(ctx, h.ID)
	p.removeMounts(h)
	if err != nil {
		return &Error{Op: "destroy", ID: h.Name, Err: err}
	}
	logging.Environment("Environment %s destroyed", h.Name)
	return nil
}

// DestroyAll tears down every environment this provider still owns.
func (p *DockerProvider) DestroyAll(ctx context.Context) {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		if err := p.Destroy(ctx, h); err != nil {
			logging.EnvironmentWarn("Cleanup: %v", err)
		}
	}
}
