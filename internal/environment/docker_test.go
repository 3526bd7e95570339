package environment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolforge/internal/sandbox"
	"toolforge/internal/tactile"
)

// mockDriver implements Driver with overridable functions.
type mockDriver struct {
	mu sync.Mutex

	IsAvailableFunc     func() bool
	CreateContainerFunc func(ctx context.Context, opts tactile.ContainerCreateOptions) (*tactile.Container, error)
	StartContainerFunc  func(ctx context.Context, id string) error
	HostPortFunc        func(ctx context.Context, id string, port int) (string, error)
	IsRunningFunc       func(ctx context.Context, id string) (bool, error)
	ExecFunc            func(ctx context.Context, opts tactile.ContainerExecOptions) (*tactile.ExecutionResult, error)
	ImageExistsFunc     func(ctx context.Context, ref string) bool

	created  []tactile.ContainerCreateOptions
	removed  []string
	tags     []string
	deleted  []string
	execOpts []tactile.ContainerExecOptions
}

func (m *mockDriver) IsAvailable() bool {
	if m.IsAvailableFunc != nil {
		return m.IsAvailableFunc()
	}
	return true
}

func (m *mockDriver) CreateContainer(ctx context.Context, opts tactile.ContainerCreateOptions) (*tactile.Container, error) {
	m.mu.Lock()
	m.created = append(m.created, opts)
	m.mu.Unlock()
	if m.CreateContainerFunc != nil {
		return m.CreateContainerFunc(ctx, opts)
	}
	return &tactile.Container{ID: "c-" + opts.Name, Name: opts.Name, Image: opts.Image}, nil
}

func (m *mockDriver) StartContainer(ctx context.Context, id string) error {
	if m.StartContainerFunc != nil {
		return m.StartContainerFunc(ctx, id)
	}
	return nil
}

func (m *mockDriver) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockDriver) HostPort(ctx context.Context, id string, port int) (string, error) {
	if m.HostPortFunc != nil {
		return m.HostPortFunc(ctx, id, port)
	}
	return "", errors.New("no port")
}

func (m *mockDriver) IsRunning(ctx context.Context, id string) (bool, error) {
	if m.IsRunningFunc != nil {
		return m.IsRunningFunc(ctx, id)
	}
	return true, nil
}

func (m *mockDriver) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "boundary failed to import runner", nil
}

func (m *mockDriver) ExecInContainer(ctx context.Context, opts tactile.ContainerExecOptions) (*tactile.ExecutionResult, error) {
	m.mu.Lock()
	m.execOpts = append(m.execOpts, opts)
	m.mu.Unlock()
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, opts)
	}
	return &tactile.ExecutionResult{Success: true}, nil
}

func (m *mockDriver) CreateSnapshot(ctx context.Context, id, tag, description string) (*tactile.ContainerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = append(m.tags, tag)
	return &tactile.ContainerSnapshot{ImageID: "sha256:feed", ImageTag: tag, ContainerID: id, CreatedAt: time.Now()}, nil
}

func (m *mockDriver) ImageExists(ctx context.Context, ref string) bool {
	if m.ImageExistsFunc != nil {
		return m.ImageExistsFunc(ctx, ref)
	}
	return true
}

func (m *mockDriver) DeleteSnapshot(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ref)
	return nil
}

// liveBoundary serves a real boundary and returns its host:port.
func liveBoundary(t *testing.T) string {
	t.Helper()
	srv := sandbox.NewServer(sandbox.DefaultServerConfig(), sandbox.NewDefaultLoader(sandbox.LoaderConfig{}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func newTestProvider(t *testing.T, d *mockDriver) *DockerProvider {
	t.Helper()
	return NewDockerProvider(d, DockerConfig{
		Port:         8000,
		ReadyTimeout: 2 * time.Second,
		MountRoot:    t.TempDir(),
		InputRoot:    "/mount/input",
		OutputRoot:   "/mount/output",
		SecretEnv:    "TOOLFORGE_BOUNDARY_SECRET",
		ServeCommand: []string{"forge", "serve"},
		WorkDir:      "/workspace",
	})
}

func TestAllocate(t *testing.T) {
	addr := liveBoundary(t)
	d := &mockDriver{
		HostPortFunc: func(ctx context.Context, id string, port int) (string, error) {
			assert.Equal(t, 8000, port)
			return addr, nil
		},
	}
	p := newTestProvider(t, d)

	h, err := p.Allocate(context.Background(), "toolforge/base:latest")
	require.NoError(t, err)
	assert.Equal(t, "http://"+addr, h.Endpoint)
	assert.True(t, strings.HasPrefix(h.Name, "toolforge-"))
	assert.Len(t, h.Secret, 64)
	assert.DirExists(t, h.InputDir)
	assert.DirExists(t, h.OutputDir)

	require.Len(t, d.created, 1)
	opts := d.created[0]
	assert.Equal(t, "toolforge/base:latest", opts.Image)
	assert.Equal(t, []string{"forge", "serve"}, opts.Command)
	assert.Equal(t, []int{8000}, opts.PublishPorts)
	assert.Equal(t, []string{"TOOLFORGE_BOUNDARY_SECRET=" + string(h.Secret)}, opts.Environment)
	assert.Equal(t, []tactile.ContainerMount{
		{Source: h.InputDir, Target: "/mount/input", ReadOnly: true},
		{Source: h.OutputDir, Target: "/mount/output"},
	}, opts.Mounts)

	require.NoError(t, p.Destroy(context.Background(), h))
	assert.Equal(t, []string{h.ID}, d.removed)
	assert.NoDirExists(t, h.InputDir)

	// A second destroy is a no-op.
	require.NoError(t, p.Destroy(context.Background(), h))
	assert.Len(t, d.removed, 1)
}

func TestAllocateUnreadyCleansUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	d := &mockDriver{
		HostPortFunc: func(ctx context.Context, id string, port int) (string, error) {
			return strings.TrimPrefix(ts.URL, "http://"), nil
		},
	}
	p := newTestProvider(t, d)
	p.cfg.ReadyTimeout = 300 * time.Millisecond

	_, err := p.Allocate(context.Background(), "base")
	require.Error(t, err)
	assert.True(t, IsEnvironmentError(err))
	assert.Contains(t, err.Error(), "boundary failed to import runner")
	require.Len(t, d.removed, 1)

	entries, err := os.ReadDir(p.cfg.MountRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAllocateDockerUnavailable(t *testing.T) {
	d := &mockDriver{IsAvailableFunc: func() bool { return false }}
	_, err := newTestProvider(t, d).Allocate(context.Background(), "base")
	assert.ErrorIs(t, err, ErrEnvironment)
	assert.Empty(t, d.created)
}

func TestExec(t *testing.T) {
	running := true
	d := &mockDriver{
		ExecFunc: func(ctx context.Context, opts tactile.ContainerExecOptions) (*tactile.ExecutionResult, error) {
			return &tactile.ExecutionResult{Success: true, ExitCode: 2, Stderr: "pip failed"}, nil
		},
		IsRunningFunc: func(ctx context.Context, id string) (bool, error) { return running, nil },
	}
	p := newTestProvider(t, d)
	h := &Handle{ID: "c1", Name: "toolforge-1"}
	cmd := tactile.Command{
		Binary:           "bash",
		Arguments:        []string{"-s"},
		Stdin:            "pip install .",
		WorkingDirectory: "/workspace/repo",
		Limits:           &tactile.ResourceLimits{TimeoutMs: 1500, MaxOutputBytes: 1024},
	}

	// A failing command in a live container is the command's failure.
	res, err := p.Exec(context.Background(), h, cmd)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	require.Len(t, d.execOpts, 1)
	assert.Equal(t, "pip install .", d.execOpts[0].Stdin)
	assert.Equal(t, 1500*time.Millisecond, d.execOpts[0].Timeout)
	assert.Equal(t, int64(1024), d.execOpts[0].MaxOutputBytes)

	// The same failure in a dead container is the environment's.
	running = false
	res, err = p.Exec(context.Background(), h, cmd)
	assert.True(t, IsEnvironmentError(err))
	assert.NotNil(t, res)
}

func TestSnapshotRestoreDiscard(t *testing.T) {
	addr := liveBoundary(t)
	images := map[string]bool{}
	d := &mockDriver{
		HostPortFunc:    func(ctx context.Context, id string, port int) (string, error) { return addr, nil },
		ImageExistsFunc: func(ctx context.Context, ref string) bool { return images[ref] },
	}
	p := newTestProvider(t, d)
	p.cfg.SnapshotPrefix = "toolforge/"
	ctx := context.Background()

	snap, err := p.Snapshot(ctx, &Handle{ID: "c1", Name: "toolforge-1"}, "installed-example__calculator")
	require.NoError(t, err)
	assert.Equal(t, "toolforge/installed-example__calculator", snap.Ref)
	assert.Equal(t, "sha256:feed", snap.Digest)

	_, err = p.Restore(ctx, *snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// A tag without the recorded image falls back to the tag.
	images[snap.Ref] = true
	h, err := p.Restore(ctx, *snap)
	require.NoError(t, err)
	assert.Equal(t, snap.Ref, h.Image)

	// The recorded image wins over a tag a later snapshot may have moved.
	images[snap.Digest] = true
	h2, err := p.Restore(ctx, *snap)
	require.NoError(t, err)
	assert.Equal(t, "sha256:feed", h2.Image)

	require.NoError(t, p.Discard(ctx, *snap))
	assert.Equal(t, []string{snap.Ref}, d.deleted)

	p.DestroyAll(ctx)
	assert.Len(t, d.removed, 2)
}
