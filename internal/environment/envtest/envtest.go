// Package envtest provides an in-process environment.Provider for tests.
// Every allocated environment is a real sandbox boundary served over a
// loopback listener; commands are answered by a caller-supplied function.
package envtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"toolforge/internal/environment"
	"toolforge/internal/sandbox"
	"toolforge/internal/tactile"
)

// ExecFunc answers a command run inside an environment.
type ExecFunc func(ctx context.Context, h *environment.Handle, cmd tactile.Command) (*tactile.ExecutionResult, error)

// Provider is a fake environment.Provider.
type Provider struct {
	// Server configures every boundary. Roots are replaced per environment.
	Server sandbox.ServerConfig
	// Loader is shared by all boundaries.
	Loader *sandbox.Loader
	// OnExec answers Exec. Nil means every command succeeds with no output.
	OnExec ExecFunc
	// AllocateErr, when set, fails Allocate for the returned error.
	AllocateErr func(image string) error

	mu        sync.Mutex
	live      map[string]*env
	snapshots map[string]environment.Snapshot
	seq       int

	Allocations int
	Restores    []string
	Destroys    int
	Discards    []string
}

type env struct {
	handle *environment.Handle
	server *httptest.Server
	root   string
}

// New creates a fake provider with the default server config and loader.
func New() *Provider {
	return &Provider{
		Server:    sandbox.DefaultServerConfig(),
		Loader:    sandbox.NewDefaultLoader(sandbox.LoaderConfig{AllowedGoImports: []string{"fmt", "strings", "math", "sort", "strconv"}}),
		live:      make(map[string]*env),
		snapshots: make(map[string]environment.Snapshot),
	}
}

var _ environment.Provider = (*Provider)(nil)

// Allocate starts a boundary for image.
func (p *Provider) Allocate(ctx context.Context, image string) (*environment.Handle, error) {
	if p.AllocateErr != nil {
		if err := p.AllocateErr(image); err != nil {
			return nil, &environment.Error{Op: "allocate", Err: err}
		}
	}

	root, err := os.MkdirTemp("", "envtest-")
	if err != nil {
		return nil, &environment.Error{Op: "allocate", Err: err}
	}
	h := &environment.Handle{Image: image, InputDir: root + "/input", OutputDir: root + "/output", CreatedAt: time.Now()}
	for _, dir := range []string{h.InputDir, h.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			os.RemoveAll(root)
			return nil, &environment.Error{Op: "allocate", Err: err}
		}
	}

	cfg := p.Server
	cfg.InputRoot = h.InputDir
	cfg.OutputRoot = h.OutputDir
	ts := httptest.NewServer(sandbox.NewServer(cfg, p.Loader).Handler())

	p.mu.Lock()
	p.seq++
	p.Allocations++
	h.ID = fmt.Sprintf("env-%d", p.seq)
	h.Name = h.ID
	h.Endpoint = ts.URL
	h.Secret = cfg.Secret
	p.live[h.ID] = &env{handle: h, server: ts, root: root}
	p.mu.Unlock()
	return h, nil
}

// Exec runs cmd through OnExec.
func (p *Provider) Exec(ctx context.Context, h *environment.Handle, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	if !p.isLive(h) {
		return nil, &environment.Error{Op: "exec", ID: h.ID, Err: errors.New("environment is gone")}
	}
	if p.OnExec == nil {
		return &tactile.ExecutionResult{Success: true}, nil
	}
	return p.OnExec(ctx, h, cmd)
}

// Snapshot records a snapshot of h under name.
func (p *Provider) Snapshot(ctx context.Context, h *environment.Handle, name string) (*environment.Snapshot, error) {
	if !p.isLive(h) {
		return nil, &environment.Error{Op: "snapshot", ID: h.ID, Err: errors.New("environment is gone")}
	}
	sum := sha256.Sum256([]byte(name + "@" + h.ID))
	snap := environment.Snapshot{Ref: "envtest/" + name, Digest: "sha256:" + hex.EncodeToString(sum[:]), CreatedAt: time.Now().UTC().Round(0)}
	p.mu.Lock()
	p.snapshots[snap.Ref] = snap
	p.mu.Unlock()
	return &snap, nil
}

// Restore allocates a fresh boundary from a recorded snapshot.
func (p *Provider) Restore(ctx context.Context, snap environment.Snapshot) (*environment.Handle, error) {
	p.mu.Lock()
	_, ok := p.snapshots[snap.Ref]
	p.Restores = append(p.Restores, snap.Ref)
	p.mu.Unlock()
	if !ok {
		return nil, &environment.Error{Op: "restore", Err: fmt.Errorf("snapshot %s not found", snap.Ref)}
	}
	return p.Allocate(ctx, snap.Ref)
}

// Discard forgets a snapshot.
func (p *Provider) Discard(ctx context.Context, snap environment.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snapshots, snap.Ref)
	p.Discards = append(p.Discards, snap.Ref)
	return nil
}

// Destroy stops the boundary and removes its mounts.
func (p *Provider) Destroy(ctx context.Context, h *environment.Handle) error {
	if h == nil {
		return nil
	}
	p.mu.Lock()
	e, ok := p.live[h.ID]
	delete(p.live, h.ID)
	if ok {
		p.Destroys++
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	e.server.CloseClientConnections()
	e.server.Close()
	return os.RemoveAll(e.root)
}

// Crash kills the boundary of h without telling its owner, so the next
// invocation sees an unreachable environment.
func (p *Provider) Crash(h *environment.Handle) {
	p.mu.Lock()
	e, ok := p.live[h.ID]
	p.mu.Unlock()
	if ok {
		e.server.CloseClientConnections()
		e.server.Close()
	}
}

// HasSnapshot reports whether ref is recorded.
func (p *Provider) HasSnapshot(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.snapshots[ref]
	return ok
}

// Live returns the number of environments not yet destroyed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Counts returns allocation, restore and destroy counters.
func (p *Provider) Counts() (allocations, restores, destroys int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Allocations, len(p.Restores), p.Destroys
}

// Close destroys every live environment.
func (p *Provider) Close() {
	p.mu.Lock()
	handles := make([]*environment.Handle, 0, len(p.live))
	for _, e := range p.live {
		handles = append(handles, e.handle)
	}
	p.mu.Unlock()
	for _, h := range handles {
		p.Destroy(context.Background(), h)
	}
}

func (p *Provider) isLive(h *environment.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[h.ID]
	return ok
}
