package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"toolforge/internal/logging"
)

// =============================================================================
// DOCKER DRIVER
// =============================================================================
// Long-running containers driven through the docker CLI:
//   `docker create` + `docker start` to allocate,
//   `docker exec` to run install steps against preserved state,
//   `docker commit` to snapshot, and `docker rm -f` to destroy.

// ContainerState represents the lifecycle state of a container.
type ContainerState string

const (
	ContainerStateCreated ContainerState = "created"
	ContainerStateRunning ContainerState = "running"
	ContainerStateStopped ContainerState = "stopped"
	ContainerStateRemoved ContainerState = "removed"
)

// Container is a container managed by the driver.
type Container struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	State      ContainerState    `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	LastExecAt time.Time         `json:"last_exec_at"`
	WorkingDir string            `json:"working_dir"`
	Mounts     []ContainerMount  `json:"mounts"`
	Labels     map[string]string `json:"labels"`
	ExecCount  int               `json:"exec_count"`
}

// ShortID returns the 12 character docker short ID.
func (c *Container) ShortID() string {
	return shortID(c.ID)
}

// ContainerMount defines a bind mount for the container.
type ContainerMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ContainerSnapshot is an image committed from a container.
type ContainerSnapshot struct {
	// ImageID is the content digest docker assigns to the committed image.
	ImageID     string    `json:"image_id"`
	ImageTag    string    `json:"image_tag"`
	ContainerID string    `json:"container_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
}

// ContainerCreateOptions specifies options for creating a new container.
type ContainerCreateOptions struct {
	Name        string
	Image       string
	WorkingDir  string
	Environment []string
	Mounts      []ContainerMount
	MemoryLimit int64
	CPULimit    float64
	NetworkMode string
	Labels      map[string]string
	// PublishPorts are container ports published on an ephemeral loopback port.
	PublishPorts []int
	// Command is the container's main process (default: sleep infinity).
	Command []string
}

// ContainerExecOptions specifies options for executing a command in a container.
type ContainerExecOptions struct {
	ContainerID    string
	Binary         string
	Arguments      []string
	WorkingDir     string
	Environment    []string
	User           string
	Stdin          string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// commandRunner runs the docker binary. Tests replace it to observe arguments.
type commandRunner func(ctx context.Context, binary string, args []string, stdin io.Reader, stdout, stderr io.Writer) error

func execRunner(ctx context.Context, binary string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// DockerDriver manages long-running containers and their snapshots.
type DockerDriver struct {
	mu            sync.RWMutex
	dockerPath    string
	available     bool
	run           commandRunner
	labelPrefix   string
	containers    map[string]*Container
	auditCallback func(AuditEvent)
}

// NewDockerDriver creates a driver, probing for a responsive docker daemon.
func NewDockerDriver() *DockerDriver {
	d := &DockerDriver{
		run:         execRunner,
		labelPrefix: "toolforge",
		containers:  make(map[string]*Container),
	}
	d.detectDocker()
	return d
}

func (d *DockerDriver) detectDocker() {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		logging.EnvironmentDebug("Docker binary not found in PATH")
		return
	}
	d.dockerPath = dockerPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		logging.EnvironmentWarn("Docker found but not responsive: %v", err)
		return
	}

	d.available = true
	logging.Environment("DockerDriver available: %s", dockerPath)
}

// IsAvailable returns whether Docker is available on this system.
func (d *DockerDriver) IsAvailable() bool {
	return d.available
}

// SetAuditCallback sets the callback for audit events.
func (d *DockerDriver) SetAuditCallback(callback func(AuditEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auditCallback = callback
}

func (d *DockerDriver) emitAudit(event AuditEvent) {
	d.mu.RLock()
	callback := d.auditCallback
	d.mu.RUnlock()
	if callback != nil {
		callback(event)
	}
}

// docker runs one docker CLI call and returns trimmed stdout.
func (d *DockerDriver) docker(ctx context.Context, args ...string) (string, error) {
	if !d.available {
		return "", fmt.Errorf("docker is not available")
	}
	var stdout, stderr bytes.Buffer
	if err := d.run(ctx, d.dockerPath, args, nil, &stdout, &stderr); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// =============================================================================
// CONTAINER LIFECYCLE
// =============================================================================

func (d *DockerDriver) createArgs(opts ContainerCreateOptions) []string {
	args := []string{"create"}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Environment {
		args = append(args, "-e", env)
	}
	for _, mount := range opts.Mounts {
		mountArg := fmt.Sprintf("%s:%s", mount.Source, mount.Target)
		if mount.ReadOnly {
			mountArg += ":ro"
		}
		args = append(args, "-v", mountArg)
	}
	if opts.MemoryLimit > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", opts.MemoryLimit))
	}
	if opts.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", opts.CPULimit))
	}
	if opts.NetworkMode != "" {
		args = append(args, "--network", opts.NetworkMode)
	}
	for _, port := range opts.PublishPorts {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", port))
	}

	args = append(args, "--label", d.labelPrefix+".managed=true")
	for k, v := range opts.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, opts.Image)
	if len(opts.Command) > 0 {
		args = append(args, opts.Command...)
	} else {
		args = append(args, "sleep", "infinity")
	}
	return args
}

// CreateContainer creates a new container without starting it.
func (d *DockerDriver) CreateContainer(ctx context.Context, opts ContainerCreateOptions) (*Container, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	logging.Environment("Creating container: image=%s, name=%s", opts.Image, opts.Name)

	args := d.createArgs(opts)
	logging.EnvironmentDebug("Docker create args: %v", args)

	containerID, err := d.docker(ctx, args...)
	if err != nil {
		logging.EnvironmentError("Failed to create container: %v", err)
		return nil, err
	}

	container := &Container{
		ID:         containerID,
		Name:       opts.Name,
		Image:      opts.Image,
		State:      ContainerStateCreated,
		CreatedAt:  time.Now(),
		WorkingDir: opts.WorkingDir,
		Mounts:     opts.Mounts,
		Labels:     opts.Labels,
	}

	d.mu.Lock()
	d.containers[containerID] = container
	d.mu.Unlock()

	logging.Environment("Container created: %s (%s)", shortID(containerID), opts.Image)
	return container, nil
}

// StartContainer starts a created or stopped container.
func (d *DockerDriver) StartContainer(ctx context.Context, containerID string) error {
	if _, err := d.docker(ctx, "start", containerID); err != nil {
		logging.EnvironmentError("Failed to start container %s: %v", shortID(containerID), err)
		return err
	}
	d.setState(containerID, ContainerStateRunning)
	logging.Environment("Container started: %s", shortID(containerID))
	return nil
}

// RemoveContainer force-removes a container.
func (d *DockerDriver) RemoveContainer(ctx context.Context, containerID string) error {
	if _, err := d.docker(ctx, "rm", "-f", containerID); err != nil {
		logging.EnvironmentError("Failed to remove container %s: %v", shortID(containerID), err)
		return err
	}
	d.mu.Lock()
	delete(d.containers, containerID)
	d.mu.Unlock()
	logging.Environment("Container removed: %s", shortID(containerID))
	return nil
}

// HostPort returns the loopback host:port docker published for containerPort.
func (d *DockerDriver) HostPort(ctx context.Context, containerID string, containerPort int) (string, error) {
	out, err := d.docker(ctx, "port", containerID, fmt.Sprintf("%d/tcp", containerPort))
	if err != nil {
		return "", err
	}
	// `docker port` may print one line per address family.
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "127.0.0.1:") || strings.HasPrefix(line, "0.0.0.0:") {
			return strings.Replace(line, "0.0.0.0", "127.0.0.1", 1), nil
		}
	}
	return "", fmt.Errorf("no published ipv4 port for %d in %q", containerPort, out)
}

// IsRunning reports whether the container's main process is alive.
func (d *DockerDriver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	out, err := d.docker(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil {
		return false, err
	}
	running := out == "true"
	if running {
		d.setState(containerID, ContainerStateRunning)
	} else {
		d.setState(containerID, ContainerStateStopped)
	}
	return running, nil
}

// Logs returns the tail of the container's main process output.
func (d *DockerDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	return d.docker(ctx, "logs", "--tail", fmt.Sprintf("%d", tail), containerID)
}

func (d *DockerDriver) setState(containerID string, state ContainerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerID]; ok {
		c.State = state
	}
}

// =============================================================================
// COMMAND EXECUTION
// =============================================================================

func execArgs(opts ContainerExecOptions) []string {
	args := []string{"exec"}
	if opts.Stdin != "" {
		args = append(args, "-i")
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Environment {
		args = append(args, "-e", env)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	args = append(args, opts.ContainerID, opts.Binary)
	return append(args, opts.Arguments...)
}

// ExecInContainer executes a command in a running container using docker exec.
// State written by the command persists in the container.
func (d *DockerDriver) ExecInContainer(ctx context.Context, opts ContainerExecOptions) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryEnvironment, "Docker exec")
	defer timer.Stop()

	if !d.available {
		return nil, fmt.Errorf("docker is not available")
	}

	logging.Environment("Executing in container %s: %s %v", shortID(opts.ContainerID), opts.Binary, opts.Arguments)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput == 0 {
		maxOutput = DefaultExecutorConfig().MaxOutputBytes
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := Command{Binary: opts.Binary, Arguments: opts.Arguments, WorkingDirectory: opts.WorkingDir}
	result := &ExecutionResult{
		ExitCode:    -1,
		SandboxUsed: SandboxDocker,
		Command:     &cmd,
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	var stdin io.Reader
	if opts.Stdin != "" {
		stdin = strings.NewReader(opts.Stdin)
	}

	d.emitAudit(AuditEvent{Type: AuditEventStart, Timestamp: time.Now(), Command: cmd, ExecutorName: "docker"})

	result.StartedAt = time.Now()
	err := d.run(execCtx, d.dockerPath, execArgs(opts), stdin, stdoutLimited, stderrLimited)
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Combined = joinOutput(result.Stdout, result.Stderr)
	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
	}

	classifyRunError(result, err, execCtx, timeout)

	d.mu.Lock()
	if c, ok := d.containers[opts.ContainerID]; ok {
		c.LastExecAt = time.Now()
		c.ExecCount++
	}
	d.mu.Unlock()

	switch {
	case result.Killed:
		logging.EnvironmentWarn("Docker exec killed (%s): %s", result.KillReason, opts.Binary)
		d.emitAudit(AuditEvent{Type: AuditEventKilled, Timestamp: time.Now(), Command: cmd, Result: result, ExecutorName: "docker"})
	case !result.Success:
		logging.EnvironmentError("Docker exec failed: %s - %s", opts.Binary, result.Error)
		d.emitAudit(AuditEvent{Type: AuditEventError, Timestamp: time.Now(), Command: cmd, Result: result, ExecutorName: "docker"})
	default:
		logging.Environment("Docker exec completed: %s -> exit=%d, duration=%s", opts.Binary, result.ExitCode, result.Duration)
		d.emitAudit(AuditEvent{Type: AuditEventComplete, Timestamp: time.Now(), Command: cmd, Result: result, ExecutorName: "docker"})
	}

	return result, nil
}

// =============================================================================
// SNAPSHOT/RESTORE
// =============================================================================

// CreateSnapshot commits the container's filesystem to an image tagged tag.
func (d *DockerDriver) CreateSnapshot(ctx context.Context, containerID, tag, description string) (*ContainerSnapshot, error) {
	if tag == "" {
		return nil, fmt.Errorf("snapshot tag is required")
	}
	logging.Environment("Creating snapshot of container %s as %s", shortID(containerID), tag)

	imageID, err := d.docker(ctx, "commit", "-m", description, containerID, tag)
	if err != nil {
		logging.EnvironmentError("Failed to create snapshot: %v", err)
		return nil, err
	}

	return &ContainerSnapshot{
		ImageID:     imageID,
		ImageTag:    tag,
		ContainerID: containerID,
		CreatedAt:   time.Now(),
		Description: description,
	}, nil
}

// ImageExists reports whether a snapshot image is present locally.
func (d *DockerDriver) ImageExists(ctx context.Context, ref string) bool {
	_, err := d.docker(ctx, "image", "inspect", "-f", "{{.Id}}", ref)
	return err == nil
}

// DeleteSnapshot removes a snapshot image.
func (d *DockerDriver) DeleteSnapshot(ctx context.Context, ref string) error {
	if _, err := d.docker(ctx, "rmi", ref); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	logging.Environment("Snapshot deleted: %s", ref)
	return nil
}

// =============================================================================
// CONTAINER MANAGEMENT
// =============================================================================

// ListContainers returns all managed containers.
func (d *DockerDriver) ListContainers() []*Container {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]*Container, 0, len(d.containers))
	for _, c := range d.containers {
		result = append(result, c)
	}
	return result
}

// Cleanup removes all containers this driver created.
func (d *DockerDriver) Cleanup(ctx context.Context) error {
	var errs []error
	for _, c := range d.ListContainers() {
		if err := d.RemoveContainer(ctx, c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
