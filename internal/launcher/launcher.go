// Package launcher spawns and reaps the child processes behind active mounts.
//
// A child is either a podman container run in foreground attach mode or a
// direct local command. Either way the launcher hands back the child's stdio
// pipes for the session layer and keeps the process handle for teardown.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"mcpregistry/pkg/logging"

	"github.com/google/uuid"
)

// Kind selects how a registry entry's server is executed.
type Kind string

const (
	// KindContainer runs the entry's container image under podman.
	KindContainer Kind = "container"
	// KindCommand runs a local command directly.
	KindCommand Kind = "command"
	// KindRemoteHTTP marks entries that point at a hosted endpoint. They
	// cannot be launched as local children.
	KindRemoteHTTP Kind = "remote-http"
)

// gracefulTimeout is how long teardown waits for a child to exit on its own
// after stdin closes before force-killing it.
const gracefulTimeout = 5 * time.Second

// Spec describes one child to launch.
type Spec struct {
	EntryID string
	Kind    Kind
	Image   string            // container image, KindContainer only
	Command []string          // argv, KindCommand only
	Env     map[string]string // extra environment for the child
}

// Launcher spawns children. PodmanPath defaults to "podman" on PATH.
type Launcher struct {
	PodmanPath string
}

// New returns a launcher using the default podman binary.
func New() *Launcher {
	return &Launcher{PodmanPath: "podman"}
}

// Child is one running server process. Stdin and Stdout belong to the
// session layer; the launcher retains the process handle for teardown.
type Child struct {
	EntryID       string
	ContainerName string // empty for direct commands

	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	podmanPath string
	cmd        *exec.Cmd
	waitCh     chan error
}

// Spawn launches the child described by spec and returns once its pipes are
// wired. It does not wait for the server inside to become ready; that is the
// initialize handshake's job.
func (l *Launcher) Spawn(ctx context.Context, spec Spec) (*Child, error) {
	switch spec.Kind {
	case KindContainer:
		return l.spawnContainer(ctx, spec)
	case KindCommand:
		return l.spawnCommand(ctx, spec)
	case KindRemoteHTTP:
		return nil, fmt.Errorf("entry %s is a remote HTTP server and cannot be launched locally", spec.EntryID)
	default:
		return nil, fmt.Errorf("entry %s has unknown launch kind %q", spec.EntryID, spec.Kind)
	}
}

func (l *Launcher) spawnContainer(ctx context.Context, spec Spec) (*Child, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("entry %s has no container image", spec.EntryID)
	}

	if err := l.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	name := containerName(spec.EntryID)
	args := containerRunArgs(spec, name)

	logging.Info("Launcher", "Starting container %s for %s (image %s)", name, spec.EntryID, spec.Image)

	cmd := exec.Command(l.podman(), args...)
	child, err := startChild(spec.EntryID, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start container for %s: %w", spec.EntryID, err)
	}
	child.ContainerName = name
	child.podmanPath = l.podman()
	return child, nil
}

func (l *Launcher) spawnCommand(_ context.Context, spec Spec) (*Child, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("entry %s has no command", spec.EntryID)
	}

	logging.Info("Launcher", "Starting command %q for %s", strings.Join(spec.Command, " "), spec.EntryID)

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), envList(spec.Env)...)

	child, err := startChild(spec.EntryID, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start command for %s: %w", spec.EntryID, err)
	}
	return child, nil
}

// ensureImage pulls the image unless it is already present locally.
func (l *Launcher) ensureImage(ctx context.Context, image string) error {
	exists := exec.CommandContext(ctx, l.podman(), "image", "exists", image)
	if err := exists.Run(); err == nil {
		return nil
	}

	logging.Info("Launcher", "Pulling image %s", image)
	pull := exec.CommandContext(ctx, l.podman(), "pull", image)
	out, err := pull.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w (%s)", image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l *Launcher) podman() string {
	if l.PodmanPath != "" {
		return l.PodmanPath
	}
	return "podman"
}

// containerName builds a unique, podman-safe container name for an entry.
func containerName(entryID string) string {
	safe := strings.NewReplacer("/", "-", ":", "-", "_", "-").Replace(entryID)
	return fmt.Sprintf("mcpreg-%s-%s", safe, uuid.NewString()[:8])
}

// containerRunArgs builds the podman run invocation: interactive (stdin
// attached), removed on exit, named for later kill.
func containerRunArgs(spec Spec, name string) []string {
	args := []string{"run", "-i", "--rm", "--name", name}
	for _, kv := range envList(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	return args
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// startChild wires the pipes, starts the process, and begins draining stderr
// and reaping in the background.
func startChild(entryID string, cmd *exec.Cmd) (*Child, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	child := &Child{
		EntryID: entryID,
		Stdin:   stdin,
		Stdout:  stdout,
		cmd:     cmd,
		waitCh:  make(chan error, 1),
	}

	go drainStderr(entryID, stderr)
	go func() {
		child.waitCh <- cmd.Wait()
	}()

	return child, nil
}

// drainStderr forwards the child's stderr to the debug log so diagnostics are
// not lost and the pipe never fills.
func drainStderr(entryID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logging.Debug("Launcher", "[%s stderr] %s", entryID, scanner.Text())
	}
}

// Pid returns the child's process id, for status reporting.
func (c *Child) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Exited returns a channel that receives the process's wait result once.
func (c *Child) Exited() <-chan error {
	return c.waitCh
}

// Teardown reaps the child. The caller is expected to have closed stdin
// already (the graceful shutdown signal); Teardown closes it again
// defensively, waits up to five seconds for a clean exit, then force-kills.
// It always returns with the process gone.
func (c *Child) Teardown(ctx context.Context) error {
	c.Stdin.Close()

	select {
	case err := <-c.waitCh:
		logging.Debug("Launcher", "Child %s exited gracefully: %v", c.EntryID, err)
		return nil
	case <-time.After(gracefulTimeout):
	case <-ctx.Done():
	}

	logging.Warn("Launcher", "Child %s did not exit after stdin close, killing", c.EntryID)

	if c.ContainerName != "" {
		kill := exec.Command(c.podmanPath, "kill", c.ContainerName)
		if out, err := kill.CombinedOutput(); err != nil {
			logging.Debug("Launcher", "podman kill %s: %v (%s)", c.ContainerName, err, strings.TrimSpace(string(out)))
		}
	}
	if c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil {
			logging.Debug("Launcher", "Kill %s: %v", c.EntryID, err)
		}
	}

	<-c.waitCh
	logging.Debug("Launcher", "Child %s reaped after kill", c.EntryID)
	return nil
}
