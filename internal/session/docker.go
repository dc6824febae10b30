package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"syscall"

	"github.com/pynchy/pynchy/internal/wsq"
)

// Spawner starts container processes. Injected so tests can run without
// a docker daemon.
type Spawner interface {
	Spawn(ctx context.Context, spec ContainerSpec) (wsq.ContainerProc, error)
	Remove(ctx context.Context, name string) error
}

// DockerSpawner shells out to the docker CLI.
type DockerSpawner struct {
	Log *slog.Logger
}

// cmdProc adapts *exec.Cmd to the registry's process handle.
type cmdProc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *cmdProc) Terminate() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *cmdProc) Kill() error      { return p.cmd.Process.Kill() }

func (p *cmdProc) Done() <-chan struct{} { return p.done }

// ExitErr returns the Wait error once Done is closed.
func (p *cmdProc) ExitErr() error { return p.err }

// Spawn runs `docker run --rm` in the foreground, capturing stdout and
// stderr into the host log. stdin is unused; all input goes through IPC.
func (d *DockerSpawner) Spawn(ctx context.Context, spec ContainerSpec) (wsq.ContainerProc, error) {
	args := []string{"run", "--rm", "--name", spec.Name}
	if spec.NetworkEnv {
		args = append(args, "--add-host", "host.docker.internal:host-gateway")
	}
	for _, m := range spec.Mounts {
		bind := fmt.Sprintf("%s:%s", m.Host, m.Container)
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	args = append(args, spec.Image)

	cmd := exec.Command("docker", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker run %s: %w", spec.Name, err)
	}

	go d.forward(spec.Name, "stdout", stdout)
	go d.forward(spec.Name, "stderr", stderr)

	p := &cmdProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Remove force-removes a container by name. Missing containers are fine.
func (d *DockerSpawner) Remove(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		d.Log.Debug("docker rm", "container", name, "output", string(out), "error", err)
	}
	return nil
}

func (d *DockerSpawner) forward(name, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		d.Log.Debug("container "+stream, "container", name, "line", sc.Text())
	}
}
