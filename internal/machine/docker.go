package machine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"ciel/internal/cielerr"
)

// DockerController implements Controller against the Docker Engine API.
// Follows the same exec-into-a-running-container shape as a mirror executor,
// generalized from "exec back into an already-running container" to the
// full register/status/exec/stop/wait_ready lifecycle C4 requires.
type DockerController struct {
	client *client.Client
	logger *log.Logger

	// readyMarker is the conventional in-container path whose presence
	// signals readiness, probed by Status/WaitReady.
	readyMarker string
}

// NewDockerController connects to the Docker daemon using the standard
// environment-variable resolution.
func NewDockerController(logger *log.Logger) (*DockerController, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[machine] ", log.LstdFlags|log.Lmsgprefix)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, cielerr.Newf(cielerr.ContainerFailed, "connect to docker: %v", err)
	}
	return &DockerController{client: cli, logger: logger, readyMarker: "/run/ciel-ready"}, nil
}

// Register creates and starts a container rooted at opts.MergedRoot,
// named after unit. ExtraOpts are passed through as container labels so
// they are inspectable; nspawn-specific option syntax has no Docker
// equivalent and is recorded rather than interpreted.
func (d *DockerController) Register(ctx context.Context, unit string, opts RegisterOptions) error {
	cfg := &container.Config{
		Image:      "scratch",
		Entrypoint: []string{"/sbin/init"},
		Env:        scrubEnv(opts.Env),
		Labels: map[string]string{
			"ciel.unit":       unit,
			"ciel.extra-opts": strings.Join(opts.ExtraOpts, " "),
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{opts.MergedRoot + ":/:rshared"},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, unit)
	if err != nil {
		// A container by this name may already exist from a previous
		// boot; treat that as success and fall through to start.
		if !isConflict(err) {
			return cielerr.Newf(cielerr.ContainerFailed, "create %s: %v", unit, err)
		}
	} else {
		_ = resp
	}

	if err := d.client.ContainerStart(ctx, unit, container.StartOptions{}); err != nil {
		return cielerr.Newf(cielerr.ContainerFailed, "start %s: %v", unit, err)
	}
	return nil
}

// Status derives the container's observed status from Docker's own
// state plus a readiness probe: a running container is only "Running"
// once the conventional marker file exists inside it.
func (d *DockerController) Status(ctx context.Context, unit string) (Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, unit)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Absent, nil
		}
		return Absent, cielerr.Newf(cielerr.ContainerFailed, "inspect %s: %v", unit, err)
	}
	if inspect.State == nil {
		return Degraded, nil
	}
	switch {
	case inspect.State.Running:
		ready, err := d.probeReady(ctx, unit)
		if err != nil {
			return Degraded, nil
		}
		if ready {
			return Running, nil
		}
		return Starting, nil
	case inspect.State.Restarting:
		return Starting, nil
	case inspect.State.Dead, inspect.State.OOMKilled:
		return Degraded, nil
	default:
		return Absent, nil
	}
}

func (d *DockerController) probeReady(ctx context.Context, unit string) (bool, error) {
	code, err := d.Exec(ctx, unit, ExecRequest{Argv: []string{"test", "-e", d.readyMarker}})
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Exec runs argv inside the named container and returns its exit code:
// ExecCreate, attach, drain output, inspect for the exit code.
func (d *DockerController) Exec(ctx context.Context, unit string, req ExecRequest) (int, error) {
	execCfg := container.ExecOptions{
		Cmd:          req.Argv,
		Env:          scrubEnv(req.Env),
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.client.ContainerExecCreate(ctx, unit, execCfg)
	if err != nil {
		return -1, cielerr.Newf(cielerr.ContainerFailed, "exec create in %s: %v", unit, err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, cielerr.Newf(cielerr.ContainerFailed, "exec attach in %s: %v", unit, err)
	}
	defer resp.Close()

	if err := demuxTo(resp.Reader, req.Stdout, req.Stderr); err != nil {
		d.logger.Printf("warning: exec stream error in %s: %v", unit, err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, cielerr.Newf(cielerr.ContainerFailed, "exec inspect in %s: %v", unit, err)
	}
	return inspect.ExitCode, nil
}

// Stop gracefully stops the container, escalating to SIGKILL after
// timeout, and returns StopTimeout if it is still alive after a second
// equal-length grace period.
func (d *DockerController) Stop(ctx context.Context, unit string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.client.ContainerStop(ctx, unit, container.StopOptions{Timeout: &secs}); err != nil {
		return cielerr.Newf(cielerr.ContainerFailed, "stop %s: %v", unit, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := d.Status(ctx, unit)
		if err != nil {
			return err
		}
		if st == Absent {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := d.client.ContainerKill(ctx, unit, "SIGKILL"); err != nil {
		return cielerr.New(cielerr.StopTimeout, fmt.Sprintf("escalated kill of %s also failed: %v", unit, err))
	}
	return cielerr.New(cielerr.StopTimeout, fmt.Sprintf("%s did not stop within %s", unit, timeout))
}

// WaitReady polls Status until Running or timeout elapses.
func (d *DockerController) WaitReady(ctx context.Context, unit string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := d.Status(ctx, unit)
		if err != nil {
			return err
		}
		if st == Running {
			return nil
		}
		if st == Degraded {
			return cielerr.Newf(cielerr.ContainerFailed, "%s entered a degraded state while waiting for readiness", unit)
		}
		if time.Now().After(deadline) {
			return cielerr.Newf(cielerr.ContainerFailed, "%s did not become ready within %s", unit, timeout)
		}
		select {
		case <-ctx.Done():
			return cielerr.Wrap(cielerr.Canceled, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func isConflict(err error) bool {
	return err != nil && !client.IsErrNotFound(err) && httpConflict(err)
}

// httpConflict is a narrow helper isolating the string-sniffing the
// Docker client's error types force on callers who need to distinguish
// "already exists" from other create failures.
func httpConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Conflict") || strings.Contains(msg, "already in use")
}
