package tool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DockerConfig configures the container runner.
type DockerConfig struct {
	Image string // image providing the collaborator, e.g. colmap/colmap:latest
	GPUs  bool   // request all GPUs from the daemon
}

// DockerRunner runs collaborators inside a container on the host Docker daemon.
// Every mounted path is bound at the same location inside the container, so
// command arguments can use host paths unchanged.
type DockerRunner struct {
	client *client.Client
	image  string
	gpus   bool
}

// NewDockerRunner connects to the Docker daemon configured in the environment.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRunner{
		client: dockerClient,
		image:  cfg.Image,
		gpus:   cfg.GPUs,
	}, nil
}

// Close releases the daemon connection.
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

// Ready checks that the daemon answers and the image is present or pullable.
// The program itself is assumed to be provided by the image.
func (r *DockerRunner) Ready(ctx context.Context, _ string) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return r.pullImageIfNeeded(ctx)
}

// Run creates a container for cmd, streams its output to debug logs, waits for
// it to exit and removes it.
func (r *DockerRunner) Run(ctx context.Context, cmd Command) error {
	if len(cmd.Args) == 0 {
		return fmt.Errorf("%s: empty command", cmd.Name)
	}

	logger := slog.With("tool", cmd.Name, "image", r.image)

	if err := r.pullImageIfNeeded(ctx); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}

	containerID, err := r.createContainer(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to create container for %s: %w", cmd.Name, err)
	}
	defer r.removeContainer(context.WithoutCancel(ctx), containerID)

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container for %s: %w", cmd.Name, err)
	}
	logger.Debug("Container started", "containerId", containerID, "command", cmd.String())

	stdout := newLineLogger(logger, "stdout")
	stderr := newLineLogger(logger, "stderr")
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		r.streamLogs(ctx, logger, containerID, stdout, stderr)
	}()

	code, err := r.waitForExit(ctx, containerID)
	<-logDone
	stdout.Flush()
	stderr.Flush()

	if err != nil {
		return fmt.Errorf("failed waiting for %s: %w", cmd.Name, err)
	}
	if code != 0 {
		return &ExitError{Name: cmd.Name, Code: code, Tail: stderr.Tail()}
	}
	return nil
}

func (r *DockerRunner) createContainer(ctx context.Context, cmd Command) (string, error) {
	mounts, err := bindMounts(cmd.Mounts)
	if err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image:      r.image,
		Cmd:        cmd.Args,
		Env:        cmd.Env,
		WorkingDir: cmd.Dir,
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Labels: map[string]string{
			"recon.tool": cmd.Name,
			"managed-by": "recon",
		},
	}

	hostConfig := &container.HostConfig{Mounts: mounts}
	if r.gpus {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// bindMounts turns host paths into read-write binds at the same location.
// Duplicates are dropped.
func bindMounts(paths []string) ([]mount.Mount, error) {
	var seen []string
	mounts := make([]mount.Mount, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("invalid mount path %s: %w", p, err)
		}
		if slices.Contains(seen, abs) {
			continue
		}
		seen = append(seen, abs)
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: abs, Target: abs})
	}
	return mounts, nil
}

// streamLogs demultiplexes the container log stream. Each frame has an
// 8-byte header: stream type in byte 0 and big-endian payload size in bytes 4-7.
func (r *DockerRunner) streamLogs(ctx context.Context, logger *slog.Logger, containerID string, stdout, stderr io.Writer) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Warn("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	header := make([]byte, 8)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(logs, header); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Debug("Log stream ended", "error", err)
			}
			return
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, logs, int64(size)); err != nil {
			logger.Debug("Failed to read log payload", "error", err)
			return
		}
	}
}

func (r *DockerRunner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (r *DockerRunner) pullImageIfNeeded(ctx context.Context) error {
	if _, err := r.client.ImageInspect(ctx, r.image); err == nil {
		return nil
	}

	slog.Info("Pulling image", "image", r.image)
	reader, err := r.client.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *DockerRunner) removeContainer(ctx context.Context, containerID string) {
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}
