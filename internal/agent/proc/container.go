package proc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// ContainerLauncher runs jobs inside Docker containers.
type ContainerLauncher struct {
	client *client.Client
	logger zerolog.Logger
}

// NewContainerLauncher creates a Docker-backed launcher. An empty
// dockerHost uses the environment default.
func NewContainerLauncher(dockerHost string, logger zerolog.Logger) (*ContainerLauncher, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}

	return &ContainerLauncher{
		client: cli,
		logger: logger.With().Str("launcher", "container").Logger(),
	}, nil
}

// Name returns the executor kind this launcher serves.
func (l *ContainerLauncher) Name() string {
	return "container"
}

// Launch pulls the job image, starts a container running the command,
// and begins demuxing its log stream into the sink.
func (l *ContainerLauncher) Launch(ctx context.Context, spec Spec, output *Sink) (Handle, error) {
	if spec.ContainerImage == "" {
		return nil, errors.New("container image is required")
	}
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}

	if err := l.pullImage(ctx, spec.ContainerImage); err != nil {
		return nil, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image:      spec.ContainerImage,
		Cmd:        append([]string{spec.Command}, spec.Args...),
		Env:        env,
		WorkingDir: spec.WorkDir,
		Labels: map[string]string{
			"dispatchd.instance_id": spec.InstanceID.String(),
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode("bridge"),
	}
	// The sampler enforces these too; Docker's native limits are the
	// backstop.
	if spec.Limits.MaxMemoryBytes > 0 {
		hostConfig.Resources.Memory = spec.Limits.MaxMemoryBytes
		hostConfig.Resources.MemorySwap = spec.Limits.MaxMemoryBytes
	}
	if spec.Limits.MaxCPUPercent > 0 {
		hostConfig.Resources.NanoCPUs = int64(spec.Limits.MaxCPUPercent / 100 * 1e9)
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	h := &containerHandle{
		client:      l.client,
		logger:      l.logger,
		containerID: resp.ID,
		done:        make(chan struct{}),
	}
	h.logWG.Add(1)
	go h.streamLogs(output)
	go h.reap()

	l.logger.Debug().
		Str("container_id", resp.ID).
		Str("image", spec.ContainerImage).
		Msg("Container started")
	return h, nil
}

// pullImage pulls the image, consuming the progress stream.
func (l *ContainerLauncher) pullImage(ctx context.Context, imageName string) error {
	l.logger.Debug().Str("image", imageName).Msg("Pulling image")

	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *ContainerLauncher) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := container.RemoveOptions{Force: true, RemoveVolumes: true}
	if err := l.client.ContainerRemove(ctx, containerID, opts); err != nil {
		l.logger.Warn().Err(err).Str("container_id", containerID).Msg("Failed to remove container")
	}
}

// Close closes the Docker client.
func (l *ContainerLauncher) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// containerHandle supervises one container.
type containerHandle struct {
	client      *client.Client
	logger      zerolog.Logger
	containerID string
	logWG       sync.WaitGroup

	done     chan struct{}
	exitCode int
	waitErr  error
}

// streamLogs follows the container's multiplexed output into the sink.
func (h *containerHandle) streamLogs(output *Sink) {
	defer h.logWG.Done()

	reader, err := h.client.ContainerLogs(context.Background(), h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("container_id", h.containerID).Msg("Failed to attach container logs")
		return
	}
	defer reader.Close()

	_, err = stdcopy.StdCopy(output.StreamWriter(StreamStdout), output.StreamWriter(StreamStderr), reader)
	if err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug().Err(err).Str("container_id", h.containerID).Msg("Error copying container output")
	}
}

// reap waits for the container to stop, drains the log stream, and
// removes the container.
func (h *containerHandle) reap() {
	statusCh, errCh := h.client.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		h.exitCode, h.waitErr = -1, err
	case status := <-statusCh:
		h.exitCode = int(status.StatusCode)
		if status.Error != nil {
			h.waitErr = errors.New(status.Error.Message)
		}
	}

	h.logWG.Wait()

	removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	opts := container.RemoveOptions{Force: true, RemoveVolumes: true}
	if err := h.client.ContainerRemove(removeCtx, h.containerID, opts); err != nil {
		h.logger.Warn().Err(err).Str("container_id", h.containerID).Msg("Failed to remove container")
	}

	close(h.done)
}

// Wait blocks until the container exit is observed.
func (h *containerHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, h.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill terminates the container.
func (h *containerHandle) Kill(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.client.ContainerKill(ctx, h.containerID, "KILL"); err != nil {
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

// Usage samples container stats. A single non-streaming stats call
// carries the previous CPU sample, enough for a usage delta.
func (h *containerHandle) Usage(ctx context.Context) (Usage, error) {
	select {
	case <-h.done:
		return Usage{}, errors.New("container exited")
	default:
	}

	resp, err := h.client.ContainerStats(ctx, h.containerID, false)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("failed to decode container stats: %w", err)
	}

	var cpu float64
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(stats.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		cpu = cpuDelta / sysDelta * online * 100
	}

	return Usage{
		MemoryBytes: int64(stats.MemoryStats.Usage),
		CPUPercent:  cpu,
	}, nil
}

var _ Launcher = (*ContainerLauncher)(nil)
