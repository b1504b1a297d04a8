// Package docker runs each task attempt in its own container via the Docker
// Engine SDK. The attempt's output directory is bind-mounted into the
// container so collected artifacts are visible to the scheduler.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/resilience"
	"github.com/kbukum/flowrun/task"
)

func init() {
	backend.RegisterFactory(backend.ProviderDocker, func(cfg backend.Config, providerCfg any, log *logger.Logger) (backend.Backend, error) {
		c := &Config{}
		if providerCfg != nil {
			pc, ok := providerCfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("docker: expected *docker.Config, got %T", providerCfg)
			}
			c = pc
		}
		c.ApplyDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return NewRunner(c, cfg.GracePeriod, cfg.DefaultLabels, log)
	})
}

// Runner implements backend.Backend using the Docker Engine SDK.
type Runner struct {
	client        *client.Client
	cfg           *Config
	grace         time.Duration
	defaultLabels map[string]string
	log           *logger.Logger

	mu          sync.Mutex
	submissions map[string]*task.Resolved
}

// NewRunner creates a Docker-backed runner.
func NewRunner(cfg *Config, grace time.Duration, defaultLabels map[string]string, log *logger.Logger) (*Runner, error) {
	opts := []client.Opt{
		client.WithHost(cfg.Host),
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	if cfg.TLS != nil && cfg.TLS.Cert != "" {
		opts = append(opts, client.WithTLSClientConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.BackendUnavailable(backend.ProviderDocker, err)
	}

	if grace == 0 {
		grace = backend.DefaultGracePeriod
	}

	return &Runner{
		client:        cli,
		cfg:           cfg,
		grace:         grace,
		defaultLabels: defaultLabels,
		log:           log.WithComponent("backend.docker"),
		submissions:   make(map[string]*task.Resolved),
	}, nil
}

// Submit pulls the image if needed, then creates and starts one container
// for the attempt.
func (r *Runner) Submit(ctx context.Context, resolved *task.Resolved, res task.Resources) (backend.Handle, error) {
	img := resolved.Image
	if img == "" {
		img = r.cfg.DefaultImage
	}
	if img == "" {
		return backend.Handle{}, errors.Configuration(
			fmt.Sprintf("docker: task %q declares no image and no default_image is configured", resolved.TaskID))
	}

	if err := r.ensureImage(ctx, img); err != nil {
		return backend.Handle{}, errors.BackendUnavailable(backend.ProviderDocker, err)
	}

	name := containerName(resolved)
	containerCfg, hostCfg, networkCfg, platform := r.buildConfigs(resolved, res, img)

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, platform, name)
	if err != nil {
		return backend.Handle{}, errors.BackendUnavailable(backend.ProviderDocker, fmt.Errorf("create container: %w", err))
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return backend.Handle{}, errors.BackendUnavailable(backend.ProviderDocker, fmt.Errorf("start container: %w", err))
	}

	r.mu.Lock()
	r.submissions[resp.ID] = resolved
	r.mu.Unlock()

	r.log.Debug("container started", map[string]interface{}{
		logger.FieldInstance: resolved.Name(),
		"container":          resp.ID[:12],
		"image":              img,
	})

	return backend.Handle{ID: resp.ID, Provider: backend.ProviderDocker}, nil
}

// Poll inspects the container and maps its state to an attempt phase.
func (r *Runner) Poll(ctx context.Context, h backend.Handle) (backend.PollResult, error) {
	info, err := r.client.ContainerInspect(ctx, h.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return backend.PollResult{
				Phase:    backend.PhaseFailed,
				ExitCode: -1,
				Message:  "container removed out of band",
			}, nil
		}
		return backend.PollResult{}, errors.BackendUnavailable(backend.ProviderDocker, fmt.Errorf("inspect container: %w", err))
	}

	switch {
	case info.State.Running || info.State.Restarting:
		return backend.PollResult{Phase: backend.PhaseRunning}, nil
	case info.State.ExitCode == 0:
		return backend.PollResult{Phase: backend.PhaseSucceeded}, nil
	default:
		msg := info.State.Error
		if msg == "" {
			msg = r.stderrTail(ctx, h.ID)
		}
		return backend.PollResult{
			Phase:    backend.PhaseFailed,
			ExitCode: info.State.ExitCode,
			Message:  msg,
		}, nil
	}
}

// Cancel stops the container, escalating to SIGKILL after the grace period,
// and removes it.
func (r *Runner) Cancel(ctx context.Context, h backend.Handle) error {
	timeout := int(r.grace.Seconds())
	if err := r.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return errors.BackendUnavailable(backend.ProviderDocker, fmt.Errorf("stop container: %w", err))
	}
	r.release(ctx, h.ID)
	return nil
}

// CollectOutputs maps declared outputs to their bind-mounted locations and
// removes the container.
func (r *Runner) CollectOutputs(ctx context.Context, h backend.Handle) (map[string]string, error) {
	r.mu.Lock()
	resolved, ok := r.submissions[h.ID]
	r.mu.Unlock()
	if !ok {
		return nil, errors.Internal(fmt.Errorf("docker: unknown handle %s", h.ID))
	}

	outputs := backend.CollectFromDir(resolved)
	r.release(ctx, h.ID)
	return outputs, nil
}

func (r *Runner) release(ctx context.Context, id string) {
	_ = r.client.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: true})
	r.mu.Lock()
	delete(r.submissions, id)
	r.mu.Unlock()
}

func (r *Runner) buildConfigs(resolved *task.Resolved, res task.Resources, img string) (*container.Config, *container.HostConfig, *network.NetworkingConfig, *ocispec.Platform) {
	labels := make(map[string]string, len(r.defaultLabels)+3)
	for k, v := range r.defaultLabels {
		labels[k] = v
	}
	labels["managed-by"] = "flowrun"
	labels["flowrun.task"] = resolved.TaskID
	if resolved.Key != "" {
		labels["flowrun.key"] = resolved.Key
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        []string{r.cfg.Shell, "-c", resolved.Command},
		WorkingDir: resolved.OutputDir,
		Labels:     labels,
	}

	hostCfg := &container.HostConfig{
		Binds: append([]string{fmt.Sprintf("%s:%s:rw", resolved.OutputDir, resolved.OutputDir)}, r.cfg.Binds...),
	}
	if res.CPU > 0 {
		hostCfg.NanoCPUs = res.CPU
	}
	if res.Memory > 0 {
		hostCfg.Memory = res.Memory
	}

	var networkCfg *network.NetworkingConfig
	switch r.cfg.Network {
	case "", "bridge", "none":
	case "host":
		hostCfg.NetworkMode = "host"
	default:
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				r.cfg.Network: {},
			},
		}
	}

	var platformSpec *ocispec.Platform
	if parts := strings.SplitN(r.cfg.Platform, "/", 2); len(parts) == 2 {
		platformSpec = &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	}

	return containerCfg, hostCfg, networkCfg, platformSpec
}

// ensureImage pulls the image if not present locally. Pulls retry with
// backoff, registries drop connections routinely.
func (r *Runner) ensureImage(ctx context.Context, imageName string) error {
	if _, err := r.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	r.log.Info("pulling image", map[string]interface{}{"image": imageName})

	pullOpts := image.PullOptions{}
	if r.cfg.Platform != "" {
		pullOpts.Platform = r.cfg.Platform
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 3
	return resilience.RetryFunc(ctx, cfg, func() error {
		reader, err := r.client.ImagePull(ctx, imageName, pullOpts)
		if err != nil {
			return fmt.Errorf("pull %s: %w", imageName, err)
		}
		defer reader.Close() //nolint:errcheck // Error on close is safe to ignore for read operations
		_, _ = io.Copy(io.Discard, reader)
		return nil
	})
}

// stderrTail fetches the last log lines for a failed container.
func (r *Runner) stderrTail(ctx context.Context, id string) string {
	reader, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: false,
		ShowStderr: true,
		Tail:       "5",
	})
	if err != nil {
		return ""
	}
	defer reader.Close() //nolint:errcheck // Error on close is safe to ignore for read operations

	raw, err := io.ReadAll(io.LimitReader(reader, 4096))
	if err != nil {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		// Docker multiplexes streams with an 8-byte header; strip it.
		if len(line) > 8 {
			line = line[8:]
		}
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func containerName(resolved *task.Resolved) string {
	name := "flowrun-" + resolved.TaskID
	if resolved.Key != "" {
		name += "-" + resolved.Key
	}
	name = strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		}
		return '-'
	}, name)
	return name + "-" + uuid.NewString()[:8]
}

var _ backend.Backend = (*Runner)(nil)
