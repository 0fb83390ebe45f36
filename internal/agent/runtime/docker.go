package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// managedLabel marks containers owned by this agent. ListManaged filters on
// it so containers started by other tooling on the host are never touched.
const managedLabel = "sh.conductor.managed"

// serviceLabel records which service a managed container belongs to.
const serviceLabel = "sh.conductor.service"

// stopTimeoutSeconds is how long the engine waits for a container to exit
// before killing it.
const stopTimeoutSeconds = 10

// Docker drives the local Docker daemon. Create instances with NewDocker.
type Docker struct {
	cli    *dockerclient.Client
	logger *zap.Logger
}

// NewDocker connects to the daemon using the SDK defaults (DOCKER_HOST env
// var, or the platform socket). The connection is lazy; call Ping to detect
// an absent daemon early.
func NewDocker(logger *zap.Logger) (*Docker, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return &Docker{cli: cli, logger: logger.Named("docker")}, nil
}

// Ping implements Runtime.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// PullImage implements Runtime. The pull stream is drained to completion;
// Docker performs the pull lazily as the response body is read.
func (d *Docker) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrImagePull, ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrImagePull, ref, err)
	}
	d.logger.Info("image pulled", zap.String("image", ref))
	return nil
}

// Run implements Runtime. An existing container with the same name is
// removed first so updates converge on the new spec.
func (d *Docker) Run(ctx context.Context, spec Spec) (string, error) {
	if existing, err := d.Inspect(ctx, spec.Name); err == nil {
		if err := d.Remove(ctx, existing.ID); err != nil {
			return "", fmt.Errorf("runtime: replacing container %s: %w", spec.Name, err)
		}
	}

	config := &container.Config{
		Image: spec.Image,
		Env:   envSlice(spec.Env),
		Labels: map[string]string{
			managedLabel: "true",
			serviceLabel: spec.Name,
		},
		ExposedPorts: nat.PortSet{},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
		config.ExposedPorts[port] = struct{}{}
		hostConfig.PortBindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		}}
	}

	for _, v := range spec.Volumes {
		bind := v.Source + ":" + v.Target
		if v.ReadOnly {
			bind += ":ro"
		}
		hostConfig.Binds = append(hostConfig.Binds, bind)
	}

	if spec.CPULimit > 0 {
		hostConfig.Resources.NanoCPUs = int64(spec.CPULimit * 1e9)
	}
	if spec.MemoryLimitMB > 0 {
		hostConfig.Resources.Memory = spec.MemoryLimitMB * 1024 * 1024
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", d.classify(err, "creating container "+spec.Name)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", d.classify(err, "starting container "+spec.Name)
	}

	d.logger.Info("container started",
		zap.String("service", spec.Name),
		zap.String("container_id", shortID(resp.ID)),
		zap.String("image", spec.Image))
	return resp.ID, nil
}

// Stop implements Runtime.
func (d *Docker) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		return d.classify(err, "stopping container "+shortID(containerID))
	}
	return nil
}

// Remove implements Runtime.
func (d *Docker) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return d.classify(err, "removing container "+shortID(containerID))
	}
	return nil
}

// Inspect implements Runtime. containerID may be a name.
func (d *Docker) Inspect(ctx context.Context, containerID string) (*ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, d.classify(err, "inspecting container "+shortID(containerID))
	}

	state := &ContainerState{
		ID:    info.ID,
		Name:  trimName(info.Name),
		Image: info.Config.Image,
	}
	if info.State != nil {
		state.Running = info.State.Running
		state.Status = info.State.Status
	}
	return state, nil
}

// ListManaged implements Runtime.
func (d *Docker) ListManaged(ctx context.Context) ([]ContainerState, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, d.classify(err, "listing containers")
	}

	out := make([]ContainerState, 0, len(summaries))
	for _, s := range summaries {
		state := ContainerState{
			ID:      s.ID,
			Image:   s.Image,
			Running: s.State == "running",
			Status:  s.Status,
		}
		if name, ok := s.Labels[serviceLabel]; ok {
			state.Name = name
		} else if len(s.Names) > 0 {
			state.Name = trimName(s.Names[0])
		}
		out = append(out, state)
	}
	return out, nil
}

// classify maps an SDK error onto the package sentinels.
func (d *Docker) classify(err error, doing string) error {
	switch {
	case dockerclient.IsErrNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, doing)
	case dockerclient.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, doing, err)
	default:
		return fmt.Errorf("runtime: %s: %w", doing, err)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// trimName strips the leading slash Docker puts on container names.
func trimName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
