// Package runtime abstracts the container engine the supervisor drives.
// The production implementation talks to the Docker daemon; tests swap in a
// fake. All methods classify engine failures into the package's sentinel
// errors so the supervisor can report a stable error class upstream.
package runtime

import (
	"context"
	"errors"
)

// Sentinel errors. Callers use errors.Is to map failures onto the error
// classes reported back to the conductor.
var (
	// ErrUnavailable is returned when the engine daemon cannot be reached.
	ErrUnavailable = errors.New("runtime: engine unavailable")

	// ErrImagePull is returned when an image cannot be pulled.
	ErrImagePull = errors.New("runtime: image pull failed")

	// ErrNotFound is returned when the named container does not exist.
	ErrNotFound = errors.New("runtime: container not found")
)

// Spec describes one container the supervisor wants running.
type Spec struct {
	// Name is the service name; it doubles as the container name.
	Name string

	Image string
	Env   map[string]string

	// Ports maps host ports to container ports.
	Ports []PortBinding

	// Volumes binds host paths into the container.
	Volumes []VolumeBinding

	// CPULimit caps CPU in fractional cores; 0 means unlimited.
	CPULimit float64

	// MemoryLimitMB caps memory in megabytes; 0 means unlimited.
	MemoryLimitMB int64
}

// PortBinding publishes one container port on the host.
type PortBinding struct {
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" (default) or "udp"
}

// VolumeBinding mounts one host path.
type VolumeBinding struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerState is the engine's view of one managed container.
type ContainerState struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Status  string // engine status string, e.g. "running", "exited (1)"
}

// Runtime is the engine surface the supervisor needs.
type Runtime interface {
	// Ping reports whether the engine is reachable.
	Ping(ctx context.Context) error

	// PullImage fetches an image, blocking until the pull completes.
	PullImage(ctx context.Context, image string) error

	// Run creates and starts a container from spec, replacing any existing
	// container with the same name. Returns the container id.
	Run(ctx context.Context, spec Spec) (string, error)

	// Stop stops a container. Stopping a stopped container is a no-op.
	Stop(ctx context.Context, containerID string) error

	// Remove deletes a container, stopping it first if needed.
	Remove(ctx context.Context, containerID string) error

	// Inspect returns the state of one container.
	Inspect(ctx context.Context, containerID string) (*ContainerState, error)

	// ListManaged returns the containers this agent manages.
	ListManaged(ctx context.Context) ([]ContainerState, error)
}

// Unavailable is a Runtime whose every call fails with ErrUnavailable. The
// agent substitutes it when the engine client cannot even be constructed, so
// the rest of the agent keeps running and deployments fail with a clear class.
type Unavailable struct{}

func (Unavailable) Ping(context.Context) error                { return ErrUnavailable }
func (Unavailable) PullImage(context.Context, string) error   { return ErrUnavailable }
func (Unavailable) Run(context.Context, Spec) (string, error) { return "", ErrUnavailable }
func (Unavailable) Stop(context.Context, string) error        { return ErrUnavailable }
func (Unavailable) Remove(context.Context, string) error      { return ErrUnavailable }
func (Unavailable) Inspect(context.Context, string) (*ContainerState, error) {
	return nil, ErrUnavailable
}
func (Unavailable) ListManaged(context.Context) ([]ContainerState, error) {
	return nil, ErrUnavailable
}
