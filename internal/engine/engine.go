// Package engine defines the container engine operations fleetd depends on.
//
// The interfaces are split by concern so that components only depend on the
// slice of the engine they use: the network manager needs NetworkAPI, the
// stats collector needs StatsAPI, the monitor needs EventAPI.
package engine

import (
	"context"
	"time"
)

// ContainerAPI manages container lifecycles.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, spec *ContainerSpec) (string, error)
	ContainerStart(ctx context.Context, id string) error
	// ContainerStop sends the stop signal and force-kills after timeout.
	ContainerStop(ctx context.Context, id string, timeout time.Duration) error
	ContainerRemove(ctx context.Context, id string, force bool) error
	ContainerInspect(ctx context.Context, nameOrID string) (*ContainerInfo, error)
	ContainerLogs(ctx context.Context, id string) ([]byte, error)
	// ContainerWriteStdin attaches to a running container and writes data to its stdin.
	ContainerWriteStdin(ctx context.Context, id string, data []byte) error
	// RunEphemeral creates, runs and removes a one-off container and returns its output.
	RunEphemeral(ctx context.Context, spec *ContainerSpec) (*ExecResult, error)
}

// ImageAPI manages local images.
type ImageAPI interface {
	ImagePull(ctx context.Context, ref string, opts PullOptions) error
	ImageBuild(ctx context.Context, req *BuildRequest) error
	ImageInspect(ctx context.Context, ref string) (*ImageInfo, error)
	// ImageList returns local images whose repository matches repo.
	ImageList(ctx context.Context, repo string) ([]ImageInfo, error)
	ImageRemove(ctx context.Context, ref string, force bool) error
	ImageTag(ctx context.Context, source, target string) error
}

// NetworkAPI manages engine networks and endpoints.
type NetworkAPI interface {
	NetworkInspect(ctx context.Context, name string) (*NetworkInfo, error)
	NetworkCreate(ctx context.Context, spec *NetworkSpec) (string, error)
	NetworkRemove(ctx context.Context, id string) error
	NetworkConnect(ctx context.Context, network, containerID string, ep *EndpointSpec) error
	NetworkDisconnect(ctx context.Context, network, containerID string, force bool) error
}

// StatsAPI reads resource counters.
type StatsAPI interface {
	// ContainerStats returns one sample; it never streams.
	ContainerStats(ctx context.Context, id string) (*RawStats, error)
}

// EventAPI exposes the engine event stream.
type EventAPI interface {
	// Events subscribes to engine events matching filter. The error channel
	// receives exactly one value when the stream ends.
	Events(ctx context.Context, filter EventFilter) (<-chan Event, <-chan error)
	Ping(ctx context.Context) error
}

// Engine is the full engine surface.
type Engine interface {
	ContainerAPI
	ImageAPI
	NetworkAPI
	StatsAPI
	EventAPI
	Close() error
}
