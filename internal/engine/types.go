package engine

import "time"

// ManagedLabel marks every container created by fleetd.
const ManagedLabel = "supervisor_managed"

// MountType selects how a mount is provided.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
	MountTmpfs  MountType = "tmpfs"
)

// Mount describes one filesystem mount of a container.
type Mount struct {
	Type        MountType
	Source      string
	Target      string
	ReadOnly    bool
	Propagation string // "slave", "rslave", ... empty for engine default
}

// Ulimit is a resource limit applied to the container.
type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	ContainerPort int
	Protocol      string // tcp or udp
	HostIP        string
	HostPort      int
}

// EndpointSpec configures a container's endpoint on a network.
type EndpointSpec struct {
	IPv4Address string
	Aliases     []string
}

// ContainerSpec is the engine-facing description of a container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Hostname   string
	Cmd        []string
	Entrypoint []string
	Env        map[string]string
	Labels     map[string]string

	Mounts      []Mount
	Tmpfs       map[string]string
	Ports       []PortBinding
	ExtraHosts  []string
	CapAdd      []string
	SecurityOpt []string
	Ulimits     []Ulimit

	NetworkMode string // "host", "default" or a network name
	PidMode     string
	UTSMode     string
	Privileged  bool
	Init        bool
	OpenStdin   bool
	Tty         bool

	Devices           []string // host device paths mapped 1:1
	DeviceCgroupRules []string
	OomScoreAdj       int

	StopTimeout time.Duration
	StopSignal  string

	// Network, if set, attaches the container to a bridge network at create time.
	Network     string
	NetworkSpec *EndpointSpec
}

// Health states reported by the engine healthcheck.
const (
	HealthNone      = ""
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ContainerState is the runtime status of a container.
type ContainerState struct {
	Status     string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	ExitCode   int
	Health     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ContainerInfo is the inspected view of an existing container.
type ContainerInfo struct {
	ID       string
	Name     string
	ImageID  string
	ImageRef string // image reference the container was created from
	Labels   map[string]string
	Env      []string
	State    ContainerState
	Networks map[string]string // network name -> IPv4 address
}

// Version returns the io.hass.version label, if any.
func (c *ContainerInfo) Version() string {
	if v, ok := c.Labels["io.hass.version"]; ok {
		return v
	}
	return ""
}

// ImageInfo describes a local image.
type ImageInfo struct {
	ID          string
	RepoTags    []string
	RepoDigests []string
	Labels      map[string]string
	Created     time.Time
}

// PullOptions configures an image pull.
type PullOptions struct {
	Platform string
	// RegistryAuth is the encoded X-Registry-Auth header value.
	RegistryAuth string
}

// BuildRequest is an engine build invocation over a local context directory.
type BuildRequest struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	Labels     map[string]string
	BuildArgs  map[string]string
	Platform   string
}

// NetworkSpec describes a bridge network to create.
type NetworkSpec struct {
	Name    string
	Driver  string
	Subnet  string
	Gateway string
	IPRange string
	Options map[string]string
	Labels  map[string]string
}

// NetworkEndpoint is one container attached to a network.
type NetworkEndpoint struct {
	ContainerID string
	Name        string
	IPv4Address string // bare address, prefix length stripped
}

// NetworkInfo is the inspected view of a network.
type NetworkInfo struct {
	ID         string
	Name       string
	Driver     string
	Subnet     string
	Gateway    string
	IPRange    string
	Options    map[string]string
	Containers []NetworkEndpoint
}

// ExecResult is the outcome of an ephemeral command container.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Event actions fleetd reacts to.
const (
	ActionCreate  = "create"
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionKill    = "kill"
	ActionDie     = "die"
	ActionDestroy = "destroy"
	ActionHealth  = "health_status"
)

// Event is a container event from the engine stream.
type Event struct {
	Action   string
	ID       string
	Name     string
	Health   string // set for ActionHealth
	ExitCode int    // set for ActionDie
	Labels   map[string]string
	Time     time.Time
}

// EventFilter restricts the event subscription.
type EventFilter struct {
	Labels  []string
	Actions []string
}

// RawStats is one engine stats read in the engine's JSON layout. Older and
// newer engines fill different fields; internal/stats normalizes them.
type RawStats struct {
	Read     time.Time               `json:"read"`
	CPU      CPUStats                `json:"cpu_stats"`
	PreCPU   CPUStats                `json:"precpu_stats"`
	Memory   MemoryStats             `json:"memory_stats"`
	Networks map[string]NetworkStats `json:"networks"`
	Blkio    BlkioStats              `json:"blkio_stats"`
}

type CPUUsage struct {
	TotalUsage  uint64   `json:"total_usage"`
	PercpuUsage []uint64 `json:"percpu_usage"`
}

type CPUStats struct {
	CPUUsage    CPUUsage `json:"cpu_usage"`
	SystemUsage uint64   `json:"system_cpu_usage"`
	OnlineCPUs  uint32   `json:"online_cpus"`
}

type MemoryStats struct {
	Usage uint64            `json:"usage"`
	Limit uint64            `json:"limit"`
	Stats map[string]uint64 `json:"stats"`
}

type NetworkStats struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

type BlkioEntry struct {
	Major uint64 `json:"major"`
	Minor uint64 `json:"minor"`
	Op    string `json:"op"`
	Value uint64 `json:"value"`
}

type BlkioStats struct {
	IoServiceBytesRecursive []BlkioEntry `json:"io_service_bytes_recursive"`
}
