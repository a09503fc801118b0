package role

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/hardware"
)

// NetworkMode selects how a role container is networked.
type NetworkMode string

const (
	// Bridge attaches the container to the internal network with a fixed or pooled address.
	Bridge NetworkMode = "bridge"
	// Host shares the host network namespace; no address is assigned.
	Host NetworkMode = "host"
)

// Descriptor is the immutable declarative container spec of one role.
// Controllers never mutate a descriptor; a changed descriptor means a new
// controller.
type Descriptor struct {
	Role Role
	Slug string // add-ons only

	// Image is the repository without tag.
	Image     string
	Publisher string // empty disables trust validation

	Hostname    string
	Env         map[string]string
	Cmd         []string
	Mounts      []engine.Mount
	Tmpfs       map[string]string
	Ports       []engine.PortBinding
	CapAdd      []string
	SecurityOpt []string
	Ulimits     []engine.Ulimit
	Devices     []hardware.Class
	Privileged  bool
	Init        bool
	OpenStdin   bool
	PidMode     string
	UTSMode     string
	OomScoreAdj int
	StopTimeout time.Duration

	Network NetworkMode
	Aliases []string
	// ExtraHosts maps a hostname to the role whose address it resolves to.
	ExtraHosts map[string]Role

	Acquirer Acquirer // nil means Pull
	Executor Executor // nil: exec not supported
	Stdin    StdinWriter
}

// Name returns the container name of the descriptor.
func (d *Descriptor) Name() string {
	return ContainerName(d.Role, d.Slug)
}

// Ref returns image:version for the descriptor image.
func (d *Descriptor) Ref(version string) string {
	return ImageRef(d.Image, version)
}

// ImageRef joins a repository and a tag.
func ImageRef(image, version string) string {
	if version == "" {
		return image
	}
	return image + ":" + version
}

// SplitRef splits a reference into repository and tag. A registry port is not
// mistaken for a tag.
func SplitRef(ref string) (image, tag string) {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// DockerHub is the registry key used for images without an explicit registry host.
const DockerHub = "hub.docker.com"

// Registry returns the registry host of an image, or DockerHub.
func Registry(image string) string {
	first, _, found := strings.Cut(image, "/")
	if found && (strings.ContainsAny(first, ".:") || first == "localhost") {
		return first
	}
	return DockerHub
}

// AcquirerOrDefault returns the descriptor acquirer, defaulting to Pull.
func (d *Descriptor) AcquirerOrDefault() Acquirer {
	if d.Acquirer == nil {
		return Pull{}
	}
	return d.Acquirer
}

// ContainerSpec renders the engine create spec for version. Network fields
// and device cgroup rules are filled in by the controller at run time.
func (d *Descriptor) ContainerSpec(version string) *engine.ContainerSpec {
	spec := &engine.ContainerSpec{
		Name:        d.Name(),
		Image:       d.Ref(version),
		Hostname:    d.Hostname,
		Cmd:         slices.Clone(d.Cmd),
		Env:         maps.Clone(d.Env),
		Mounts:      slices.Clone(d.Mounts),
		Tmpfs:       maps.Clone(d.Tmpfs),
		Ports:       slices.Clone(d.Ports),
		CapAdd:      slices.Clone(d.CapAdd),
		SecurityOpt: slices.Clone(d.SecurityOpt),
		Ulimits:     slices.Clone(d.Ulimits),
		Privileged:  d.Privileged,
		Init:        d.Init,
		OpenStdin:   d.OpenStdin,
		PidMode:     d.PidMode,
		UTSMode:     d.UTSMode,
		OomScoreAdj: d.OomScoreAdj,
		StopTimeout: d.StopTimeout,
		Labels: map[string]string{
			engine.ManagedLabel: "",
			"io.hass.version":   version,
			"io.hass.type":      string(d.Role),
		},
	}
	if d.Slug != "" {
		spec.Labels["io.hass.slug"] = d.Slug
	}
	if d.Network == Host {
		spec.NetworkMode = "host"
	}
	return spec
}

// DeviceRules returns the cgroup rules for the descriptor's device classes.
func (d *Descriptor) DeviceRules(devices []hardware.Device) []string {
	if len(d.Devices) == 0 {
		return nil
	}
	return hardware.Rules(d.Devices, devices)
}

// CatalogOptions parameterize the built-in descriptors for a host.
type CatalogOptions struct {
	ExternDir   string // host-side data directory
	Arch        string // e.g. amd64, aarch64
	Machine     string // e.g. qemux86-64, used by the core image
	Timezone    string
	Registry    string // image registry prefix, default ghcr.io/home-assistant
	MachineID   string // path of /etc/machine-id, mounted when non-empty
	StopTimeout time.Duration
}

func (o CatalogOptions) extern(sub string) string {
	return filepath.Join(o.ExternDir, sub)
}

const defaultRegistry = "ghcr.io/home-assistant"

func (o CatalogOptions) registry() string {
	if o.Registry == "" {
		return defaultRegistry
	}
	return o.Registry
}

func (o CatalogOptions) image(name string) string {
	return o.registry() + "/" + o.Arch + "-" + name
}
