package role

import (
	"fmt"
	"strings"
	"time"

	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/hardware"
)

const publisher = "home-assistant"

var (
	mountDev    = engine.Mount{Type: engine.MountBind, Source: "/dev", Target: "/dev", ReadOnly: true}
	mountDBus   = engine.Mount{Type: engine.MountBind, Source: "/run/dbus", Target: "/run/dbus", ReadOnly: true}
	mountUdev   = engine.Mount{Type: engine.MountBind, Source: "/run/udev", Target: "/run/udev", ReadOnly: true}
	mountEngine = engine.Mount{Type: engine.MountBind, Source: "/run/docker.sock", Target: "/run/docker.sock", ReadOnly: true}
)

var unconfined = []string{"seccomp=unconfined"}

func hostname(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

func (o CatalogOptions) timeout() time.Duration {
	if o.StopTimeout > 0 {
		return o.StopTimeout
	}
	return 10 * time.Second
}

func (o CatalogOptions) env() map[string]string {
	tz := o.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return map[string]string{"TZ": tz}
}

// Builtin returns the descriptor for a non-addon role.
func Builtin(r Role, o CatalogOptions) (*Descriptor, error) {
	switch r {
	case Audio:
		return audio(o), nil
	case Cli:
		return cli(o), nil
	case DNS:
		return dns(o), nil
	case Multicast:
		return multicast(o), nil
	case Observer:
		return observer(o), nil
	case Core:
		return core(o), nil
	case Self:
		return self(o), nil
	case Addon:
		return nil, fmt.Errorf("add-on descriptors are built with NewAddon")
	}
	return nil, fmt.Errorf("unknown role %q", r)
}

func audio(o CatalogOptions) *Descriptor {
	mounts := []engine.Mount{
		mountDev,
		{Type: engine.MountBind, Source: o.extern("audio"), Target: "/data"},
		mountDBus,
		mountUdev,
	}
	if o.MachineID != "" {
		mounts = append(mounts, engine.Mount{Type: engine.MountBind, Source: o.MachineID, Target: o.MachineID, ReadOnly: true})
	}
	return &Descriptor{
		Role:        Audio,
		Image:       o.image("hassio-audio"),
		Publisher:   publisher,
		Hostname:    hostname(ContainerName(Audio, "")),
		Env:         o.env(),
		Mounts:      mounts,
		CapAdd:      []string{"SYS_NICE", "SYS_RESOURCE"},
		SecurityOpt: unconfined,
		Ulimits:     []engine.Ulimit{{Name: "rtprio", Soft: 10, Hard: 10}},
		Devices:     []hardware.Class{hardware.ClassAudio, hardware.ClassBluetooth},
		StopTimeout: o.timeout(),
		Network:     Bridge,
	}
}

func cli(o CatalogOptions) *Descriptor {
	name := ContainerName(Cli, "")
	return &Descriptor{
		Role:        Cli,
		Image:       o.image("hassio-cli"),
		Publisher:   publisher,
		Hostname:    hostname(name),
		Env:         o.env(),
		Cmd:         []string{"/init"},
		SecurityOpt: unconfined,
		StopTimeout: o.timeout(),
		Network:     Bridge,
		ExtraHosts:  map[string]Role{"supervisor": Self},
		Executor: Ephemeral{
			Name:       name + "_exec",
			Entrypoint: []string{"ha"},
			Env:        o.env(),
		},
	}
}

func dns(o CatalogOptions) *Descriptor {
	return &Descriptor{
		Role:        DNS,
		Image:       o.image("hassio-dns"),
		Publisher:   publisher,
		Hostname:    hostname(ContainerName(DNS, "")),
		Env:         o.env(),
		Mounts:      []engine.Mount{{Type: engine.MountBind, Source: o.extern("dns"), Target: "/config"}},
		SecurityOpt: unconfined,
		StopTimeout: o.timeout(),
		Network:     Bridge,
		Aliases:     []string{"dns"},
	}
}

func multicast(o CatalogOptions) *Descriptor {
	return &Descriptor{
		Role:        Multicast,
		Image:       o.image("hassio-multicast"),
		Publisher:   publisher,
		Hostname:    hostname(ContainerName(Multicast, "")),
		Env:         o.env(),
		CapAdd:      []string{"NET_ADMIN"},
		SecurityOpt: unconfined,
		StopTimeout: o.timeout(),
		Network:     Host,
		ExtraHosts:  map[string]Role{"supervisor": Self},
	}
}

func observer(o CatalogOptions) *Descriptor {
	return &Descriptor{
		Role:        Observer,
		Image:       o.image("hassio-observer"),
		Publisher:   publisher,
		Hostname:    hostname(ContainerName(Observer, "")),
		Env:         o.env(),
		Mounts:      []engine.Mount{mountEngine},
		Ports:       []engine.PortBinding{{ContainerPort: 80, Protocol: "tcp", HostPort: 4357}},
		SecurityOpt: unconfined,
		OomScoreAdj: -300,
		StopTimeout: o.timeout(),
		Network:     Bridge,
		Init:        true,
	}
}

func core(o CatalogOptions) *Descriptor {
	machine := o.Machine
	if machine == "" {
		machine = "qemu" + o.Arch
	}
	return &Descriptor{
		Role:      Core,
		Image:     o.registry() + "/" + machine + "-homeassistant",
		Publisher: publisher,
		Hostname:  hostname(ContainerName(Core, "")),
		Env:       o.env(),
		Mounts: []engine.Mount{
			mountDev,
			{Type: engine.MountBind, Source: o.extern("homeassistant"), Target: "/config"},
			{Type: engine.MountBind, Source: o.extern("ssl"), Target: "/ssl", ReadOnly: true},
			{Type: engine.MountBind, Source: o.extern("share"), Target: "/share", Propagation: "rslave"},
			{Type: engine.MountBind, Source: o.extern("media"), Target: "/media", Propagation: "rslave"},
			mountDBus,
			mountUdev,
		},
		Tmpfs:       map[string]string{"/tmp": ""},
		SecurityOpt: unconfined,
		Devices: []hardware.Class{
			hardware.ClassSerial, hardware.ClassUSB, hardware.ClassVideo,
			hardware.ClassGPIO, hardware.ClassBluetooth,
		},
		OpenStdin:   true,
		PidMode:     "host",
		OomScoreAdj: -300,
		StopTimeout: 240 * time.Second,
		Network:     Host,
		Executor: Ephemeral{
			Name:        ContainerName(Core, "") + "_exec",
			Entrypoint:  []string{},
			Env:         o.env(),
			NetworkMode: "host",
			Mounts:      []engine.Mount{{Type: engine.MountBind, Source: o.extern("homeassistant"), Target: "/config"}},
		},
		Stdin: AttachStdin{AppendNewline: true},
	}
}

func self(o CatalogOptions) *Descriptor {
	return &Descriptor{
		Role:        Self,
		Image:       o.image("hassio-supervisor"),
		Publisher:   publisher,
		Hostname:    hostname(ContainerName(Self, "")),
		StopTimeout: o.timeout(),
		Network:     Bridge,
		Aliases:     []string{"supervisor"},
	}
}

// AddonConfig is the subset of add-on metadata the controller needs. The
// metadata itself is owned by the add-on manager.
type AddonConfig struct {
	Slug        string
	Image       string // repository; for local builds the tag target
	Publisher   string
	Env         map[string]string
	Ports       []engine.PortBinding
	CapAdd      []string
	Devices     []hardware.Class
	HostNetwork bool
	Privileged  bool
	Init        bool
	Stdin       bool
	StopTimeout time.Duration
	Acquirer    Acquirer // set for add-ons built from source
}

// NewAddon builds the descriptor of an add-on.
func NewAddon(c AddonConfig, o CatalogOptions) *Descriptor {
	env := o.env()
	for k, v := range c.Env {
		env[k] = v
	}
	d := &Descriptor{
		Role:        Addon,
		Slug:        c.Slug,
		Image:       c.Image,
		Publisher:   c.Publisher,
		Hostname:    hostname(c.Slug),
		Env:         env,
		Mounts:      []engine.Mount{{Type: engine.MountBind, Source: o.extern("addons/data/" + c.Slug), Target: "/data"}},
		Ports:       c.Ports,
		CapAdd:      c.CapAdd,
		SecurityOpt: unconfined,
		Devices:     c.Devices,
		Privileged:  c.Privileged,
		Init:        c.Init,
		OpenStdin:   c.Stdin,
		StopTimeout: c.StopTimeout,
		Network:     Bridge,
		Aliases:     []string{hostname(c.Slug)},
		ExtraHosts:  map[string]Role{"supervisor": Self},
		Acquirer:    c.Acquirer,
	}
	if d.StopTimeout <= 0 {
		d.StopTimeout = o.timeout()
	}
	if c.HostNetwork {
		d.Network = Host
	}
	if c.Stdin {
		d.Stdin = AttachStdin{}
	}
	return d
}
