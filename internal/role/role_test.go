package role

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/engine/enginetest"
	"github.com/spin-stack/fleetd/internal/hardware"
)

func TestContainerName(t *testing.T) {
	tests := []struct {
		role Role
		slug string
		want string
	}{
		{Addon, "core_mosquitto", "addon_core_mosquitto"},
		{Core, "", "homeassistant"},
		{Audio, "", "hassio_audio"},
		{DNS, "", "hassio_dns"},
		{Self, "", "hassio_supervisor"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContainerName(tt.role, tt.slug))
	}
}

func TestParse(t *testing.T) {
	r, err := Parse("core")
	require.NoError(t, err)
	assert.Equal(t, Core, r)

	r, err = Parse("multicast")
	require.NoError(t, err)
	assert.Equal(t, Multicast, r)

	_, err = Parse("scheduler")
	assert.Error(t, err)
}

func TestSplitRef(t *testing.T) {
	tests := []struct {
		ref, image, tag string
	}{
		{"ghcr.io/home-assistant/amd64-hassio-audio:1.2.0", "ghcr.io/home-assistant/amd64-hassio-audio", "1.2.0"},
		{"localhost:5000/addon", "localhost:5000/addon", ""},
		{"localhost:5000/addon:2", "localhost:5000/addon", "2"},
		{"alpine", "alpine", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			image, tag := SplitRef(tt.ref)
			assert.Equal(t, tt.image, image)
			assert.Equal(t, tt.tag, tag)
			assert.Equal(t, tt.ref, ImageRef(image, tag))
		})
	}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, "ghcr.io", Registry("ghcr.io/home-assistant/amd64-hassio-dns"))
	assert.Equal(t, "localhost", Registry("localhost/addon"))
	assert.Equal(t, "registry:5000", Registry("registry:5000/addon"))
	assert.Equal(t, DockerHub, Registry("homeassistant/amd64-addon-ssh"))
	assert.Equal(t, DockerHub, Registry("alpine"))
}

func TestBuiltin_Audio(t *testing.T) {
	d, err := Builtin(Audio, CatalogOptions{
		ExternDir: "/mnt/data/supervisor",
		Arch:      "amd64",
		Timezone:  "Europe/Amsterdam",
		MachineID: "/etc/machine-id",
	})
	require.NoError(t, err)

	assert.Equal(t, "hassio_audio", d.Name())
	assert.Equal(t, "ghcr.io/home-assistant/amd64-hassio-audio:1.2.0", d.Ref("1.2.0"))

	spec := d.ContainerSpec("1.2.0")
	assert.Equal(t, "hassio-audio", spec.Hostname)
	assert.Equal(t, "Europe/Amsterdam", spec.Env["TZ"])
	assert.ElementsMatch(t, []string{"SYS_NICE", "SYS_RESOURCE"}, spec.CapAdd)
	assert.Equal(t, []engine.Ulimit{{Name: "rtprio", Soft: 10, Hard: 10}}, spec.Ulimits)
	assert.Equal(t, []string{"seccomp=unconfined"}, spec.SecurityOpt)
	assert.Equal(t, "1.2.0", spec.Labels["io.hass.version"])
	assert.Equal(t, "audio", spec.Labels["io.hass.type"])
	assert.Contains(t, spec.Labels, engine.ManagedLabel)
	assert.Empty(t, spec.NetworkMode)

	var targets []string
	for _, m := range spec.Mounts {
		targets = append(targets, m.Target)
	}
	assert.Equal(t, []string{"/dev", "/data", "/run/dbus", "/run/udev", "/etc/machine-id"}, targets)
	assert.Equal(t, "/mnt/data/supervisor/audio", spec.Mounts[1].Source)

	assert.Equal(t, []string{"c 116:* rwm", "c 13:* rwm"}, d.DeviceRules(nil))
}

func TestBuiltin_AllRoles(t *testing.T) {
	for _, r := range All {
		if r == Addon {
			_, err := Builtin(r, CatalogOptions{})
			assert.Error(t, err)
			continue
		}
		t.Run(string(r), func(t *testing.T) {
			d, err := Builtin(r, CatalogOptions{Arch: "aarch64"})
			require.NoError(t, err)
			assert.Equal(t, r, d.Role)
			assert.NotEmpty(t, d.Image)
			assert.Positive(t, d.StopTimeout)
			assert.IsType(t, Pull{}, d.AcquirerOrDefault())
		})
	}
}

func TestBuiltin_NetworkModes(t *testing.T) {
	o := CatalogOptions{Arch: "amd64", Machine: "qemux86-64"}

	mc, err := Builtin(Multicast, o)
	require.NoError(t, err)
	assert.Equal(t, "host", mc.ContainerSpec("1").NetworkMode)
	assert.Equal(t, Self, mc.ExtraHosts["supervisor"])

	core, err := Builtin(Core, o)
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/home-assistant/qemux86-64-homeassistant", core.Image)
	assert.Equal(t, 240*time.Second, core.StopTimeout)
	assert.NotNil(t, core.Executor)
	assert.NotNil(t, core.Stdin)

	self, err := Builtin(Self, o)
	require.NoError(t, err)
	assert.Equal(t, []string{"supervisor"}, self.Aliases)
	assert.Nil(t, self.Executor)
}

func TestNewAddon(t *testing.T) {
	d := NewAddon(AddonConfig{
		Slug:      "local_ssh",
		Image:     "local/amd64-addon-ssh",
		Env:       map[string]string{"TZ": "UTC", "DEBUG": "1"},
		Devices:   []hardware.Class{hardware.ClassSerial},
		Stdin:     true,
		Publisher: "",
	}, CatalogOptions{ExternDir: "/data", Timezone: "Europe/Paris"})

	assert.Equal(t, "addon_local_ssh", d.Name())
	assert.Equal(t, "local-ssh", d.Hostname)
	assert.Equal(t, "UTC", d.Env["TZ"])
	assert.Equal(t, "/data/addons/data/local_ssh", d.Mounts[0].Source)
	assert.NotNil(t, d.Stdin)
	assert.Equal(t, 10*time.Second, d.StopTimeout)

	spec := d.ContainerSpec("3.1")
	assert.Equal(t, "local_ssh", spec.Labels["io.hass.slug"])
	assert.Equal(t, "addon", spec.Labels["io.hass.type"])
}

func TestEphemeral_Exec(t *testing.T) {
	fake := enginetest.New()
	fake.AddImage("ghcr.io/home-assistant/amd64-hassio-cli:2024.1.0", nil)
	fake.ExecResult = engine.ExecResult{Stdout: []byte("ok\n"), ExitCode: 0}

	d, err := Builtin(Cli, CatalogOptions{Arch: "amd64"})
	require.NoError(t, err)

	res, err := d.Executor.Exec(t.Context(), fake, d.Ref("2024.1.0"), []string{"core", "info"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(res.Stdout))

	require.Len(t, fake.Ephemeral, 1)
	spec := fake.Ephemeral[0]
	assert.Equal(t, "hassio_cli_exec", spec.Name)
	assert.Equal(t, []string{"ha"}, spec.Entrypoint)
	assert.Equal(t, []string{"core", "info"}, spec.Cmd)
	assert.Contains(t, spec.Labels, engine.ManagedLabel)
}

func TestEphemeral_MissingImage(t *testing.T) {
	fake := enginetest.New()
	_, err := Ephemeral{Name: "x"}.Exec(t.Context(), fake, "missing:1", nil)
	assert.True(t, engine.IsNotFound(err))
}

func TestAttachStdin(t *testing.T) {
	fake := enginetest.New()
	fake.AddImage("core:1", nil)
	id, err := fake.ContainerCreate(t.Context(), &engine.ContainerSpec{Name: "homeassistant", Image: "core:1"})
	require.NoError(t, err)

	w := AttachStdin{AppendNewline: true}
	err = w.WriteStdin(t.Context(), fake, id, []byte("reload"))
	require.Error(t, err, "stdin of a stopped container")

	require.NoError(t, fake.ContainerStart(t.Context(), id))
	require.NoError(t, w.WriteStdin(t.Context(), fake, id, []byte("reload")))
	require.NoError(t, w.WriteStdin(t.Context(), fake, id, []byte("restart\n")))
	assert.Equal(t, "reload\nrestart\n", string(fake.Stdin("homeassistant")))
}
