package docker

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/fleetd/internal/engine"
)

func TestToCreateConfig(t *testing.T) {
	spec := &engine.ContainerSpec{
		Name:     "hassio_audio",
		Image:    "ghcr.io/home-assistant/amd64-hassio-audio:1.2.0",
		Hostname: "hassio-audio",
		Env:      map[string]string{"TZ": "UTC"},
		Labels:   map[string]string{engine.ManagedLabel: ""},
		Mounts: []engine.Mount{
			{Type: engine.MountBind, Source: "/dev", Target: "/dev", ReadOnly: true, Propagation: "slave"},
			{Type: engine.MountBind, Source: "/usr/share/hassio/audio", Target: "/data"},
		},
		Ports:             []engine.PortBinding{{ContainerPort: 4357, HostPort: 4357}},
		CapAdd:            []string{"SYS_NICE", "SYS_RESOURCE"},
		Ulimits:           []engine.Ulimit{{Name: "rtprio", Soft: 10, Hard: 10}},
		DeviceCgroupRules: []string{"c 116:* rmw"},
		Init:              true,
		StopTimeout:       15 * time.Second,
		Network:           "hassio",
		NetworkSpec:       &engine.EndpointSpec{IPv4Address: "172.30.32.4", Aliases: []string{"audio"}},
	}

	cfg, hostCfg, netCfg, err := toCreateConfig(spec)
	require.NoError(t, err)

	assert.Equal(t, []string{"TZ=UTC"}, cfg.Env)
	require.NotNil(t, cfg.StopTimeout)
	assert.Equal(t, 15, *cfg.StopTimeout)
	assert.Contains(t, cfg.ExposedPorts, nat.Port("4357/tcp"))

	assert.Equal(t, "default", string(hostCfg.NetworkMode))
	require.NotNil(t, hostCfg.Init)
	assert.True(t, *hostCfg.Init)
	require.Len(t, hostCfg.Mounts, 2)
	require.NotNil(t, hostCfg.Mounts[0].BindOptions)
	assert.Equal(t, mount.PropagationSlave, hostCfg.Mounts[0].BindOptions.Propagation)
	assert.Nil(t, hostCfg.Mounts[1].BindOptions)
	require.Len(t, hostCfg.Ulimits, 1)
	assert.Equal(t, int64(10), hostCfg.Ulimits[0].Soft)
	assert.Equal(t, []string{"c 116:* rmw"}, hostCfg.DeviceCgroupRules)
	assert.Equal(t, "4357", hostCfg.PortBindings[nat.Port("4357/tcp")][0].HostPort)

	require.NotNil(t, netCfg)
	ep := netCfg.EndpointsConfig["hassio"]
	require.NotNil(t, ep)
	assert.Equal(t, "172.30.32.4", ep.IPAMConfig.IPv4Address)
	assert.Equal(t, []string{"audio"}, ep.Aliases)
}

func TestToCreateConfig_HostNetwork(t *testing.T) {
	_, hostCfg, netCfg, err := toCreateConfig(&engine.ContainerSpec{
		Name:        "hassio_multicast",
		Image:       "multicast:1",
		NetworkMode: "host",
	})
	require.NoError(t, err)
	assert.Equal(t, "host", string(hostCfg.NetworkMode))
	assert.Nil(t, netCfg)
	assert.Nil(t, hostCfg.Init)
}

func TestTranslateEvent(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		msg    events.Message
		want   engine.Event
		wantOK bool
	}{
		{
			name: "die carries exit code",
			msg: events.Message{
				Type:     events.ContainerEventType,
				Action:   events.ActionDie,
				Actor:    events.Actor{ID: "abc", Attributes: map[string]string{"name": "hassio_audio", "exitCode": "137"}},
				TimeNano: now.UnixNano(),
			},
			want:   engine.Event{Action: engine.ActionDie, ID: "abc", Name: "hassio_audio", ExitCode: 137},
			wantOK: true,
		},
		{
			name: "health status is split",
			msg: events.Message{
				Type:     events.ContainerEventType,
				Action:   events.Action("health_status: unhealthy"),
				Actor:    events.Actor{ID: "abc", Attributes: map[string]string{"name": "homeassistant"}},
				TimeNano: now.UnixNano(),
			},
			want:   engine.Event{Action: engine.ActionHealth, ID: "abc", Name: "homeassistant", Health: engine.HealthUnhealthy},
			wantOK: true,
		},
		{
			name: "non container events are dropped",
			msg:  events.Message{Type: events.NetworkEventType, Action: events.ActionConnect},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translateEvent(tt.msg)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want.Action, got.Action)
			assert.Equal(t, tt.want.ID, got.ID)
			assert.Equal(t, tt.want.Name, got.Name)
			assert.Equal(t, tt.want.Health, got.Health)
			assert.Equal(t, tt.want.ExitCode, got.ExitCode)
			assert.Equal(t, now.UnixNano(), got.Time.UnixNano())
		})
	}
}
