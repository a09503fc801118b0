// Package docker implements engine.Engine on top of the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/spin-stack/fleetd/internal/engine"
)

// Client adapts a Docker API client to engine.Engine.
type Client struct {
	cli *client.Client
}

var _ engine.Engine = (*Client)(nil)

// Options configures the connection to the engine.
type Options struct {
	Host       string // empty uses DOCKER_HOST or the default socket
	APIVersion string // empty negotiates
}

// New connects to the Docker engine.
func New(opts Options) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() error {
	return c.cli.Close()
}

// classify converts transport failures into engine.ErrUnavailable and
// otherwise defers to engine.Classify.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %w", op, engine.ErrUnavailable, err)
	}
	return engine.Classify(op, err)
}

// Ping checks that the engine answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return classify("ping", err)
}

// ContainerCreate translates spec into the engine's create call.
func (c *Client) ContainerCreate(ctx context.Context, spec *engine.ContainerSpec) (string, error) {
	cfg, hostCfg, netCfg, err := toCreateConfig(spec)
	if err != nil {
		return "", err
	}
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", classify("create container "+spec.Name, err)
	}
	for _, w := range resp.Warnings {
		log.G(ctx).WithField("container", spec.Name).Warn(w)
	}
	return resp.ID, nil
}

func toCreateConfig(spec *engine.ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Hostname:   spec.Hostname,
		Image:      spec.Image,
		Env:        env,
		Labels:     spec.Labels,
		Cmd:        spec.Cmd,
		Entrypoint: spec.Entrypoint,
		OpenStdin:  spec.OpenStdin,
		StdinOnce:  false,
		Tty:        spec.Tty,
		StopSignal: spec.StopSignal,
	}
	if spec.StopTimeout > 0 {
		secs := int(spec.StopTimeout / time.Second)
		cfg.StopTimeout = &secs
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Privileged:  spec.Privileged,
		CapAdd:      spec.CapAdd,
		SecurityOpt: spec.SecurityOpt,
		PidMode:     container.PidMode(spec.PidMode),
		UTSMode:     container.UTSMode(spec.UTSMode),
		ExtraHosts:  spec.ExtraHosts,
		Tmpfs:       spec.Tmpfs,
		OomScoreAdj: spec.OomScoreAdj,
	}
	if spec.Init {
		enabled := true
		hostCfg.Init = &enabled
	}
	if hostCfg.NetworkMode == "" {
		hostCfg.NetworkMode = "default"
	}

	for _, m := range spec.Mounts {
		dm := mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
		if m.Propagation != "" && m.Type == engine.MountBind {
			dm.BindOptions = &mount.BindOptions{Propagation: mount.Propagation(m.Propagation)}
		}
		hostCfg.Mounts = append(hostCfg.Mounts, dm)
	}

	for _, u := range spec.Ulimits {
		hostCfg.Ulimits = append(hostCfg.Ulimits, &units.Ulimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}
	hostCfg.DeviceCgroupRules = spec.DeviceCgroupRules
	for _, d := range spec.Devices {
		hostCfg.Devices = append(hostCfg.Devices, container.DeviceMapping{
			PathOnHost:        d,
			PathInContainer:   d,
			CgroupPermissions: "rwm",
		})
	}

	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("invalid port %d/%s: %w", p.ContainerPort, proto, err)
			}
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: strconv.Itoa(p.HostPort),
			})
		}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		ep := &network.EndpointSettings{}
		if spec.NetworkSpec != nil {
			ep.Aliases = spec.NetworkSpec.Aliases
			if spec.NetworkSpec.IPv4Address != "" {
				ep.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: spec.NetworkSpec.IPv4Address}
			}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: ep},
		}
	}

	return cfg, hostCfg, netCfg, nil
}

func (c *Client) ContainerStart(ctx context.Context, id string) error {
	return classify("start container "+id, c.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (c *Client) ContainerStop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	return classify("stop container "+id, err)
}

func (c *Client) ContainerRemove(ctx context.Context, id string, force bool) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	return classify("remove container "+id, err)
}

func (c *Client) ContainerInspect(ctx context.Context, nameOrID string) (*engine.ContainerInfo, error) {
	resp, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, classify("inspect container "+nameOrID, err)
	}
	if resp.ContainerJSONBase == nil {
		return nil, fmt.Errorf("inspect container %s: empty response", nameOrID)
	}

	info := &engine.ContainerInfo{
		ID:       resp.ID,
		Name:     strings.TrimPrefix(resp.Name, "/"),
		ImageID:  resp.Image,
		Networks: map[string]string{},
	}
	if resp.Config != nil {
		info.ImageRef = resp.Config.Image
		info.Labels = resp.Config.Labels
		info.Env = resp.Config.Env
	}
	if st := resp.State; st != nil {
		info.State = engine.ContainerState{
			Status:   string(st.Status),
			Running:  st.Running,
			ExitCode: st.ExitCode,
		}
		if st.Health != nil {
			info.State.Health = string(st.Health.Status)
		}
		info.State.StartedAt, _ = time.Parse(time.RFC3339Nano, st.StartedAt)
		info.State.FinishedAt, _ = time.Parse(time.RFC3339Nano, st.FinishedAt)
	}
	if resp.NetworkSettings != nil {
		for name, ep := range resp.NetworkSettings.Networks {
			if ep != nil {
				info.Networks[name] = ep.IPAddress
			}
		}
	}
	return info, nil
}

func (c *Client) ContainerLogs(ctx context.Context, id string) ([]byte, error) {
	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, classify("logs "+id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, classify("logs "+id, err)
	}
	return buf.Bytes(), nil
}

func (c *Client) ContainerWriteStdin(ctx context.Context, id string, data []byte) error {
	resp, err := c.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true})
	if err != nil {
		return classify("attach "+id, err)
	}
	defer resp.Close()

	if _, err := resp.Conn.Write(data); err != nil {
		return classify("write stdin "+id, err)
	}
	return nil
}

// RunEphemeral runs spec to completion and collects its output. The
// container is always removed afterwards.
func (c *Client) RunEphemeral(ctx context.Context, spec *engine.ContainerSpec) (*engine.ExecResult, error) {
	id, err := c.ContainerCreate(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := c.ContainerRemove(rmCtx, id, true); err != nil && !engine.IsNotFound(err) {
			log.G(ctx).WithError(err).WithField("container", spec.Name).Warn("failed to remove ephemeral container")
		}
	}()

	waitCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := c.ContainerStart(ctx, id); err != nil {
		return nil, err
	}

	var exitCode int
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return nil, fmt.Errorf("wait %s: %s", id, res.Error.Message)
		}
		exitCode = int(res.StatusCode)
	case err := <-errCh:
		return nil, classify("wait "+id, err)
	case <-ctx.Done():
		return nil, classify("wait "+id, ctx.Err())
	}

	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, classify("logs "+id, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return nil, classify("logs "+id, err)
	}
	return &engine.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
}

// ContainerStats reads a single stats sample.
func (c *Client) ContainerStats(ctx context.Context, id string) (*engine.RawStats, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, classify("stats "+id, err)
	}
	defer resp.Body.Close()

	var raw engine.RawStats
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("stats %s: decode: %w", id, err)
	}
	return &raw, nil
}

// Events subscribes to container events and translates them.
func (c *Client) Events(ctx context.Context, filter engine.EventFilter) (<-chan engine.Event, <-chan error) {
	args := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	for _, l := range filter.Labels {
		args.Add("label", l)
	}
	for _, a := range filter.Actions {
		args.Add("event", a)
	}

	msgs, errs := c.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan engine.Event)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case m := <-msgs:
				ev, ok := translateEvent(m)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					errOut <- ctx.Err()
					return
				}
			case err := <-errs:
				if err == nil {
					err = io.EOF
				}
				errOut <- classify("events", err)
				return
			case <-ctx.Done():
				errOut <- ctx.Err()
				return
			}
		}
	}()
	return out, errOut
}

func translateEvent(m events.Message) (engine.Event, bool) {
	if m.Type != events.ContainerEventType {
		return engine.Event{}, false
	}
	action := string(m.Action)
	ev := engine.Event{
		ID:     m.Actor.ID,
		Name:   m.Actor.Attributes["name"],
		Labels: m.Actor.Attributes,
		Time:   time.Unix(0, m.TimeNano),
	}

	// Health events arrive as "health_status: healthy".
	if h, ok := strings.CutPrefix(action, engine.ActionHealth+":"); ok {
		ev.Action = engine.ActionHealth
		ev.Health = strings.TrimSpace(h)
		return ev, true
	}
	ev.Action = action
	if action == engine.ActionDie {
		ev.ExitCode, _ = strconv.Atoi(m.Actor.Attributes["exitCode"])
	}
	return ev, true
}
