package docker

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types/network"

	"github.com/spin-stack/fleetd/internal/engine"
)

func (c *Client) NetworkInspect(ctx context.Context, name string) (*engine.NetworkInfo, error) {
	resp, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return nil, classify("inspect network "+name, err)
	}

	info := &engine.NetworkInfo{
		ID:      resp.ID,
		Name:    resp.Name,
		Driver:  resp.Driver,
		Options: resp.Options,
	}
	for _, cfg := range resp.IPAM.Config {
		// The bridge may carry an IPv6 pool too; the first IPv4 entry is ours.
		if strings.Contains(cfg.Subnet, ":") {
			continue
		}
		info.Subnet = cfg.Subnet
		info.Gateway = cfg.Gateway
		info.IPRange = cfg.IPRange
		break
	}
	for id, ep := range resp.Containers {
		addr, _, _ := strings.Cut(ep.IPv4Address, "/")
		info.Containers = append(info.Containers, engine.NetworkEndpoint{
			ContainerID: id,
			Name:        ep.Name,
			IPv4Address: addr,
		})
	}
	return info, nil
}

func (c *Client) NetworkCreate(ctx context.Context, spec *engine.NetworkSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}
	resp, err := c.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver: driver,
		IPAM: &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{
				Subnet:  spec.Subnet,
				Gateway: spec.Gateway,
				IPRange: spec.IPRange,
			}},
		},
		Options: spec.Options,
		Labels:  spec.Labels,
	})
	if err != nil {
		return "", classify("create network "+spec.Name, err)
	}
	return resp.ID, nil
}

func (c *Client) NetworkRemove(ctx context.Context, id string) error {
	return classify("remove network "+id, c.cli.NetworkRemove(ctx, id))
}

func (c *Client) NetworkConnect(ctx context.Context, name, containerID string, ep *engine.EndpointSpec) error {
	settings := &network.EndpointSettings{}
	if ep != nil {
		settings.Aliases = ep.Aliases
		if ep.IPv4Address != "" {
			settings.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: ep.IPv4Address}
		}
	}
	return classify("connect "+containerID+" to "+name, c.cli.NetworkConnect(ctx, name, containerID, settings))
}

func (c *Client) NetworkDisconnect(ctx context.Context, name, containerID string, force bool) error {
	return classify("disconnect "+containerID+" from "+name, c.cli.NetworkDisconnect(ctx, name, containerID, force))
}
