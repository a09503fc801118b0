package enginetest

import (
	"context"
	"fmt"
	"maps"
	"net"
	"slices"

	"github.com/spin-stack/fleetd/internal/engine"
)

func (f *Fake) NetworkInspect(ctx context.Context, name string) (*engine.NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("NetworkInspect"); err != nil {
		return nil, err
	}
	n, ok := f.networks[name]
	if !ok {
		return nil, notFound("network", name)
	}
	info := n.info
	info.Options = maps.Clone(n.info.Options)
	info.Containers = nil
	for _, id := range slices.Sorted(maps.Keys(n.endpoints)) {
		info.Containers = append(info.Containers, n.endpoints[id])
	}
	return &info, nil
}

func (f *Fake) NetworkCreate(ctx context.Context, spec *engine.NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("NetworkCreate"); err != nil {
		return "", err
	}
	return f.createNetworkLocked(spec)
}

// AddNetwork creates a network directly, without counting a call or
// consuming injected failures.
func (f *Fake) AddNetwork(spec engine.NetworkSpec) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.createNetworkLocked(&spec)
	if err != nil {
		panic(err)
	}
	return id
}

func (f *Fake) createNetworkLocked(spec *engine.NetworkSpec) (string, error) {
	if _, ok := f.networks[spec.Name]; ok {
		return "", conflict("network with name %s already exists", spec.Name)
	}
	if _, _, err := net.ParseCIDR(spec.Subnet); err != nil {
		return "", fmt.Errorf("invalid subnet %s: %w", spec.Subnet, err)
	}
	f.nextID++
	id := fmt.Sprintf("%064x", 1<<32+f.nextID)
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}
	f.networks[spec.Name] = &fakeNetwork{
		info: engine.NetworkInfo{
			ID:      id,
			Name:    spec.Name,
			Driver:  driver,
			Subnet:  spec.Subnet,
			Gateway: spec.Gateway,
			IPRange: spec.IPRange,
			Options: maps.Clone(spec.Options),
		},
		endpoints: map[string]engine.NetworkEndpoint{},
		aliases:   map[string][]string{},
	}
	return id, nil
}

func (f *Fake) networkByNameOrID(nameOrID string) (*fakeNetwork, bool) {
	if n, ok := f.networks[nameOrID]; ok {
		return n, true
	}
	for _, n := range f.networks {
		if n.info.ID == nameOrID {
			return n, true
		}
	}
	return nil, false
}

func (f *Fake) NetworkRemove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("NetworkRemove"); err != nil {
		return err
	}
	n, ok := f.networkByNameOrID(id)
	if !ok {
		return notFound("network", id)
	}
	if len(n.endpoints) > 0 {
		return conflict("network %s has active endpoints", n.info.Name)
	}
	delete(f.networks, n.info.Name)
	return nil
}

func (f *Fake) NetworkConnect(ctx context.Context, name, containerID string, ep *engine.EndpointSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("NetworkConnect"); err != nil {
		return err
	}
	return f.connectLocked(name, containerID, ep)
}

func (f *Fake) connectLocked(name, containerID string, ep *engine.EndpointSpec) error {
	n, ok := f.networkByNameOrID(name)
	if !ok {
		return notFound("network", name)
	}
	c, ok := f.lookup(containerID)
	if !ok {
		return notFound("container", containerID)
	}
	if _, ok := n.endpoints[c.info.ID]; ok {
		return conflict("endpoint with name %s already exists in network %s", c.info.Name, n.info.Name)
	}

	addr := ""
	if ep != nil {
		addr = ep.IPv4Address
	}
	if addr != "" {
		_, subnet, _ := net.ParseCIDR(n.info.Subnet)
		ip := net.ParseIP(addr)
		if ip == nil || !subnet.Contains(ip) {
			return fmt.Errorf("address %s is not in subnet %s", addr, n.info.Subnet)
		}
		for _, other := range n.endpoints {
			if other.IPv4Address == addr {
				return conflict("address %s already in use", addr)
			}
		}
	}
	n.endpoints[c.info.ID] = engine.NetworkEndpoint{
		ContainerID: c.info.ID,
		Name:        c.info.Name,
		IPv4Address: addr,
	}
	if ep != nil {
		n.aliases[c.info.ID] = slices.Clone(ep.Aliases)
	}
	c.info.Networks[n.info.Name] = addr
	return nil
}

func (f *Fake) NetworkDisconnect(ctx context.Context, name, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("NetworkDisconnect"); err != nil {
		return err
	}
	n, ok := f.networkByNameOrID(name)
	if !ok {
		return notFound("network", name)
	}
	id := containerID
	if c, ok := f.lookup(containerID); ok {
		id = c.info.ID
		delete(c.info.Networks, n.info.Name)
	}
	if _, ok := n.endpoints[id]; !ok {
		if force {
			// A forced disconnect also clears endpoints by name.
			for eid, ep := range n.endpoints {
				if ep.Name == containerID {
					delete(n.endpoints, eid)
					return nil
				}
			}
		}
		return notFound("endpoint", containerID)
	}
	delete(n.endpoints, id)
	delete(n.aliases, id)
	return nil
}

// Aliases returns the aliases a container was connected with.
func (f *Fake) Aliases(network, nameOrID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[network]
	c, cok := f.lookup(nameOrID)
	if !ok || !cok {
		return nil
	}
	return slices.Clone(n.aliases[c.info.ID])
}
