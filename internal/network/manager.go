// Package network owns the internal bridge network of managed containers and
// the container name to address map.
//
// # Synchronization Model
//
// A single mutex (mu) guards address allocation, the in-memory address map and
// every engine call that changes endpoints of the internal network. Attach,
// Detach, Ensure and Address therefore never interleave; callers that need
// per-container serialization (the lifecycle controllers) hold their own
// per-name lock outside of this one.
//
// # Persistence
//
// Every change to the address map is written through to the store before the
// call returns. On construction the persisted map is normalized against the
// configured topology: fixed role addresses are recomputed from the subnet and
// add-on addresses outside the dynamic range are reallocated.
package network

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/fleetd/internal/boltstore"
	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/network/ipallocator"
	"github.com/spin-stack/fleetd/internal/role"
)

const defaultBridge = "bridge"

// Manager reconciles the internal network and assigns addresses.
type Manager struct {
	api   engine.NetworkAPI
	store boltstore.Store[Assignment]
	topo  Topology

	subnet  netip.Prefix
	gateway netip.Addr

	mu       sync.Mutex
	pool     *ipallocator.Allocator
	assigned map[string]*Assignment

	metrics Metrics
}

// New loads the persisted address map and normalizes it for topo.
func New(ctx context.Context, api engine.NetworkAPI, store boltstore.Store[Assignment], topo Topology) (*Manager, error) {
	subnet, err := netip.ParsePrefix(topo.Subnet)
	if err != nil {
		return nil, fmt.Errorf("subnet: %w", err)
	}
	gateway, err := netip.ParseAddr(topo.Gateway)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	pool, err := ipallocator.New(topo.DynamicRange)
	if err != nil {
		return nil, fmt.Errorf("dynamic range: %w", err)
	}

	m := &Manager{
		api:      api,
		store:    store,
		topo:     topo,
		subnet:   subnet.Masked(),
		gateway:  gateway,
		pool:     pool,
		assigned: map[string]*Assignment{},
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	var loaded []*Assignment
	err := m.store.Scan(ctx, "", func(_ string, a *Assignment) error {
		loaded = append(loaded, a)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load address map: %w", err)
	}

	// Reserve surviving add-on addresses first so reallocation cannot hand
	// them to someone else.
	var moved []*Assignment
	for _, a := range loaded {
		m.assigned[a.Name] = a
		if a.Role != role.Addon {
			continue
		}
		if err := m.pool.Reserve(a.addr()); err != nil {
			moved = append(moved, a)
		}
	}

	changed := len(moved) > 0
	for _, a := range loaded {
		if off, ok := fixedOffsets[a.Role]; ok {
			want := ipallocator.Nth(m.subnet, off).String()
			if a.Address != want {
				a.Address = want
				changed = true
			}
		}
	}
	for _, a := range moved {
		addr, err := m.pool.Allocate()
		if err != nil {
			log.G(ctx).WithError(err).WithField("container", a.Name).Warn("dropping address assignment")
			delete(m.assigned, a.Name)
			continue
		}
		log.G(ctx).WithFields(log.Fields{
			"container": a.Name,
			"old":       a.Address,
			"new":       addr.String(),
		}).Info("reassigned add-on address outside dynamic range")
		a.Address = addr.String()
		a.AssignedAt = time.Now()
	}

	if changed {
		return m.persistLocked(ctx)
	}
	return nil
}

func (m *Manager) persistLocked(ctx context.Context) error {
	if err := m.store.Replace(ctx, maps.Clone(m.assigned)); err != nil {
		return fmt.Errorf("persist address map: %w", err)
	}
	return nil
}

// Topology returns the desired topology.
func (m *Manager) Topology() Topology {
	return m.topo
}

// Metrics returns the operation counters of this manager.
func (m *Manager) Metrics() *Metrics {
	return &m.metrics
}

// RoleAddress returns the fixed address of a non-addon role.
func (m *Manager) RoleAddress(r role.Role) (netip.Addr, bool) {
	off, ok := fixedOffsets[r]
	if !ok {
		return netip.Addr{}, false
	}
	return ipallocator.Nth(m.subnet, off), true
}

// Lookup returns the address already assigned to name, if any.
func (m *Manager) Lookup(name string) (netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assigned[name]
	if !ok {
		return netip.Addr{}, false
	}
	return a.addr(), true
}

// Address returns the address of name, assigning and persisting one if needed.
// Add-ons keep their address across restarts.
func (m *Manager) Address(ctx context.Context, name string, r role.Role) (netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.assigned[name]; ok {
		return a.addr(), nil
	}

	var addr netip.Addr
	switch fixed, ok := m.RoleAddress(r); {
	case ok:
		addr = fixed
	case r == role.Addon:
		var err error
		if addr, err = m.pool.Allocate(); err != nil {
			return netip.Addr{}, fmt.Errorf("allocate address for %s: %w", name, err)
		}
	default:
		return netip.Addr{}, fmt.Errorf("%s: %w", r, ErrNoAddress)
	}

	a := &Assignment{Name: name, Role: r, Address: addr.String(), AssignedAt: time.Now()}
	if err := m.store.Set(ctx, name, a); err != nil {
		if r == role.Addon {
			m.pool.Release(addr)
		}
		return netip.Addr{}, fmt.Errorf("persist address of %s: %w", name, err)
	}
	m.assigned[name] = a

	log.G(ctx).WithFields(log.Fields{"container": name, "address": a.Address}).Debug("address assigned")
	return addr, nil
}

// Release forgets the address of name. It is used when a container is
// uninstalled, not when it is merely recreated.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assigned[name]
	if !ok {
		return nil
	}
	if err := m.store.Delete(ctx, name); err != nil && !errors.Is(err, boltstore.ErrNotFound) {
		return fmt.Errorf("release address of %s: %w", name, err)
	}
	delete(m.assigned, name)
	if a.Role == role.Addon {
		m.pool.Release(a.addr())
	}
	return nil
}

// Attach connects a container to the internal network. Any endpoint left
// behind by a previous container of the same name is removed first, and the
// container is detached from the engine's default bridge.
func (m *Manager) Attach(ctx context.Context, containerID, name string, addr netip.Addr, aliases []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	err := m.attachLocked(ctx, containerID, name, addr, aliases)
	m.metrics.RecordAttach(err == nil, time.Since(start))
	return err
}

func (m *Manager) attachLocked(ctx context.Context, containerID, name string, addr netip.Addr, aliases []string) error {
	info, err := m.api.NetworkInspect(ctx, m.topo.Name)
	if err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}
	for _, ep := range info.Containers {
		if ep.Name != name && ep.ContainerID != containerID {
			continue
		}
		log.G(ctx).WithFields(log.Fields{
			"container": name,
			"endpoint":  ep.ContainerID,
		}).Debug("removing stale endpoint")
		if err := m.api.NetworkDisconnect(ctx, m.topo.Name, ep.ContainerID, true); err != nil && !engine.IsNotFound(err) {
			return fmt.Errorf("remove stale endpoint of %s: %w", name, err)
		}
		m.metrics.StaleEndpoints.Add(1)
	}

	ep := &engine.EndpointSpec{Aliases: slices.Clone(aliases)}
	if addr.IsValid() {
		ep.IPv4Address = addr.String()
	}
	if err := m.api.NetworkConnect(ctx, m.topo.Name, containerID, ep); err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}

	if a, ok := m.assigned[name]; ok && !slices.Equal(a.Aliases, aliases) {
		a.Aliases = slices.Clone(aliases)
		if err := m.store.Set(ctx, name, a); err != nil {
			log.G(ctx).WithError(err).WithField("container", name).Warn("failed to persist aliases")
		}
	}

	if err := m.api.NetworkDisconnect(ctx, defaultBridge, containerID, true); err != nil {
		log.G(ctx).WithError(err).WithField("container", name).Trace("not attached to default bridge")
	}
	return nil
}

// Detach disconnects a container from the internal network. A container that
// is not attached is not an error.
func (m *Manager) Detach(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.api.NetworkDisconnect(ctx, m.topo.Name, containerID, true); err != nil && !engine.IsNotFound(err) {
		return fmt.Errorf("detach %s: %w", containerID, err)
	}
	m.metrics.Detaches.Add(1)
	return nil
}

// Hosts returns name and alias to address mappings of every assignment.
func (m *Manager) Hosts() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	hosts := make(map[string]string, len(m.assigned))
	for name, a := range m.assigned {
		hosts[name] = a.Address
		for _, alias := range a.Aliases {
			hosts[alias] = a.Address
		}
	}
	return hosts
}

// Ensure makes the engine network match the topology. A network that exists
// with different parameters is recreated and every container attached to it
// is reattached with its assigned address.
func (m *Manager) Ensure(ctx context.Context) (*EnsureResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.G(ctx).WithField("network", m.topo.Name)

	info, err := m.api.NetworkInspect(ctx, m.topo.Name)
	if engine.IsNotFound(err) {
		if err := m.createLocked(ctx); err != nil {
			return nil, err
		}
		logger.WithField("subnet", m.subnet.String()).Info("network created")
		return &EnsureResult{Created: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect network %s: %w", m.topo.Name, err)
	}
	if m.matches(info) {
		return &EnsureResult{}, nil
	}

	logger.WithFields(log.Fields{
		"subnet":    info.Subnet,
		"gateway":   info.Gateway,
		"range":     info.IPRange,
		"endpoints": len(info.Containers),
	}).Warn("network does not match configuration, recreating")

	for _, ep := range info.Containers {
		if err := m.api.NetworkDisconnect(ctx, info.ID, ep.ContainerID, true); err != nil && !engine.IsNotFound(err) {
			return nil, fmt.Errorf("disconnect %s for recreate: %w", ep.Name, err)
		}
	}
	if err := m.api.NetworkRemove(ctx, info.ID); err != nil && !engine.IsNotFound(err) {
		return nil, fmt.Errorf("remove network %s: %w", m.topo.Name, err)
	}
	if err := m.createLocked(ctx); err != nil {
		return nil, err
	}
	m.metrics.DriftRecreations.Add(1)

	res := &EnsureResult{
		Drift: fmt.Errorf("%w: %s subnet %s -> %s", ErrNetworkDrift, m.topo.Name, info.Subnet, m.subnet),
	}
	for _, ep := range info.Containers {
		spec := &engine.EndpointSpec{}
		if a, ok := m.assigned[ep.Name]; ok {
			spec.IPv4Address = a.Address
			spec.Aliases = slices.Clone(a.Aliases)
		}
		if err := m.api.NetworkConnect(ctx, m.topo.Name, ep.ContainerID, spec); err != nil {
			logger.WithError(err).WithField("container", ep.Name).Error("failed to reattach container")
			continue
		}
		res.Reattached = append(res.Reattached, ep.Name)
	}
	if err := m.persistLocked(ctx); err != nil {
		return res, err
	}
	logger.WithField("reattached", res.Reattached).Info("network recreated")
	return res, nil
}

func (m *Manager) createLocked(ctx context.Context) error {
	_, err := m.api.NetworkCreate(ctx, &engine.NetworkSpec{
		Name:    m.topo.Name,
		Driver:  "bridge",
		Subnet:  m.subnet.String(),
		Gateway: m.gateway.String(),
		IPRange: m.pool.Pool().String(),
		Options: map[string]string{
			"com.docker.network.bridge.name": m.topo.Name,
		},
		Labels: map[string]string{engine.ManagedLabel: ""},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", m.topo.Name, err)
	}
	return nil
}

func (m *Manager) matches(info *engine.NetworkInfo) bool {
	subnet, err := netip.ParsePrefix(info.Subnet)
	if err != nil || subnet.Masked() != m.subnet {
		return false
	}
	gateway, err := netip.ParseAddr(info.Gateway)
	if err != nil || gateway != m.gateway {
		return false
	}
	ipRange, err := netip.ParsePrefix(info.IPRange)
	return err == nil && ipRange.Masked() == m.pool.Pool()
}
