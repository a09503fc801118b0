package network

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/spin-stack/fleetd/internal/role"
)

// ErrNetworkDrift is reported when the engine network no longer matches the
// configured topology and had to be recreated.
var ErrNetworkDrift = errors.New("network drift")

// ErrNoAddress is returned for roles that never get an address (host mode).
var ErrNoAddress = errors.New("role has no internal address")

// Topology is the desired internal bridge network.
type Topology struct {
	Name         string
	Subnet       string
	Gateway      string
	DynamicRange string
}

// fixedOffsets are the reserved low host numbers of non-addon roles.
var fixedOffsets = map[role.Role]uint32{
	role.Self:     2,
	role.DNS:      3,
	role.Audio:    4,
	role.Cli:      5,
	role.Observer: 6,
	role.Core:     7,
}

// Assignment is one persisted entry of the address map, keyed by container name.
type Assignment struct {
	Name       string    `json:"name"`
	Role       role.Role `json:"role"`
	Address    string    `json:"address"`
	Aliases    []string  `json:"aliases,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

func (a *Assignment) addr() netip.Addr {
	addr, _ := netip.ParseAddr(a.Address)
	return addr
}

// EnsureResult describes what Ensure had to do.
type EnsureResult struct {
	Created bool
	// Drift wraps ErrNetworkDrift when the network was recreated. It is not
	// fatal: every previously attached container has been reattached.
	Drift      error
	Reattached []string
}

// Metrics tracks network manager operations.
// All fields are safe for concurrent access.
type Metrics struct {
	Attaches          atomic.Int64
	AttachFailures    atomic.Int64
	Detaches          atomic.Int64
	StaleEndpoints    atomic.Int64
	DriftRecreations  atomic.Int64
	TotalAttachTimeNs atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Attaches         int64
	AttachFailures   int64
	Detaches         int64
	StaleEndpoints   int64
	DriftRecreations int64
	AvgAttachTime    time.Duration
}

// RecordAttach records an attach result.
func (m *Metrics) RecordAttach(success bool, duration time.Duration) {
	m.TotalAttachTimeNs.Add(int64(duration))
	if success {
		m.Attaches.Add(1)
	} else {
		m.AttachFailures.Add(1)
	}
}

// Snapshot returns a copy of the current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Attaches:         m.Attaches.Load(),
		AttachFailures:   m.AttachFailures.Load(),
		Detaches:         m.Detaches.Load(),
		StaleEndpoints:   m.StaleEndpoints.Load(),
		DriftRecreations: m.DriftRecreations.Load(),
	}
	if n := s.Attaches + s.AttachFailures; n > 0 {
		s.AvgAttachTime = time.Duration(m.TotalAttachTimeNs.Load() / n)
	}
	return s
}
