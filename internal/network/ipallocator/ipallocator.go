// Package ipallocator hands out addresses from a pool using a bitmap.
// Persistence is owned by the caller, which replays existing assignments with
// Reserve after construction.
package ipallocator

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

var (
	// ErrExhausted is returned when the pool has no free address.
	ErrExhausted = errors.New("no available IPs in pool")
	// ErrOutOfPool is returned for addresses outside the pool.
	ErrOutOfPool = errors.New("address not in pool")
	// ErrInUse is returned when reserving an address that is already taken.
	ErrInUse = errors.New("address already allocated")
)

// Allocator is a bitmap over an IPv4 pool. The first and last address of the
// pool are never handed out.
type Allocator struct {
	mu     sync.Mutex
	pool   netip.Prefix
	base   uint32
	size   uint32
	bitmap []uint64
	used   int
}

// New returns an allocator for pool, e.g. "172.30.33.0/24".
func New(pool string) (*Allocator, error) {
	p, err := netip.ParsePrefix(pool)
	if err != nil {
		return nil, fmt.Errorf("invalid pool: %w", err)
	}
	p = p.Masked()
	if !p.Addr().Is4() {
		return nil, fmt.Errorf("pool %s: only IPv4 is supported", p)
	}
	if p.Bits() > 30 {
		return nil, fmt.Errorf("pool %s too small, needs at least 4 addresses", p)
	}

	size := uint32(1) << (32 - p.Bits())
	a := &Allocator{
		pool:   p,
		base:   toNum(p.Addr()),
		size:   size,
		bitmap: make([]uint64, (size+63)/64),
	}
	ipAllocatorMetricsProvider.SetTotalIPs(float64(size - 2))
	ipAllocatorMetricsProvider.SetAllocatedIPs(0)
	return a, nil
}

// Pool returns the allocator prefix.
func (a *Allocator) Pool() netip.Prefix {
	return a.pool
}

// Contains reports whether addr can be handed out by this allocator.
func (a *Allocator) Contains(addr netip.Addr) bool {
	off, ok := a.offset(addr)
	return ok && off > 0 && off < a.size-1
}

// Allocate returns the lowest free address and marks it used.
func (a *Allocator) Allocate() (netip.Addr, error) {
	start := time.Now()
	defer func() {
		ipAllocatorMetricsProvider.ObserveIPAllocationDuration(time.Since(start))
	}()
	ipAllocatorMetricsProvider.IncrementIPAllocations()

	a.mu.Lock()
	defer a.mu.Unlock()
	for off := uint32(1); off < a.size-1; off++ {
		if !a.isSet(off) {
			a.set(off)
			ipAllocatorMetricsProvider.IncrementAllocatedIPs()
			return fromNum(a.base + off), nil
		}
	}
	ipAllocatorMetricsProvider.IncrementIPAllocationErrors()
	return netip.Addr{}, ErrExhausted
}

// Reserve marks a specific address used.
func (a *Allocator) Reserve(addr netip.Addr) error {
	ipAllocatorMetricsProvider.IncrementIPAllocations()
	if !a.Contains(addr) {
		ipAllocatorMetricsProvider.IncrementIPAllocationErrors()
		return fmt.Errorf("%s: %w %s", addr, ErrOutOfPool, a.pool)
	}
	off, _ := a.offset(addr)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isSet(off) {
		ipAllocatorMetricsProvider.IncrementIPAllocationErrors()
		return fmt.Errorf("%s: %w", addr, ErrInUse)
	}
	a.set(off)
	ipAllocatorMetricsProvider.IncrementAllocatedIPs()
	return nil
}

// Release frees addr. Releasing a free or foreign address is a no-op.
func (a *Allocator) Release(addr netip.Addr) {
	start := time.Now()
	defer func() {
		ipAllocatorMetricsProvider.ObserveIPReleaseDuration(time.Since(start))
	}()
	ipAllocatorMetricsProvider.IncrementIPReleases()

	if !a.Contains(addr) {
		return
	}
	off, _ := a.offset(addr)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isSet(off) {
		a.bitmap[off/64] &^= 1 << (off % 64)
		a.used--
		ipAllocatorMetricsProvider.DecrementAllocatedIPs()
	}
}

// Available returns the number of free addresses.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.size-2) - a.used
}

// IsExhausted reports whether every address is allocated.
func (a *Allocator) IsExhausted() bool {
	return a.Available() == 0
}

func (a *Allocator) offset(addr netip.Addr) (uint32, bool) {
	if !addr.Is4() || !a.pool.Contains(addr) {
		return 0, false
	}
	return toNum(addr) - a.base, true
}

func (a *Allocator) isSet(off uint32) bool {
	return a.bitmap[off/64]&(1<<(off%64)) != 0
}

func (a *Allocator) set(off uint32) {
	a.bitmap[off/64] |= 1 << (off % 64)
	a.used++
}

func toNum(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromNum(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

// Nth returns the address at offset n of prefix.
func Nth(prefix netip.Prefix, n uint32) netip.Addr {
	return fromNum(toNum(prefix.Masked().Addr()) + n)
}
