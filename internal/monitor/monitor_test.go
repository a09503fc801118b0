package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/fleetd/internal/boltstore"
	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/engine/enginetest"
	"github.com/spin-stack/fleetd/internal/lifecycle"
	"github.com/spin-stack/fleetd/internal/network"
	"github.com/spin-stack/fleetd/internal/registry"
	"github.com/spin-stack/fleetd/internal/role"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	fake *enginetest.Fake
	reg  *registry.Registry[*lifecycle.Controller]
	net  *network.Manager
	rec  *recorder
	mon  *Monitor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fake := enginetest.New()
	m, err := network.New(t.Context(), fake, boltstore.NewInMemoryStore[network.Assignment](), network.Topology{
		Name:         "hassio",
		Subnet:       "172.30.32.0/23",
		Gateway:      "172.30.32.1",
		DynamicRange: "172.30.33.0/24",
	})
	require.NoError(t, err)
	_, err = m.Ensure(t.Context())
	require.NoError(t, err)

	h := &harness{
		fake: fake,
		reg:  registry.New[*lifecycle.Controller](),
		net:  m,
		rec:  &recorder{restarts: map[string]int{}},
	}
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = 10 * time.Millisecond
		opts.ReconnectMax = 40 * time.Millisecond
	}
	opts.Metrics = h.rec
	h.mon = New(fake, h.reg, opts)
	return h
}

func (h *harness) controller(t *testing.T, r role.Role) *lifecycle.Controller {
	t.Helper()
	d, err := role.Builtin(r, role.CatalogOptions{ExternDir: t.TempDir(), Arch: "amd64"})
	require.NoError(t, err)
	c := lifecycle.New(d, lifecycle.Options{
		Engine:  h.fake,
		Network: h.net,
		Locker:  h.reg,
		Records: boltstore.NewInMemoryStore[lifecycle.Record](),
	})
	h.reg.Register(c)
	return c
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.mon.Start(t.Context())
	t.Cleanup(func() { _ = h.mon.Stop(t.Context()) })
	require.Eventually(t, func() bool { return h.fake.Subscribers() == 1 }, waitFor, tick)
}

type recorder struct {
	mu         sync.Mutex
	events     int
	restarts   map[string]int
	reconnects int
}

func (r *recorder) RecordEvent(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
}

func (r *recorder) RecordRestart(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts[outcome]++
}

func (r *recorder) RecordReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
}

func (r *recorder) SetConnected(bool) {}

func (r *recorder) restartCount(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts[outcome]
}

func runRole(t *testing.T, c *lifecycle.Controller, version string) {
	t.Helper()
	require.NoError(t, c.Install(t.Context(), version, lifecycle.InstallOptions{}))
	require.NoError(t, c.Run(t.Context()))
}

func TestMonitor_RestartThenFail(t *testing.T) {
	h := newHarness(t, Options{RestartLimit: 2, RestartWindow: time.Minute})
	c := h.controller(t, role.Audio)
	runRole(t, c, "1.2.0")
	h.start(t)

	firstID := c.ContainerID()
	h.fake.Die("hassio_audio", 1)

	require.Eventually(t, func() bool {
		return c.State() == lifecycle.StateRunning && c.ContainerID() != firstID
	}, waitFor, tick, "restarted once")
	assert.Equal(t, "172.30.32.4", c.Record().Address)
	require.Eventually(t, func() bool { return h.rec.restartCount(OutcomeRestarted) == 1 }, waitFor, tick)

	h.fake.Die("hassio_audio", 1)
	require.Eventually(t, func() bool { return c.State() == lifecycle.StateFailed }, waitFor, tick)
	assert.Equal(t, 1, h.rec.restartCount(OutcomeExhausted))

	assert.Never(t, func() bool { return h.fake.Calls("ContainerCreate") > 2 }, 100*time.Millisecond, tick,
		"no restart after the budget is exhausted")
	assert.Empty(t, h.fake.Running())
	assert.Equal(t, 1, c.Record().ExitCode)
}

func TestMonitor_RequestedStopIsNotRestarted(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.controller(t, role.DNS)
	runRole(t, c, "2024.1.0")
	h.start(t)

	require.NoError(t, c.Stop(t.Context(), false))
	assert.Never(t, func() bool { return h.fake.Calls("ContainerStart") > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, lifecycle.StateStopped, c.State())
	assert.Zero(t, h.rec.restartCount(OutcomeRestarted))
}

func TestMonitor_ExternalStopAndStart(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.controller(t, role.DNS)
	runRole(t, c, "2024.1.0")
	h.start(t)

	id := c.ContainerID()
	require.NoError(t, h.fake.ContainerStop(t.Context(), id, time.Second))
	require.Eventually(t, func() bool { return c.State() == lifecycle.StateStopped }, waitFor, tick)

	require.NoError(t, h.fake.ContainerStart(t.Context(), id))
	require.Eventually(t, func() bool { return c.State() == lifecycle.StateRunning }, waitFor, tick)
	assert.Equal(t, id, c.ContainerID())
}

func TestMonitor_HealthAndDestroy(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.controller(t, role.DNS)
	runRole(t, c, "2024.1.0")
	h.start(t)

	h.fake.SetHealth("hassio_dns", engine.HealthUnhealthy)
	require.Eventually(t, func() bool { return c.Record().Health == engine.HealthUnhealthy }, waitFor, tick)

	id := c.ContainerID()
	require.NoError(t, h.fake.ContainerStop(t.Context(), id, time.Second))
	require.NoError(t, h.fake.ContainerRemove(t.Context(), id, false))
	require.Eventually(t, func() bool {
		return c.State() == lifecycle.StateAbsent && c.ContainerID() == ""
	}, waitFor, tick)
}

func TestMonitor_UnmanagedEventsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.controller(t, role.DNS)
	runRole(t, c, "2024.1.0")
	h.start(t)

	// managed label but no registered controller
	h.fake.AddImage("other:1", nil)
	id, err := h.fake.ContainerCreate(t.Context(), &engine.ContainerSpec{
		Name:   "stranger",
		Image:  "other:1",
		Labels: map[string]string{engine.ManagedLabel: ""},
	})
	require.NoError(t, err)
	require.NoError(t, h.fake.ContainerStart(t.Context(), id))
	h.fake.Die("stranger", 1)

	assert.Never(t, func() bool { return h.fake.Calls("ContainerCreate") > 2 }, 100*time.Millisecond, tick)
	assert.Equal(t, lifecycle.StateRunning, c.State())
}

func TestMonitor_ReconnectAndResync(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.controller(t, role.DNS)
	runRole(t, c, "2024.1.0")
	h.start(t)
	require.True(t, h.mon.Health().Connected)

	h.fake.SetUnavailable(true)
	h.fake.DropSubscriptions(engine.ErrUnavailable)
	require.Eventually(t, func() bool {
		hl := h.mon.Health()
		return hl.ReconnectAttempts >= 2 && hl.LastError != ""
	}, waitFor, tick)

	// missed while disconnected
	h.fake.Die("hassio_dns", 0)

	h.fake.SetUnavailable(false)
	require.Eventually(t, func() bool { return h.fake.Subscribers() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State() == lifecycle.StateStopped }, waitFor, tick,
		"reinspected after reconnect")
	assert.Zero(t, h.rec.restartCount(OutcomeRestarted), "a resync never restarts")

	// the next event moves the stream back to healthy
	require.NoError(t, h.fake.ContainerStart(t.Context(), c.ContainerID()))
	require.Eventually(t, func() bool {
		hl := h.mon.Health()
		return hl.Connected && hl.ReconnectAttempts == 0
	}, waitFor, tick)
}

func TestMonitor_StopEndsSubscription(t *testing.T) {
	h := newHarness(t, Options{})
	h.mon.Start(t.Context())
	h.mon.Start(t.Context())
	require.Eventually(t, func() bool { return h.fake.Subscribers() == 1 }, waitFor, tick)

	require.NoError(t, h.mon.Stop(t.Context()))
	require.NoError(t, h.mon.Stop(t.Context()))
	assert.Eventually(t, func() bool { return h.fake.Subscribers() == 0 }, waitFor, tick)
	assert.False(t, h.mon.Health().Connected)
}

func TestBackoff_CappedAtMax(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 40*time.Millisecond)
	var got []time.Duration
	for range 6 {
		got = append(got, b.next())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, got)

	b.reset()
	assert.Equal(t, 10*time.Millisecond, b.next())
}

func TestMonitor_ReconnectDelayStaysCapped(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	// uncapped doubling from 10ms would need over ten seconds for this
	h.fake.SetUnavailable(true)
	h.fake.DropSubscriptions(engine.ErrUnavailable)
	require.Eventually(t, func() bool { return h.mon.Health().ReconnectAttempts >= 10 }, waitFor, tick)
}

func TestMonitor_StopDrainTimeout(t *testing.T) {
	h := newHarness(t, Options{DrainTimeout: 50 * time.Millisecond})
	c := h.controller(t, role.Audio)
	runRole(t, c, "1.2.0")
	h.start(t)

	release := h.fake.Hold("ContainerCreate")
	defer release()
	creates := h.fake.Calls("ContainerCreate")
	h.fake.Die("hassio_audio", 1)
	require.Eventually(t, func() bool { return h.fake.Calls("ContainerCreate") > creates }, waitFor, tick,
		"restart handler reached create")

	start := time.Now()
	err := h.mon.Stop(t.Context())
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), waitFor, "stop does not wait for the held handler")
	assert.Equal(t, 1, h.rec.restartCount(OutcomeFailed), "handler context cancelled")
	assert.Zero(t, h.rec.restartCount(OutcomeRestarted))
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 3, o.RestartLimit)
	assert.Equal(t, 5*time.Minute, o.RestartWindow)
	assert.Equal(t, time.Second, o.ReconnectInitial)
	assert.Equal(t, 2*time.Minute, o.ReconnectMax)
	assert.Equal(t, 10*time.Second, o.DrainTimeout)
	assert.NotNil(t, o.Metrics)
}
