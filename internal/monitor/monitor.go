// Package monitor follows the engine event stream and keeps controllers in
// step with what the engine reports.
//
// # Subscription
//
// One subscription, filtered to containers carrying the managed label, serves
// the whole process. When the stream ends the monitor reconnects with
// exponential backoff and never gives up; engine errors degrade Health but
// never stop the loop. After a reconnect every registered controller is
// reinspected, since events may have been missed.
//
// # Restart policy
//
// An exit of a Running container that nobody asked to stop is a crash. The
// monitor restarts it with Run, once per crash, until the configured number
// of crashes falls inside the sliding window; that crash moves the controller
// to Failed and no further restart is attempted.
//
// # Shutdown
//
// Stop cancels the subscription and waits for in-flight handlers up to the
// drain timeout, after which their context is cancelled.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/lifecycle"
	"github.com/spin-stack/fleetd/internal/registry"
)

// ErrDrainTimeout is returned by Stop when handlers were still running after
// the drain timeout.
var ErrDrainTimeout = errors.New("monitor drain timed out")

// Restart outcomes reported to the metrics recorder.
const (
	OutcomeRestarted = "restarted"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
)

// Recorder receives monitor metrics.
type Recorder interface {
	RecordEvent(action string)
	RecordRestart(role, outcome string)
	RecordReconnect()
	SetConnected(connected bool)
}

type noopRecorder struct{}

func (noopRecorder) RecordEvent(string)           {}
func (noopRecorder) RecordRestart(string, string) {}
func (noopRecorder) RecordReconnect()             {}
func (noopRecorder) SetConnected(bool)            {}

// Options configures a Monitor. Zero values take the defaults.
type Options struct {
	// RestartLimit is the number of crashes inside RestartWindow that marks
	// a container Failed.
	RestartLimit  int
	RestartWindow time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DrainTimeout     time.Duration

	Metrics Recorder
}

func (o Options) withDefaults() Options {
	if o.RestartLimit <= 0 {
		o.RestartLimit = 3
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 5 * time.Minute
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 2 * time.Minute
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = o.ReconnectInitial
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = noopRecorder{}
	}
	return o
}

// Health is the monitor's view of the event stream.
type Health struct {
	Connected         bool      `json:"connected"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	LastEvent         time.Time `json:"last_event,omitzero"`
	ConnectedSince    time.Time `json:"connected_since,omitzero"`
}

// Monitor dispatches engine events to registered controllers.
type Monitor struct {
	events   engine.EventAPI
	registry *registry.Registry[*lifecycle.Controller]
	opts     Options
	restarts *restartWindow

	mu         sync.Mutex
	health     Health
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	workCancel context.CancelFunc
	loopDone   chan struct{}

	handlers sync.WaitGroup
}

// New returns a monitor for the controllers in reg.
func New(events engine.EventAPI, reg *registry.Registry[*lifecycle.Controller], opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		events:   events,
		registry: reg,
		opts:     opts,
		restarts: newRestartWindow(opts.RestartLimit, opts.RestartWindow, time.Now),
	}
}

// Start subscribes and begins dispatching in a goroutine. Calling Start more
// than once is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.workCancel = workCancel
	m.loopDone = make(chan struct{})

	log.G(ctx).WithFields(log.Fields{
		"restart_limit":  m.opts.RestartLimit,
		"restart_window": m.opts.RestartWindow,
	}).Info("event monitor started")

	go m.loop(loopCtx, workCtx)
}

// Stop ends the subscription and waits for in-flight handlers. It returns
// ErrDrainTimeout when they outlive the drain timeout. Calling Stop more
// than once is a no-op.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, workCancel, loopDone := m.cancel, m.workCancel, m.loopDone
	m.mu.Unlock()

	cancel()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		m.handlers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(m.opts.DrainTimeout)
	defer timer.Stop()
	defer workCancel()

	select {
	case <-drained:
		log.G(ctx).Info("event monitor stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	workCancel()
	<-drained
	log.G(ctx).WithField("timeout", m.opts.DrainTimeout).Warn("event monitor handlers did not drain in time")
	return fmt.Errorf("after %s: %w", m.opts.DrainTimeout, ErrDrainTimeout)
}

// Health returns a snapshot of the stream state.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *Monitor) setConnected(connected bool, err error) {
	m.mu.Lock()
	m.health.Connected = connected
	if connected {
		m.health.ConnectedSince = time.Now()
	} else {
		m.health.ConnectedSince = time.Time{}
	}
	if err != nil {
		m.health.LastError = err.Error()
	}
	m.mu.Unlock()
	m.opts.Metrics.SetConnected(connected)
}

func (m *Monitor) loop(ctx, workCtx context.Context) {
	defer close(m.loopDone)

	delay := newBackoff(m.opts.ReconnectInitial, m.opts.ReconnectMax)
	first := true
	for {
		received, err := m.subscribe(ctx, workCtx, !first)
		first = false
		m.setConnected(false, err)
		if ctx.Err() != nil {
			return
		}
		if received {
			delay.reset()
		}
		wait := delay.next()

		m.mu.Lock()
		m.health.ReconnectAttempts++
		attempts := m.health.ReconnectAttempts
		m.mu.Unlock()
		m.opts.Metrics.RecordReconnect()

		log.G(ctx).WithError(err).WithFields(log.Fields{
			"attempt": attempts,
			"backoff": wait,
		}).Warn("event stream ended; reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// backoff doubles the reconnect delay from initial up to max.
type backoff struct {
	initial, max, cur time.Duration
}

func newBackoff(initial, limit time.Duration) *backoff {
	return &backoff{initial: initial, max: limit, cur: initial}
}

// next returns the delay to wait now.
func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur = min(b.cur*2, b.max)
	return d
}

func (b *backoff) reset() { b.cur = b.initial }

// subscribe consumes one subscription until it ends. It reports whether any
// event was received and the error that ended the stream.
func (m *Monitor) subscribe(ctx, workCtx context.Context, resync bool) (bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	evCh, errCh := m.events.Events(subCtx, engine.EventFilter{Labels: []string{engine.ManagedLabel}})
	m.setConnected(true, nil)
	if resync {
		m.resync(workCtx)
	}

	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err := <-errCh:
			if err == nil {
				err = errors.New("event stream closed")
			}
			return received, err
		case ev, ok := <-evCh:
			if !ok {
				return received, errors.New("event stream closed")
			}
			received = true
			m.mu.Lock()
			m.health.LastEvent = time.Now()
			m.health.ReconnectAttempts = 0
			m.mu.Unlock()
			m.handle(workCtx, ev)
		}
	}
}

// resync reinspects every controller after a gap in the stream.
func (m *Monitor) resync(ctx context.Context) {
	for _, c := range m.registry.List() {
		m.handlers.Go(func() {
			if err := c.Reinspect(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("container", c.Name()).Warn("failed to resynchronize after reconnect")
			}
		})
	}
}

func (m *Monitor) handle(ctx context.Context, ev engine.Event) {
	c, ok := m.registry.Resolve(ev.Name, ev.ID)
	if !ok {
		log.G(ctx).WithFields(log.Fields{"container": ev.Name, "action": ev.Action}).Trace("event for unmanaged container")
		return
	}
	m.opts.Metrics.RecordEvent(ev.Action)

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"container": c.Name(),
		"role":      string(c.Role()),
	}))

	switch ev.Action {
	case engine.ActionStart:
		c.ObserveStart(ctx, ev.ID)
	case engine.ActionStop, engine.ActionKill:
		c.ObserveStopRequest(ctx, ev.ID)
	case engine.ActionDie:
		m.handleExit(ctx, c, ev)
	case engine.ActionHealth:
		c.ObserveHealth(ctx, ev.ID, ev.Health)
	case engine.ActionDestroy:
		c.ObserveDestroy(ctx, ev.ID)
	}
}

func (m *Monitor) handleExit(ctx context.Context, c *lifecycle.Controller, ev engine.Event) {
	if !c.ExitUnexpected(ev.ID) {
		c.ObserveExit(ctx, ev.ID, ev.ExitCode, false)
		return
	}

	exhausted, count := m.restarts.record(c.Name())
	c.ObserveExit(ctx, ev.ID, ev.ExitCode, exhausted)
	if exhausted {
		m.opts.Metrics.RecordRestart(string(c.Role()), OutcomeExhausted)
		log.G(ctx).WithFields(log.Fields{
			"exit_code": ev.ExitCode,
			"crashes":   count,
			"window":    m.opts.RestartWindow,
		}).Error("restart budget exhausted; not restarting")
		return
	}

	log.G(ctx).WithFields(log.Fields{
		"exit_code": ev.ExitCode,
		"crashes":   count,
	}).Warn("container exited unexpectedly; restarting")

	m.handlers.Go(func() {
		if err := c.Run(ctx); err != nil {
			m.opts.Metrics.RecordRestart(string(c.Role()), OutcomeFailed)
			log.G(ctx).WithError(err).Error("automatic restart failed")
			return
		}
		m.opts.Metrics.RecordRestart(string(c.Role()), OutcomeRestarted)
	})
}
