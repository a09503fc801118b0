package lifecycle

import (
	"context"
	"slices"

	"github.com/containerd/log"

	"github.com/spin-stack/fleetd/internal/hardware"
	"github.com/spin-stack/fleetd/internal/role"
)

// The Observe* methods apply engine events to the controller. They do not
// take the per-name lock: an operation in progress owns the transitions it
// drives, so events for states it is moving through are ignored. Events for a
// container ID other than the current one are ignored as well.

func (c *Controller) current(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownsLocked(id)
}

func (c *Controller) ownsLocked(id string) bool {
	return id == "" || c.rec.ContainerID == "" || c.rec.ContainerID == id
}

func (c *Controller) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithFields(log.Fields{
		"role":      string(c.desc.Role),
		"container": c.Name(),
	})
}

// ObserveStart handles a start event. A container started outside of fleetd
// moves to Running.
func (c *Controller) ObserveStart(ctx context.Context, id string) {
	if !c.current(id) {
		return
	}
	c.mu.Lock()
	c.expectStop = false
	c.mu.Unlock()

	if c.sm.Is(StateStopped, StateCreated) {
		if err := c.sm.Advance(StateStarting, StateRunning); err != nil {
			c.logger(ctx).WithError(err).Debug("ignoring start event")
			return
		}
		c.logger(ctx).Info("container started outside of fleetd")
	}
	c.update(func(r *Record) {
		if id != "" {
			r.ContainerID = id
		}
		r.Stale = false
	})
	c.persist(ctx)
}

// ObserveStopRequest handles stop and kill events: the next exit is expected.
func (c *Controller) ObserveStopRequest(ctx context.Context, id string) {
	if !c.current(id) {
		return
	}
	c.mu.Lock()
	c.expectStop = true
	c.mu.Unlock()
}

// ExitUnexpected reports whether an exit observed now would be a crash: the
// container is Running and no stop was requested.
func (c *Controller) ExitUnexpected(id string) bool {
	if !c.current(id) {
		return false
	}
	c.mu.Lock()
	expected := c.expectStop
	c.mu.Unlock()
	return c.sm.State() == StateRunning && !expected
}

// ObserveExit handles a die event and records the exit code. A Running
// container moves to Stopped, or to Failed when fail is set.
func (c *Controller) ObserveExit(ctx context.Context, id string, code int, fail bool) {
	c.mu.Lock()
	if !c.ownsLocked(id) {
		c.mu.Unlock()
		return
	}
	c.expectStop = false
	c.rec.ExitCode = code
	c.rec.Health = ""
	c.rec.Stale = false

	to := StateStopped
	if fail {
		to = StateFailed
	}
	var err error
	moved := false
	if c.sm.State() == StateRunning {
		err = c.sm.Transition(StateRunning, to)
		moved = err == nil
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		c.logger(ctx).WithError(err).Debug("exit raced with an operation")
	case moved && fail:
		c.logger(ctx).WithField("exit_code", code).Error("container failed; automatic restarts exhausted")
	case moved:
		c.logger(ctx).WithField("exit_code", code).Warn("container exited")
	}
	c.persist(ctx)
}

// ObserveHealth records a health_status event.
func (c *Controller) ObserveHealth(ctx context.Context, id, health string) {
	if !c.current(id) {
		return
	}
	c.update(func(r *Record) {
		r.Health = health
		r.Stale = false
	})
	c.persist(ctx)
}

// ObserveDestroy handles a destroy event for a container removed outside of
// fleetd.
func (c *Controller) ObserveDestroy(ctx context.Context, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	if c.rec.ContainerID != id {
		c.mu.Unlock()
		return
	}
	if c.sm.Is(StateStopped, StateCreated) {
		c.toAbsent()
	}
	cleared := c.sm.Is(StateAbsent, StateFailed)
	if cleared {
		c.rec.ContainerID = ""
		c.rec.Address = ""
	}
	c.mu.Unlock()

	if cleared {
		c.persist(ctx)
	}
}

// RecreateRecommended is published when a running container was created with
// device rules that no longer match the device list. Applying the new rules
// needs a recreate, which the receiver triggers through Update.
type RecreateRecommended struct {
	Name  string
	Role  role.Role
	Slug  string
	Rules []string
}

// Recreate returns the channel RecreateRecommended signals are published on.
// A signal that is not consumed is replaced by the next one.
func (c *Controller) Recreate() <-chan RecreateRecommended {
	return c.recreate
}

// HandleHardware recomputes the device rules after a device change. It never
// touches the container; it reports whether a recreate was recommended.
func (c *Controller) HandleHardware(ctx context.Context, ev hardware.Event) bool {
	if len(c.desc.Devices) == 0 || !slices.Contains(c.desc.Devices, ev.Device.Class) {
		return false
	}
	if c.sm.State() != StateRunning {
		return false
	}

	rules := c.desc.DeviceRules(c.opts.Devices.Devices())
	c.mu.Lock()
	changed := !slices.Equal(rules, c.rules)
	c.mu.Unlock()
	if !changed {
		return false
	}

	sig := RecreateRecommended{Name: c.Name(), Role: c.desc.Role, Slug: c.desc.Slug, Rules: rules}
	select {
	case c.recreate <- sig:
	default:
		select {
		case <-c.recreate:
		default:
		}
		select {
		case c.recreate <- sig:
		default:
		}
	}
	c.logger(ctx).WithFields(log.Fields{
		"device": ev.Device.Path,
		"action": ev.Action.String(),
	}).Info("device rules changed; recreate recommended")
	return true
}

// WatchHardware drains events until ctx is done or the channel is closed.
func (c *Controller) WatchHardware(ctx context.Context, events <-chan hardware.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleHardware(ctx, ev)
		}
	}
}
