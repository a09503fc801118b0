package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/fleetd/internal/boltstore"
	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/role"
	"github.com/spin-stack/fleetd/internal/version"
)

// Status is the externally reported condition of a container.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusRunning   Status = "running"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

func statusOf(info *engine.ContainerInfo) Status {
	switch {
	case info.State.Running && info.State.Health == engine.HealthHealthy:
		return StatusHealthy
	case info.State.Running && info.State.Health == engine.HealthUnhealthy:
		return StatusUnhealthy
	case info.State.Running:
		return StatusRunning
	case info.State.ExitCode > 0:
		return StatusFailed
	default:
		return StatusStopped
	}
}

// stateOf maps an inspected container to the lifecycle state it implies.
func stateOf(info *engine.ContainerInfo) State {
	switch {
	case info.State.Running:
		return StateRunning
	case info.State.Status == "created":
		return StateCreated
	default:
		return StateStopped
	}
}

func (c *Controller) inspect(ctx context.Context) (*engine.ContainerInfo, error) {
	ictx, cancel := c.engineCtx(ctx)
	defer cancel()
	info, err := c.opts.Engine.ContainerInspect(ictx, c.Name())
	if err != nil {
		return nil, c.check(ctx, "inspect "+c.Name(), err)
	}
	return info, nil
}

// Attach adopts whatever the engine has for this name, typically after a
// restart of fleetd. The persisted record seeds fields the engine does not
// know. version is used when no container exists.
func (c *Controller) Attach(ctx context.Context, ver string) error {
	return c.op(ctx, "attach", func(ctx context.Context) error {
		saved, err := c.opts.Records.Get(ctx, c.Name())
		if err != nil && !errors.Is(err, boltstore.ErrNotFound) {
			log.G(ctx).WithError(err).Warn("failed to load record")
		}
		if saved != nil {
			c.update(func(r *Record) {
				r.Image = cmp.Or(saved.Image, r.Image)
				r.Version = saved.Version
				r.Trust = cmp.Or(saved.Trust, TrustUnverified)
				r.Pending = saved.Pending
			})
		}

		info, err := c.inspect(ctx)
		if engine.IsNotFound(err) {
			c.toAbsent()
			c.update(func(r *Record) {
				r.Version = cmp.Or(ver, r.Version)
				r.ContainerID = ""
				r.Address = ""
			})
			c.persist(ctx)
			log.G(ctx).WithField("version", c.Record().Version).Debug("no container to attach to")
			return nil
		}
		if err != nil {
			return err
		}

		c.adopt(info)
		c.mu.Lock()
		c.rules = c.desc.DeviceRules(c.opts.Devices.Devices())
		c.mu.Unlock()
		if ver != "" && c.Record().Version == "" {
			c.update(func(r *Record) { r.Version = ver })
		}
		c.persist(ctx)

		log.G(ctx).WithFields(log.Fields{
			"state":   c.sm.State().String(),
			"version": c.Record().Version,
		}).Info("attached to container")
		return nil
	})
}

// adopt copies the engine view into the record and state.
func (c *Controller) adopt(info *engine.ContainerInfo) {
	c.update(func(r *Record) {
		r.ContainerID = info.ID
		r.ExitCode = info.State.ExitCode
		r.Health = info.State.Health
		r.Stale = false
		if v := info.Version(); v != "" {
			r.Version = v
		}
		if img, _ := role.SplitRef(info.ImageRef); img != "" {
			r.Image = img
		}
		if addr, ok := info.Networks[c.networkName()]; ok {
			r.Address = addr
		}
	})
	if c.sm.State() != StateFailed || info.State.Running {
		c.sm.ForceTransition(stateOf(info))
	}
}

func (c *Controller) networkName() string {
	if c.opts.Network == nil {
		return ""
	}
	return c.opts.Network.Topology().Name
}

// Reinspect resynchronizes state with the engine and clears the stale flag.
func (c *Controller) Reinspect(ctx context.Context) error {
	return c.op(ctx, "reinspect", func(ctx context.Context) error {
		info, err := c.inspect(ctx)
		if engine.IsNotFound(err) {
			if c.sm.State() != StateFailed {
				c.toAbsent()
			}
			c.update(func(r *Record) {
				r.ContainerID = ""
				r.Stale = false
			})
			c.persist(ctx)
			return nil
		}
		if err != nil {
			return err
		}
		c.adopt(info)
		c.persist(ctx)
		return nil
	})
}

// CurrentState reports the engine-side condition; a missing container is
// StatusUnknown.
func (c *Controller) CurrentState(ctx context.Context) (Status, error) {
	info, err := c.inspect(ctx)
	if engine.IsNotFound(err) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, err
	}
	return statusOf(info), nil
}

// IsFailed reports whether the container exited with a non-zero code.
func (c *Controller) IsFailed(ctx context.Context) (bool, error) {
	info, err := c.inspect(ctx)
	if engine.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.State.Running && info.State.ExitCode != 0, nil
}

// Exists reports whether image:version of the descriptor is present locally.
func (c *Controller) Exists(ctx context.Context, ver string) (bool, error) {
	_, err := c.inspectImage(ctx, c.desc.Ref(ver))
	if engine.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// LatestLocalVersion returns the highest version tag of the image present locally.
func (c *Controller) LatestLocalVersion(ctx context.Context) (string, error) {
	image := c.Record().Image
	lctx, cancel := c.engineCtx(ctx)
	imgs, err := c.opts.Engine.ImageList(lctx, image)
	cancel()
	if err != nil {
		return "", c.check(ctx, "list "+image, err)
	}

	var tags []string
	for _, img := range imgs {
		for _, t := range img.RepoTags {
			if repo, tag := role.SplitRef(t); repo == image {
				tags = append(tags, tag)
			}
		}
	}
	latest, ok := version.Latest(tags)
	if !ok {
		return "", fmt.Errorf("no local version of %s: %w", image, errdefs.ErrNotFound)
	}
	return latest, nil
}

// Restart stops the container without removing it and starts it again.
// Without a container it behaves like Run. A pending version replaces the
// container instead.
func (c *Controller) Restart(ctx context.Context) error {
	return c.op(ctx, "restart", func(ctx context.Context) error {
		if c.sm.Is(StateAbsent, StateFailed) {
			return c.runLocked(ctx)
		}
		if c.Record().Pending != nil {
			if err := c.stopLocked(ctx, true); err != nil {
				return err
			}
			return c.runLocked(ctx)
		}
		if err := c.stopLocked(ctx, false); err != nil {
			return err
		}
		if c.sm.State() == StateAbsent {
			return c.runLocked(ctx)
		}

		if err := c.sm.Advance(StateStarting); err != nil {
			return err
		}
		sctx, cancel := c.engineCtx(ctx)
		err := c.opts.Engine.ContainerStart(sctx, c.ContainerID())
		cancel()
		if err != nil {
			c.sm.ForceTransition(StateStopped)
			return c.check(ctx, "start "+c.Name(), err)
		}
		if err := c.sm.Transition(StateStarting, StateRunning); err != nil {
			return err
		}
		c.update(func(r *Record) { r.Health = "" })
		c.persist(ctx)
		return nil
	})
}

// Logs returns the combined container output, or nil when it cannot be read.
func (c *Controller) Logs(ctx context.Context) []byte {
	lctx, cancel := c.engineCtx(ctx)
	defer cancel()
	out, err := c.opts.Engine.ContainerLogs(lctx, cmp.Or(c.ContainerID(), c.Name()))
	if err != nil {
		log.G(ctx).WithError(err).WithField("container", c.Name()).Debug("failed to read logs")
		return nil
	}
	return out
}

// CheckTrust re-validates the installed image.
func (c *Controller) CheckTrust(ctx context.Context) error {
	return c.op(ctx, "check_trust", func(ctx context.Context) error {
		ref := c.Record().Ref()
		if ref == "" {
			return fmt.Errorf("check trust of %s: %w", c.Name(), ErrNotInstalled)
		}
		img, err := c.inspectImage(ctx, ref)
		if err != nil {
			return err
		}
		trust, err := c.verify(ctx, img.ID, ref, false)
		if err != nil {
			c.update(func(r *Record) { r.Trust = TrustUnverified })
			c.persist(ctx)
			return err
		}
		c.update(func(r *Record) { r.Trust = trust })
		c.persist(ctx)
		return nil
	})
}

// ExecuteCommand runs command with the role's executor using the installed image.
func (c *Controller) ExecuteCommand(ctx context.Context, command []string) (*engine.ExecResult, error) {
	if c.desc.Executor == nil {
		return nil, fmt.Errorf("exec on %s: %w", c.Name(), ErrNotSupported)
	}
	var res *engine.ExecResult
	err := c.op(ctx, "exec", func(ctx context.Context) error {
		ref := c.Record().Ref()
		if ref == "" {
			return fmt.Errorf("exec on %s: %w", c.Name(), ErrNotInstalled)
		}
		ectx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Exec)
		defer cancel()
		var err error
		res, err = c.desc.Executor.Exec(ectx, c.opts.Engine, ref, command)
		return c.check(ctx, "exec", err)
	})
	return res, err
}

// WriteStdin delivers data to the running container's input.
func (c *Controller) WriteStdin(ctx context.Context, data []byte) error {
	if c.desc.Stdin == nil {
		return fmt.Errorf("write stdin of %s: %w", c.Name(), ErrNotSupported)
	}
	return c.op(ctx, "write_stdin", func(ctx context.Context) error {
		if c.sm.State() != StateRunning {
			return fmt.Errorf("write stdin of %s: %w", c.Name(), errdefs.ErrFailedPrecondition)
		}
		wctx, cancel := c.engineCtx(ctx)
		defer cancel()
		err := c.desc.Stdin.WriteStdin(wctx, c.opts.Engine, cmp.Or(c.ContainerID(), c.Name()), data)
		return c.check(ctx, "write stdin", err)
	})
}
