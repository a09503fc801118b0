package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/docker/api/types/registry"

	"github.com/spin-stack/fleetd/internal/boltstore"
	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/hardware"
	"github.com/spin-stack/fleetd/internal/network"
	"github.com/spin-stack/fleetd/internal/role"
)

// Network is the slice of the network manager a controller needs.
type Network interface {
	Lookup(name string) (netip.Addr, bool)
	Address(ctx context.Context, name string, r role.Role) (netip.Addr, error)
	Release(ctx context.Context, name string) error
	RoleAddress(r role.Role) (netip.Addr, bool)
	Attach(ctx context.Context, containerID, name string, addr netip.Addr, aliases []string) error
	Detach(ctx context.Context, containerID string) error
	Topology() network.Topology
	Hosts() map[string]string
}

var _ Network = (*network.Manager)(nil)

// Locker serializes operations per container name.
type Locker interface {
	Lock(name string)
	Unlock(name string)
}

// MetricsRecorder receives operation outcomes and state transitions.
type MetricsRecorder interface {
	RecordOperation(role, op string, err error, d time.Duration)
	RecordTransition(from, to string, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(string, string, error, time.Duration) {}
func (noopMetrics) RecordTransition(string, string, error)               {}

// Credentials authenticate pulls from one registry.
type Credentials struct {
	Username string
	Password string
}

// Timeouts bound engine calls. Zero values use the defaults.
type Timeouts struct {
	EngineCall time.Duration
	Pull       time.Duration
	Build      time.Duration
	Stop       time.Duration
	Exec       time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	t.EngineCall = cmp.Or(t.EngineCall, 30*time.Second)
	t.Pull = cmp.Or(t.Pull, 15*time.Minute)
	t.Build = cmp.Or(t.Build, 30*time.Minute)
	t.Stop = cmp.Or(t.Stop, 10*time.Second)
	t.Exec = cmp.Or(t.Exec, time.Minute)
	return t
}

// Options are the collaborators shared by all controllers.
type Options struct {
	Engine engine.Engine
	// Network is nil when no internal network is managed; bridge roles then
	// keep the engine default network.
	Network Network
	// Trust is nil when content trust is disabled.
	Trust   role.TrustPolicy
	Devices hardware.Lister
	Records boltstore.Store[Record]
	Locker  Locker
	Metrics MetricsRecorder

	Timeouts    Timeouts
	Credentials map[string]Credentials // keyed by role.Registry host
	Platform    string
}

// InstallOptions modify an install.
type InstallOptions struct {
	// Image overrides the descriptor repository.
	Image string
	// Latest additionally tags the installed image as image:latest.
	Latest bool
}

// Controller drives one managed container.
type Controller struct {
	desc *role.Descriptor
	opts Options
	sm   *StateMachine

	mu         sync.Mutex
	rec        Record
	rules      []string // device cgroup rules the current container was created with
	expectStop bool

	recreate chan RecreateRecommended
}

// New creates a controller for desc in the Absent state. Call Attach to adopt
// an existing container.
func New(desc *role.Descriptor, opts Options) *Controller {
	opts.Timeouts = opts.Timeouts.withDefaults()
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Locker == nil {
		opts.Locker = &localLocker{}
	}
	if opts.Devices == nil {
		opts.Devices = hardware.StaticLister(nil)
	}
	if opts.Records == nil {
		opts.Records = boltstore.NewInMemoryStore[Record]()
	}

	c := &Controller{
		desc: desc,
		opts: opts,
		rec: Record{
			Name:  desc.Name(),
			Role:  desc.Role,
			Slug:  desc.Slug,
			Image: desc.Image,
			Trust: TrustUnverified,
		},
		recreate: make(chan RecreateRecommended, 1),
	}
	c.sm = NewStateMachine(desc.Name(), func(from, to State, err error) {
		opts.Metrics.RecordTransition(from.String(), to.String(), err)
	})
	return c
}

// Name returns the container name.
func (c *Controller) Name() string { return c.desc.Name() }

// Role returns the controller's role.
func (c *Controller) Role() role.Role { return c.desc.Role }

// Descriptor returns the immutable descriptor.
func (c *Controller) Descriptor() *role.Descriptor { return c.desc }

// State returns the lifecycle state.
func (c *Controller) State() State { return c.sm.State() }

// ContainerID returns the current engine ID, empty when no container exists.
func (c *Controller) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.ContainerID
}

// Record returns a copy of the current record.
func (c *Controller) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rec
	r.State = c.sm.State().String()
	return r
}

// op runs fn under the per-name lock with a logger carrying the controller fields.
func (c *Controller) op(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	c.opts.Locker.Lock(c.Name())
	defer c.opts.Locker.Unlock(c.Name())

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"role":      string(c.desc.Role),
		"container": c.Name(),
	}))
	start := time.Now()
	err := fn(ctx)
	c.opts.Metrics.RecordOperation(string(c.desc.Role), name, err, time.Since(start))
	if err != nil {
		log.G(ctx).WithError(err).WithField("op", name).Debug("operation failed")
	}
	return err
}

func (c *Controller) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.Timeouts.EngineCall)
}

// check classifies an engine error and marks the record stale on timeout.
func (c *Controller) check(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	err = engine.Classify(op, err)
	if engine.IsTimeout(err) {
		c.mu.Lock()
		c.rec.Stale = true
		c.mu.Unlock()
		log.G(ctx).WithField("op", op).Warn("engine call timed out; state marked stale")
		c.persist(ctx)
	}
	return err
}

// persist writes the record through to the store. The store mirrors engine
// state that Attach can rebuild, so a failed write is logged, not returned.
func (c *Controller) persist(ctx context.Context) {
	rec := c.Record()
	rec.UpdatedAt = time.Now()
	if err := c.opts.Records.Set(ctx, rec.Name, &rec); err != nil {
		log.G(ctx).WithError(err).Warn("failed to persist record")
	}
}

func (c *Controller) update(fn func(r *Record)) {
	c.mu.Lock()
	fn(&c.rec)
	c.mu.Unlock()
}

// toAbsent moves to Absent along a valid edge when there is one, otherwise
// by force: the engine reported that no container exists.
func (c *Controller) toAbsent() {
	cur := c.sm.State()
	if cur == StateAbsent {
		return
	}
	if ValidTransition(cur, StateAbsent) {
		if c.sm.Transition(cur, StateAbsent) == nil {
			return
		}
	}
	c.sm.ForceTransition(StateAbsent)
}

// Install makes image:version available locally and validates it.
func (c *Controller) Install(ctx context.Context, version string, opts InstallOptions) error {
	return c.op(ctx, "install", func(ctx context.Context) error {
		inst, err := c.installLocked(ctx, version, opts)
		if err != nil {
			return err
		}
		if c.sm.State() == StateAbsent || inst.Ref() == c.Record().Ref() {
			c.setInstalled(inst)
		} else {
			c.update(func(r *Record) { r.Pending = &inst })
			log.G(ctx).WithFields(log.Fields{
				"version": version,
				"current": c.Record().Version,
			}).Info("installed version applies to the next container")
		}
		c.persist(ctx)
		return nil
	})
}

// setInstalled makes i the recorded version and drops any pending one.
func (c *Controller) setInstalled(i Installed) {
	c.update(func(r *Record) {
		r.Image = i.Image
		r.Version = i.Version
		r.Trust = i.Trust
		r.Pending = nil
	})
}

func (c *Controller) installLocked(ctx context.Context, version string, opts InstallOptions) (Installed, error) {
	if version == "" {
		return Installed{}, fmt.Errorf("install %s: version is required: %w", c.Name(), errdefs.ErrInvalidArgument)
	}
	inst := Installed{Image: cmp.Or(opts.Image, c.desc.Image), Version: version}
	ref := inst.Ref()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("version", version))

	img, err := c.inspectImage(ctx, ref)
	fresh := false
	if engine.IsNotFound(err) {
		if err := c.acquire(ctx, ref); err != nil {
			return Installed{}, err
		}
		fresh = true
		img, err = c.inspectImage(ctx, ref)
	}
	if err != nil {
		return Installed{}, err
	}

	if inst.Trust, err = c.verify(ctx, img.ID, ref, fresh); err != nil {
		return Installed{}, err
	}

	if opts.Latest {
		tctx, cancel := c.engineCtx(ctx)
		err := c.opts.Engine.ImageTag(tctx, ref, role.ImageRef(inst.Image, "latest"))
		cancel()
		if err != nil {
			return Installed{}, c.check(ctx, "tag "+ref, err)
		}
	}

	if fresh {
		log.G(ctx).WithField("image", ref).Info("image installed")
	} else {
		log.G(ctx).WithField("image", ref).Debug("image already present")
	}
	return inst, nil
}

func (c *Controller) inspectImage(ctx context.Context, ref string) (*engine.ImageInfo, error) {
	ictx, cancel := c.engineCtx(ctx)
	defer cancel()
	img, err := c.opts.Engine.ImageInspect(ictx, ref)
	return img, c.check(ctx, "inspect image "+ref, err)
}

func (c *Controller) acquire(ctx context.Context, ref string) error {
	building := c.desc.Acquirer != nil
	timeout, transient := c.opts.Timeouts.Pull, StatePulling
	if building {
		timeout, transient = c.opts.Timeouts.Build, StateBuilding
	}

	if c.sm.State() == StateAbsent {
		if err := c.sm.Transition(StateAbsent, transient); err != nil {
			return err
		}
		defer func() {
			if err := c.sm.Transition(transient, StateAbsent); err != nil {
				log.G(ctx).WithError(err).Warn("failed to leave acquisition state")
			}
		}()
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opts := engine.PullOptions{Platform: c.opts.Platform, RegistryAuth: c.registryAuth(ctx, ref)}
	err := c.desc.AcquirerOrDefault().Acquire(actx, c.opts.Engine, ref, opts)
	return c.check(ctx, "acquire "+ref, err)
}

// registryAuth encodes the configured login for the registry of ref.
func (c *Controller) registryAuth(ctx context.Context, ref string) string {
	image, _ := role.SplitRef(ref)
	host := role.Registry(image)
	cred, ok := c.opts.Credentials[host]
	if !ok {
		return ""
	}
	cfg := registry.AuthConfig{Username: cred.Username, Password: cred.Password}
	if host != role.DockerHub {
		cfg.ServerAddress = host
	}
	auth, err := registry.EncodeAuthConfig(cfg)
	if err != nil {
		log.G(ctx).WithError(err).WithField("registry", host).Warn("failed to encode registry credentials")
		return ""
	}
	return auth
}

// verify checks the image against the trust policy. A freshly acquired image
// that fails is removed unless the record still references it.
func (c *Controller) verify(ctx context.Context, imageID, ref string, fresh bool) (string, error) {
	if c.opts.Trust == nil || c.desc.Publisher == "" {
		return TrustUnverified, nil
	}

	ok, err := c.opts.Trust.Verify(ctx, imageID, c.desc.Publisher)
	if err == nil && ok {
		return TrustTrusted, nil
	}
	if err == nil {
		err = fmt.Errorf("%s: %w", ref, ErrTrustValidation)
	} else {
		err = fmt.Errorf("%s: %w: %w", ref, ErrTrustValidation, err)
	}

	if fresh && !c.Record().references(ref) {
		rctx, cancel := c.engineCtx(ctx)
		if rerr := c.opts.Engine.ImageRemove(rctx, ref, false); rerr != nil && !engine.IsNotFound(rerr) {
			log.G(ctx).WithError(rerr).WithField("image", ref).Warn("failed to remove untrusted image")
		}
		cancel()
	}
	log.G(ctx).WithField("image", ref).WithError(err).Error("image rejected by trust policy")
	return "", err
}

// Run creates and starts the container from the installed version.
func (c *Controller) Run(ctx context.Context) error {
	return c.op(ctx, "run", c.runLocked)
}

func (c *Controller) runLocked(ctx context.Context) error {
	if c.sm.State() == StateFailed {
		return fmt.Errorf("run %s: %w", c.Name(), ErrFailed)
	}
	rec := c.Record()
	if rec.Ref() == "" && rec.Pending == nil {
		return fmt.Errorf("run %s: %w", c.Name(), ErrNotInstalled)
	}
	adopted, err := c.clearStale(ctx, true)
	if err != nil {
		return err
	}
	if adopted {
		c.persist(ctx)
		log.G(ctx).WithField("image", c.Record().Ref()).Info("container already running")
		return nil
	}
	if p := c.Record().Pending; p != nil {
		c.setInstalled(*p)
	}
	ref := c.Record().Ref()

	rb := &Rollback{}
	if err := c.startNew(ctx, ref, rb); err != nil {
		var runErr *RunError
		if !errors.As(err, &runErr) {
			runErr = &RunError{Phase: PhaseStart, Err: err}
		}
		runErr.Rollback = rb.Execute(context.WithoutCancel(ctx))
		c.toAbsent()
		c.update(func(r *Record) {
			r.ContainerID = ""
			r.Address = ""
		})
		c.persist(ctx)
		return runErr
	}
	rb.Discard()

	c.persist(ctx)
	log.G(ctx).WithField("image", ref).Info("container running")
	return nil
}

// clearStale removes a leftover non-running container of this name. With
// adopt, a running managed container created from the recorded or pending
// image is taken over and reported; any other running one is a conflict.
func (c *Controller) clearStale(ctx context.Context, adopt bool) (bool, error) {
	ictx, cancel := c.engineCtx(ctx)
	info, err := c.opts.Engine.ContainerInspect(ictx, c.Name())
	cancel()
	if engine.IsNotFound(err) {
		c.toAbsent()
		return false, nil
	}
	if err != nil {
		return false, c.check(ctx, "inspect "+c.Name(), err)
	}
	if info.State.Running {
		_, managed := info.Labels[engine.ManagedLabel]
		rec := c.Record()
		if !adopt || !managed || !rec.references(info.ImageRef) {
			return false, fmt.Errorf("%s is running: %w", c.Name(), ErrCreateConflict)
		}
		if rec.Pending != nil && info.ImageRef == rec.Pending.Ref() {
			c.setInstalled(*rec.Pending)
		}
		c.adopt(info)
		c.mu.Lock()
		c.rules = c.desc.DeviceRules(c.opts.Devices.Devices())
		c.mu.Unlock()
		return true, nil
	}

	log.G(ctx).WithField("id", info.ID).Debug("removing stale container")
	rctx, cancel := c.engineCtx(ctx)
	err = c.opts.Engine.ContainerRemove(rctx, info.ID, true)
	cancel()
	if err != nil && !engine.IsNotFound(err) {
		return false, fmt.Errorf("remove stale %s: %w: %w", c.Name(), ErrCreateConflict, c.check(ctx, "remove", err))
	}
	c.toAbsent()
	return false, nil
}

func (c *Controller) bridged() bool {
	return c.desc.Network == role.Bridge && c.opts.Network != nil
}

func (c *Controller) startNew(ctx context.Context, ref string, rb *Rollback) error {
	name := c.Name()

	var addr netip.Addr
	if c.bridged() {
		_, had := c.opts.Network.Lookup(name)
		a, err := c.opts.Network.Address(ctx, name, c.desc.Role)
		switch {
		case errors.Is(err, network.ErrNoAddress):
		case err != nil:
			return &RunError{Phase: PhaseAddress, Err: err}
		default:
			addr = a
			if !had {
				rb.Push("address", func(ctx context.Context) error {
					return c.opts.Network.Release(ctx, name)
				})
			}
		}
	}

	spec := c.desc.ContainerSpec(c.Record().Version)
	spec.Image = ref
	rules := c.desc.DeviceRules(c.opts.Devices.Devices())
	spec.DeviceCgroupRules = rules
	spec.ExtraHosts = c.extraHosts()

	id, err := c.create(ctx, spec)
	if errdefs.IsConflict(err) {
		log.G(ctx).WithError(err).Debug("name in use on create; clearing stale container and retrying")
		if _, serr := c.clearStale(ctx, false); serr != nil {
			return &RunError{Phase: PhaseCreate, Err: serr}
		}
		id, err = c.create(ctx, spec)
	}
	if errdefs.IsConflict(err) {
		return &RunError{Phase: PhaseCreate, Err: fmt.Errorf("%s: %w", name, ErrCreateConflict)}
	}
	if err != nil {
		return &RunError{Phase: PhaseCreate, Err: c.check(ctx, "create "+name, err)}
	}
	rb.Push("container", func(ctx context.Context) error {
		rctx, cancel := c.engineCtx(ctx)
		defer cancel()
		if err := c.opts.Engine.ContainerRemove(rctx, id, true); err != nil && !engine.IsNotFound(err) {
			return err
		}
		return nil
	})
	c.update(func(r *Record) {
		r.ContainerID = id
		r.ExitCode = 0
		r.Health = ""
		r.Stale = false
	})
	c.mu.Lock()
	c.rules = rules
	c.expectStop = false
	c.mu.Unlock()
	if err := c.sm.Transition(StateAbsent, StateCreated); err != nil {
		return &RunError{Phase: PhaseCreate, Err: err}
	}

	if addr.IsValid() {
		if err := c.opts.Network.Attach(ctx, id, name, addr, c.desc.Aliases); err != nil {
			return &RunError{Phase: PhaseAttach, Err: err}
		}
		rb.Push("endpoint", func(ctx context.Context) error {
			return c.opts.Network.Detach(ctx, id)
		})
		c.update(func(r *Record) { r.Address = addr.String() })
	}

	if err := c.sm.Transition(StateCreated, StateStarting); err != nil {
		return &RunError{Phase: PhaseStart, Err: err}
	}
	sctx, cancel := c.engineCtx(ctx)
	err = c.opts.Engine.ContainerStart(sctx, id)
	cancel()
	if err != nil {
		return &RunError{Phase: PhaseStart, Err: c.check(ctx, "start "+name, err)}
	}
	if err := c.sm.Transition(StateStarting, StateRunning); err != nil {
		return &RunError{Phase: PhaseStart, Err: err}
	}
	return nil
}

func (c *Controller) create(ctx context.Context, spec *engine.ContainerSpec) (string, error) {
	cctx, cancel := c.engineCtx(ctx)
	defer cancel()
	return c.opts.Engine.ContainerCreate(cctx, spec)
}

// extraHosts resolves the descriptor's host entries to role addresses. Core
// shares the host network namespace and gets every internal name as well.
func (c *Controller) extraHosts() []string {
	if c.opts.Network == nil {
		return nil
	}
	entries := map[string]string{}
	if c.desc.Role == role.Core {
		for host, addr := range c.opts.Network.Hosts() {
			if host != c.Name() {
				entries[host] = addr
			}
		}
	}
	for host, r := range c.desc.ExtraHosts {
		if addr, ok := c.opts.Network.RoleAddress(r); ok {
			entries[host] = addr.String()
		}
	}
	if len(entries) == 0 {
		return nil
	}
	hosts := make([]string, 0, len(entries))
	for host, addr := range entries {
		hosts = append(hosts, host+":"+addr)
	}
	slices.Sort(hosts)
	return hosts
}

func (c *Controller) stopTimeout() time.Duration {
	return cmp.Or(c.desc.StopTimeout, c.opts.Timeouts.Stop)
}

// Stop stops the container gracefully, killing it when the role timeout
// expires. With remove the container is deleted and the controller becomes
// Absent; this is also the explicit cleanup that leaves Failed.
func (c *Controller) Stop(ctx context.Context, remove bool) error {
	return c.op(ctx, "stop", func(ctx context.Context) error {
		return c.stopLocked(ctx, remove)
	})
}

func (c *Controller) stopLocked(ctx context.Context, remove bool) error {
	name := c.Name()
	target := cmp.Or(c.ContainerID(), name)

	prev := c.sm.State()
	if prev == StateRunning {
		if err := c.sm.Transition(StateRunning, StateStopping); err != nil {
			return err
		}
	}

	timeout := c.stopTimeout()
	sctx, cancel := context.WithTimeout(ctx, timeout+c.opts.Timeouts.EngineCall)
	err := c.opts.Engine.ContainerStop(sctx, target, timeout)
	cancel()
	if engine.IsNotFound(err) {
		c.toAbsent()
		c.update(func(r *Record) {
			r.ContainerID = ""
			r.Address = ""
		})
		c.persist(ctx)
		return nil
	}
	if err != nil {
		if prev == StateRunning {
			c.sm.ForceTransition(StateRunning)
		}
		return c.check(ctx, "stop "+name, err)
	}
	if c.sm.State() == StateStopping {
		if err := c.sm.Transition(StateStopping, StateStopped); err != nil {
			log.G(ctx).WithError(err).Debug("stop raced with an observed exit")
		}
	}

	if remove {
		rctx, cancel := c.engineCtx(ctx)
		err := c.opts.Engine.ContainerRemove(rctx, target, true)
		cancel()
		if err != nil && !engine.IsNotFound(err) {
			return c.check(ctx, "remove "+name, err)
		}
		c.toAbsent()
		c.update(func(r *Record) {
			r.ContainerID = ""
			r.Address = ""
			r.Health = ""
		})
	}
	c.persist(ctx)
	log.G(ctx).WithField("removed", remove).Info("container stopped")
	return nil
}

// Update installs version, replaces the container and drops the previous
// image once the new container runs. If the new container fails to start the
// controller is left Absent; running the previous version recovers it.
func (c *Controller) Update(ctx context.Context, version string, opts InstallOptions) error {
	return c.op(ctx, "update", func(ctx context.Context) error {
		inst, err := c.installLocked(ctx, version, opts)
		if err != nil {
			return err
		}

		old := c.Record()
		if old.Ref() == inst.Ref() && c.sm.State() == StateRunning {
			log.G(ctx).WithField("version", version).Info("already running requested version")
			return nil
		}

		if err := c.stopLocked(ctx, true); err != nil {
			return fmt.Errorf("update %s: %w", c.Name(), err)
		}
		c.setInstalled(inst)
		if err := c.runLocked(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("previous", old.Version).Error("update failed; container left absent")
			return fmt.Errorf("update %s to %s: %w", c.Name(), version, err)
		}

		if prev := old.Ref(); prev != "" && prev != inst.Ref() {
			c.removeImage(ctx, prev)
		}
		log.G(ctx).WithFields(log.Fields{"from": old.Version, "to": version}).Info("container updated")
		return nil
	})
}

func (c *Controller) removeImage(ctx context.Context, ref string) {
	rctx, cancel := c.engineCtx(ctx)
	defer cancel()
	if err := c.opts.Engine.ImageRemove(rctx, ref, false); err != nil && !engine.IsNotFound(err) {
		log.G(ctx).WithError(err).WithField("image", ref).Warn("failed to remove previous image")
	}
}

// Cleanup removes local tags of image and oldImage that do not point at
// image:version. The image referenced by the record is always kept.
func (c *Controller) Cleanup(ctx context.Context, oldImage, image, version string) error {
	return c.op(ctx, "cleanup", func(ctx context.Context) error {
		image = cmp.Or(image, c.desc.Image)

		rec := c.Record()
		refs := []string{role.ImageRef(image, version), rec.Ref()}
		if rec.Pending != nil {
			refs = append(refs, rec.Pending.Ref())
		}
		keep := map[string]bool{}
		for _, ref := range refs {
			if ref == "" {
				continue
			}
			img, err := c.inspectImage(ctx, ref)
			if engine.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			keep[img.ID] = true
		}

		var errs []error
		repos := []string{image}
		if oldImage != "" && oldImage != image {
			repos = append(repos, oldImage)
		}
		for _, repo := range repos {
			lctx, cancel := c.engineCtx(ctx)
			imgs, err := c.opts.Engine.ImageList(lctx, repo)
			cancel()
			if err != nil {
				errs = append(errs, c.check(ctx, "list "+repo, err))
				continue
			}
			for _, img := range imgs {
				if keep[img.ID] {
					continue
				}
				for _, tag := range img.RepoTags {
					if r, _ := role.SplitRef(tag); r != repo {
						continue
					}
					rctx, cancel := c.engineCtx(ctx)
					err := c.opts.Engine.ImageRemove(rctx, tag, false)
					cancel()
					if err != nil && !engine.IsNotFound(err) {
						errs = append(errs, c.check(ctx, "remove "+tag, err))
						continue
					}
					log.G(ctx).WithField("image", tag).Debug("removed old image")
				}
			}
		}
		return errors.Join(errs...)
	})
}

// Remove uninstalls the container: it is stopped and removed, its address
// is released, the installed image is deleted and the record is dropped.
func (c *Controller) Remove(ctx context.Context) error {
	return c.op(ctx, "remove", func(ctx context.Context) error {
		if err := c.stopLocked(ctx, true); err != nil {
			return err
		}
		if c.opts.Network != nil {
			if err := c.opts.Network.Release(ctx, c.Name()); err != nil {
				return err
			}
		}
		rec := c.Record()
		if ref := rec.Ref(); ref != "" {
			c.removeImage(ctx, ref)
		}
		if rec.Pending != nil {
			c.removeImage(ctx, rec.Pending.Ref())
		}
		if err := c.opts.Records.Delete(ctx, c.Name()); err != nil && !errors.Is(err, boltstore.ErrNotFound) {
			return fmt.Errorf("delete record of %s: %w", c.Name(), err)
		}
		c.update(func(r *Record) {
			*r = Record{Name: r.Name, Role: r.Role, Slug: r.Slug, Image: c.desc.Image, Trust: TrustUnverified}
		})
		log.G(ctx).Info("container uninstalled")
		return nil
	})
}

type localLocker struct {
	mu sync.Mutex
}

func (l *localLocker) Lock(string)   { l.mu.Lock() }
func (l *localLocker) Unlock(string) { l.mu.Unlock() }
