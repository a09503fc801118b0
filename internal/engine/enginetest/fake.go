// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spin-stack/fleetd/internal/engine"
)

type fakeContainer struct {
	info engine.ContainerInfo
	spec engine.ContainerSpec
	logs []byte
}

type fakeNetwork struct {
	info      engine.NetworkInfo
	endpoints map[string]engine.NetworkEndpoint // container ID -> endpoint
	aliases   map[string][]string
}

type subscriber struct {
	filter engine.EventFilter
	ch     chan engine.Event
	errCh  chan error
	done   chan struct{}
}

// Fake is a goroutine-safe in-memory engine. Failures can be injected per
// operation name (the engine method name, e.g. "ContainerStart").
type Fake struct {
	mu sync.Mutex

	nextID     int
	containers map[string]*fakeContainer // by ID
	names      map[string]string         // name -> ID
	tags       map[string]string         // repo:tag -> image ID
	images     map[string]*engine.ImageInfo
	networks   map[string]*fakeNetwork // by name
	stats      map[string]*engine.RawStats
	stdin      map[string][]byte

	subs        []*subscriber
	failures    map[string][]error
	calls       map[string]int
	holds       map[string]chan struct{}
	unavailable bool

	// ExecResult is returned by RunEphemeral.
	ExecResult engine.ExecResult
	// Ephemeral records every RunEphemeral spec.
	Ephemeral []engine.ContainerSpec
	// Builds records every ImageBuild request.
	Builds []engine.BuildRequest
	// Pulls records every pulled reference with the options used.
	Pulls []PullCall
}

// PullCall is one recorded ImagePull.
type PullCall struct {
	Ref  string
	Opts engine.PullOptions
}

var _ engine.Engine = (*Fake)(nil)

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{
		containers: map[string]*fakeContainer{},
		names:      map[string]string{},
		tags:       map[string]string{},
		images:     map[string]*engine.ImageInfo{},
		networks:   map[string]*fakeNetwork{},
		stats:      map[string]*engine.RawStats{},
		stdin:      map[string][]byte{},
		failures:   map[string][]error{},
		calls:      map[string]int{},
		holds:      map[string]chan struct{}{},
	}
}

// Fail queues err to be returned by the next call to op.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// SetUnavailable makes every call fail with engine.ErrUnavailable.
func (f *Fake) SetUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

// Hold makes calls to op block until release is called or the call's
// context ends. Only ContainerCreate honors it.
func (f *Fake) Hold(op string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[op] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.holds[op] == ch {
				delete(f.holds, op)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// wait blocks while op is held. Callers must not hold f.mu.
func (f *Fake) wait(ctx context.Context, op string) error {
	f.mu.Lock()
	ch := f.holds[op]
	f.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// enter records the call and returns an injected failure, if any. Callers hold f.mu.
func (f *Fake) enter(op string) error {
	f.calls[op]++
	if f.unavailable {
		return fmt.Errorf("%s: %w", op, engine.ErrUnavailable)
	}
	if q := f.failures[op]; len(q) > 0 {
		err := q[0]
		f.failures[op] = q[1:]
		return err
	}
	return nil
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, engine.ErrNotFound)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), engine.ErrConflict)
}

func (f *Fake) lookup(nameOrID string) (*fakeContainer, bool) {
	if c, ok := f.containers[nameOrID]; ok {
		return c, true
	}
	if id, ok := f.names[strings.TrimPrefix(nameOrID, "/")]; ok {
		return f.containers[id], true
	}
	return nil, false
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("Ping")
}

func (f *Fake) Close() error { return nil }

// Containers

func (f *Fake) ContainerCreate(ctx context.Context, spec *engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	err := f.enter("ContainerCreate")
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := f.wait(ctx, "ContainerCreate"); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.names[spec.Name]; ok {
		return "", conflict("container name %s already in use", spec.Name)
	}
	imageID, ok := f.resolveImage(spec.Image)
	if !ok {
		return "", notFound("image", spec.Image)
	}

	f.nextID++
	id := fmt.Sprintf("%064x", f.nextID)
	c := &fakeContainer{
		spec: *spec,
		info: engine.ContainerInfo{
			ID:       id,
			Name:     spec.Name,
			ImageID:  imageID,
			ImageRef: spec.Image,
			Labels:   maps.Clone(spec.Labels),
			State:    engine.ContainerState{Status: "created"},
			Networks: map[string]string{},
		},
	}
	f.containers[id] = c
	f.names[spec.Name] = id

	if spec.Network != "" {
		if err := f.connectLocked(spec.Network, id, spec.NetworkSpec); err != nil {
			delete(f.containers, id)
			delete(f.names, spec.Name)
			return "", err
		}
	}
	f.emitLocked(c, engine.ActionCreate, nil)
	return id, nil
}

func (f *Fake) ContainerStart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerStart"); err != nil {
		return err
	}
	c, ok := f.lookup(id)
	if !ok {
		return notFound("container", id)
	}
	if c.info.State.Running {
		return nil
	}
	c.info.State = engine.ContainerState{Status: "running", Running: true, StartedAt: time.Now()}
	f.emitLocked(c, engine.ActionStart, nil)
	return nil
}

func (f *Fake) ContainerStop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerStop"); err != nil {
		return err
	}
	c, ok := f.lookup(id)
	if !ok {
		return notFound("container", id)
	}
	if !c.info.State.Running {
		return nil
	}
	// same order as the engine: the signal, the exit, then the stop itself
	f.emitLocked(c, engine.ActionKill, nil)
	f.exitLocked(c, 0)
	f.emitLocked(c, engine.ActionStop, nil)
	return nil
}

func (f *Fake) exitLocked(c *fakeContainer, code int) {
	c.info.State.Running = false
	c.info.State.Status = "exited"
	c.info.State.ExitCode = code
	c.info.State.Health = engine.HealthNone
	c.info.State.FinishedAt = time.Now()
	f.emitLocked(c, engine.ActionDie, func(ev *engine.Event) { ev.ExitCode = code })
}

func (f *Fake) ContainerRemove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerRemove"); err != nil {
		return err
	}
	c, ok := f.lookup(id)
	if !ok {
		return notFound("container", id)
	}
	if c.info.State.Running {
		if !force {
			return conflict("container %s is running", c.info.Name)
		}
		f.emitLocked(c, engine.ActionKill, nil)
		f.exitLocked(c, 137)
	}
	for _, n := range f.networks {
		delete(n.endpoints, c.info.ID)
		delete(n.aliases, c.info.ID)
	}
	delete(f.containers, c.info.ID)
	delete(f.names, c.info.Name)
	f.emitLocked(c, engine.ActionDestroy, nil)
	return nil
}

func (f *Fake) ContainerInspect(ctx context.Context, nameOrID string) (*engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerInspect"); err != nil {
		return nil, err
	}
	c, ok := f.lookup(nameOrID)
	if !ok {
		return nil, notFound("container", nameOrID)
	}
	info := c.info
	info.Labels = maps.Clone(c.info.Labels)
	info.Networks = maps.Clone(c.info.Networks)
	return &info, nil
}

func (f *Fake) ContainerLogs(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerLogs"); err != nil {
		return nil, err
	}
	c, ok := f.lookup(id)
	if !ok {
		return nil, notFound("container", id)
	}
	return slices.Clone(c.logs), nil
}

func (f *Fake) ContainerWriteStdin(ctx context.Context, id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerWriteStdin"); err != nil {
		return err
	}
	c, ok := f.lookup(id)
	if !ok {
		return notFound("container", id)
	}
	if !c.info.State.Running {
		return conflict("container %s is not running", c.info.Name)
	}
	f.stdin[c.info.Name] = append(f.stdin[c.info.Name], data...)
	return nil
}

func (f *Fake) RunEphemeral(ctx context.Context, spec *engine.ContainerSpec) (*engine.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RunEphemeral"); err != nil {
		return nil, err
	}
	if _, ok := f.resolveImage(spec.Image); !ok {
		return nil, notFound("image", spec.Image)
	}
	f.Ephemeral = append(f.Ephemeral, *spec)
	res := f.ExecResult
	return &res, nil
}

// Stats

func (f *Fake) ContainerStats(ctx context.Context, id string) (*engine.RawStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerStats"); err != nil {
		return nil, err
	}
	c, ok := f.lookup(id)
	if !ok {
		return nil, notFound("container", id)
	}
	if s, ok := f.stats[c.info.ID]; ok && c.info.State.Running {
		cp := *s
		return &cp, nil
	}
	return &engine.RawStats{}, nil
}

// Events

func (f *Fake) Events(ctx context.Context, filter engine.EventFilter) (<-chan engine.Event, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &subscriber{
		filter: filter,
		ch:     make(chan engine.Event, 256),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	if err := f.enter("Events"); err != nil {
		sub.errCh <- err
		close(sub.ch)
		return sub.ch, sub.errCh
	}
	f.subs = append(f.subs, sub)

	go func() {
		select {
		case <-ctx.Done():
			f.endSubscription(sub, ctx.Err())
		case <-sub.done:
		}
	}()
	return sub.ch, sub.errCh
}

func (f *Fake) endSubscription(sub *subscriber, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endLocked(sub, err)
}

func (f *Fake) endLocked(sub *subscriber, err error) {
	idx := slices.Index(f.subs, sub)
	if idx < 0 {
		return
	}
	f.subs = slices.Delete(f.subs, idx, idx+1)
	sub.errCh <- err
	close(sub.done)
}

// DropSubscriptions terminates every open event stream with err.
func (f *Fake) DropSubscriptions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range slices.Clone(f.subs) {
		f.endLocked(sub, err)
	}
}

// Subscribers returns the number of open event streams.
func (f *Fake) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func matches(filter engine.EventFilter, ev engine.Event, labels map[string]string) bool {
	for _, l := range filter.Labels {
		k, v, hasValue := strings.Cut(l, "=")
		got, ok := labels[k]
		if !ok || (hasValue && got != v) {
			return false
		}
	}
	if len(filter.Actions) > 0 && !slices.Contains(filter.Actions, ev.Action) {
		return false
	}
	return true
}

func (f *Fake) emitLocked(c *fakeContainer, action string, mutate func(*engine.Event)) {
	ev := engine.Event{
		Action: action,
		ID:     c.info.ID,
		Name:   c.info.Name,
		Labels: maps.Clone(c.info.Labels),
		Time:   time.Now(),
	}
	if mutate != nil {
		mutate(&ev)
	}
	for _, sub := range f.subs {
		if !matches(sub.filter, ev, c.info.Labels) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Die simulates the container's main process exiting with code.
func (f *Fake) Die(nameOrID string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(nameOrID); ok && c.info.State.Running {
		f.exitLocked(c, code)
	}
}

// SetHealth sets the container health and emits a health_status event.
func (f *Fake) SetHealth(nameOrID, health string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(nameOrID); ok {
		c.info.State.Health = health
		f.emitLocked(c, engine.ActionHealth, func(ev *engine.Event) { ev.Health = health })
	}
}

// SetStats sets the sample returned for a running container.
func (f *Fake) SetStats(nameOrID string, s *engine.RawStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(nameOrID); ok {
		f.stats[c.info.ID] = s
	}
}

// SetLogs sets the log output of a container.
func (f *Fake) SetLogs(nameOrID string, logs []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(nameOrID); ok {
		c.logs = logs
	}
}

// Stdin returns everything written to a container's stdin.
func (f *Fake) Stdin(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.stdin[name])
}

// Spec returns the create spec of a container.
func (f *Fake) Spec(nameOrID string) (engine.ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(nameOrID)
	if !ok {
		return engine.ContainerSpec{}, false
	}
	return c.spec, true
}

// Running returns the names of running containers, sorted.
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.containers {
		if c.info.State.Running {
			out = append(out, c.info.Name)
		}
	}
	slices.Sort(out)
	return out
}
