package hardware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/fsnotify/fsnotify"
)

// Action is the kind of a device change.
type Action int

const (
	Attach Action = iota
	Detach
)

func (a Action) String() string {
	if a == Attach {
		return "attach"
	}
	return "detach"
}

// Event is a device attach or detach notification.
type Event struct {
	Action Action
	Device Device
}

// Lister returns the current device list.
type Lister interface {
	Devices() []Device
}

// StaticLister is a fixed device list.
type StaticLister []Device

func (s StaticLister) Devices() []Device { return slices.Clone(s) }

// watchedSubdirs are the directories below the dev dir that hold device
// nodes of interest, besides the dev dir itself.
var watchedSubdirs = []string{"snd", "dri", "serial/by-id", "bus/usb"}

// Watcher keeps the device list current by watching the dev dir with
// fsnotify and fans out change events to subscribers.
type Watcher struct {
	devDir string

	mu      sync.Mutex
	devices map[string]Device
	subs    []chan Event

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
}

// NewWatcher creates a watcher for devDir. Call Start to begin watching.
func NewWatcher(devDir string) *Watcher {
	return &Watcher{
		devDir:  devDir,
		devices: map[string]Device{},
	}
}

// Devices returns a snapshot of the known devices sorted by path.
func (w *Watcher) Devices() []Device {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Device, 0, len(w.devices))
	for _, d := range w.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Device) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Subscribe returns a channel receiving every subsequent change. Slow
// subscribers miss events rather than stall the watcher.
func (w *Watcher) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Start performs an initial scan and begins watching in a goroutine.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	devices, err := Scan(w.devDir)
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(w.devDir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.devDir, err)
	}
	for _, sub := range watchedSubdirs {
		p := filepath.Join(w.devDir, sub)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := fw.Add(p); err != nil {
			log.G(ctx).WithError(err).WithField("path", p).Debug("hardware: cannot watch subdirectory")
		}
	}

	w.mu.Lock()
	for _, d := range devices {
		w.devices[d.Path] = d
	}
	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.started = true
	w.mu.Unlock()

	log.G(ctx).WithFields(log.Fields{
		"dev_dir": w.devDir,
		"devices": len(devices),
	}).Info("hardware: watcher started")

	go w.loop(ctx)
	return nil
}

// Stop ends the watch loop and closes every subscriber channel.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.stopCh == nil {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopCh:
		w.mu.Unlock()
		return
	default:
		close(w.stopCh)
	}
	stoppedCh := w.stoppedCh
	w.mu.Unlock()

	<-stoppedCh
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() {
		w.watcher.Close()
		w.mu.Lock()
		for _, ch := range w.subs {
			close(ch)
		}
		w.subs = nil
		w.mu.Unlock()
		close(w.stoppedCh)
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.resync(ctx)
				continue
			}
			log.G(ctx).WithError(err).Warn("hardware: watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// New subdirectory such as /dev/snd appearing with the first sound card.
			if err := w.watcher.Add(ev.Name); err == nil {
				w.resync(ctx)
			}
			return
		}
		dev, ok, err := Probe(w.devDir, ev.Name)
		if err != nil || !ok {
			return
		}
		w.mu.Lock()
		_, known := w.devices[dev.Path]
		w.devices[dev.Path] = dev
		w.mu.Unlock()
		if !known {
			w.publish(ctx, Event{Action: Attach, Device: dev})
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		dev, known := w.devices[ev.Name]
		delete(w.devices, ev.Name)
		w.mu.Unlock()
		if known {
			w.publish(ctx, Event{Action: Detach, Device: dev})
		}
	}
}

// resync rescans the dev dir and publishes the differences.
func (w *Watcher) resync(ctx context.Context) {
	devices, err := Scan(w.devDir)
	if err != nil {
		log.G(ctx).WithError(err).Warn("hardware: rescan failed")
		return
	}
	current := map[string]Device{}
	for _, d := range devices {
		current[d.Path] = d
	}

	w.mu.Lock()
	var events []Event
	for p, d := range current {
		if _, ok := w.devices[p]; !ok {
			events = append(events, Event{Action: Attach, Device: d})
		}
	}
	for p, d := range w.devices {
		if _, ok := current[p]; !ok {
			events = append(events, Event{Action: Detach, Device: d})
		}
	}
	w.devices = current
	w.mu.Unlock()

	for _, ev := range events {
		w.publish(ctx, ev)
	}
}

func (w *Watcher) publish(ctx context.Context, ev Event) {
	log.G(ctx).WithFields(log.Fields{
		"action": ev.Action,
		"device": ev.Device.Path,
		"class":  ev.Device.Class,
	}).Debug("hardware: device change")

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			log.G(ctx).WithField("device", ev.Device.Path).Warn("hardware: subscriber not draining, event dropped")
		}
	}
}
