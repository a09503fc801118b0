package monitor

import (
	"sync"
	"time"
)

// restartWindow counts unexpected exits per container name over a sliding
// window. The limit-th exit inside the window exhausts the budget.
type restartWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	exits map[string][]time.Time
}

func newRestartWindow(limit int, window time.Duration, now func() time.Time) *restartWindow {
	return &restartWindow{
		limit:  limit,
		window: window,
		now:    now,
		exits:  make(map[string][]time.Time),
	}
}

// record notes an unexpected exit of name and reports whether the restart
// budget is exhausted. An exhausted budget is reset so a manual recovery
// starts with a full one.
func (w *restartWindow) record(name string) (exhausted bool, count int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.exits[name][:0]
	for _, t := range w.exits[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	count = len(kept)

	if count >= w.limit {
		delete(w.exits, name)
		return true, count
	}
	w.exits[name] = kept
	return false, count
}

func (w *restartWindow) pending(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.exits[name])
}
