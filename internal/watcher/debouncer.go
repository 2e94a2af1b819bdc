package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces rapid events per path. A batch is emitted once no
// event arrived for the window. Merging follows the file's net effect:
//
//	CREATE then MODIFY  -> CREATE
//	CREATE then DELETE  -> nothing
//	MODIFY then DELETE  -> DELETE
//	DELETE then CREATE  -> MODIFY
type Debouncer struct {
	window time.Duration
	output chan []FileEvent

	mu      sync.Mutex
	pending map[string]FileEvent
	timer   *time.Timer
	stopped bool
}

// NewDebouncer returns a debouncer emitting batches after window of quiet.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		output:  make(chan []FileEvent, 16),
		pending: make(map[string]FileEvent),
	}
}

// merge folds next into prev; false means the two cancel out.
func merge(prev, next Operation) (Operation, bool) {
	switch {
	case prev == OpCreate && next == OpModify:
		return OpCreate, true
	case prev == OpCreate && next == OpDelete:
		return 0, false
	case prev == OpDelete && next == OpCreate:
		return OpModify, true
	}
	return next, true
}

// Add queues ev and restarts the quiet window.
func (d *Debouncer) Add(ev FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if prev, ok := d.pending[ev.Path]; ok {
		op, keep := merge(prev.Operation, ev.Operation)
		if !keep {
			delete(d.pending, ev.Path)
		} else {
			ev.Operation = op
			d.pending[ev.Path] = ev
		}
	} else {
		d.pending[ev.Path] = ev
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]FileEvent, 0, len(d.pending))
	for _, ev := range d.pending {
		batch = append(batch, ev)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
	d.pending = make(map[string]FileEvent)

	select {
	case d.output <- batch:
	default:
		slog.Warn("debouncer_batch_dropped", slog.Int("batch_size", len(batch)))
	}
}

// Output returns the channel of debounced batches.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop discards pending events and closes Output. Safe to call twice.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
