package sync

import (
	stdsync "sync"
	"time"

	"happy-sync/internal/wire"
)

const activityDebounce = 500 * time.Millisecond

// activityDebouncer accumulates ephemeral activity signals per entity and
// applies only the latest after a quiet period. Timers are cancelable and
// cancelled whenever their purpose lapses (session deleted, teardown).
type activityDebouncer struct {
	mu      stdsync.Mutex
	apply   func(wire.Ephemeral)
	pending map[string]wire.Ephemeral
	timers  map[string]*time.Timer
	stopped bool
}

func newActivityDebouncer(apply func(wire.Ephemeral)) *activityDebouncer {
	return &activityDebouncer{
		apply:   apply,
		pending: make(map[string]wire.Ephemeral),
		timers:  make(map[string]*time.Timer),
	}
}

func (d *activityDebouncer) observe(ev wire.Ephemeral) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[ev.ID] = ev
	if t, ok := d.timers[ev.ID]; ok {
		t.Reset(activityDebounce)
		return
	}
	id := ev.ID
	d.timers[id] = time.AfterFunc(activityDebounce, func() { d.fire(id) })
}

func (d *activityDebouncer) fire(id string) {
	d.mu.Lock()
	ev, ok := d.pending[id]
	delete(d.pending, id)
	delete(d.timers, id)
	stopped := d.stopped
	d.mu.Unlock()
	if ok && !stopped {
		d.apply(ev)
	}
}

func (d *activityDebouncer) cancel(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
	delete(d.pending, id)
}

func (d *activityDebouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.pending = make(map[string]wire.Ephemeral)
}
