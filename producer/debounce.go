package producer

import (
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pos_bridge/models"
)

// Timer and Clock abstract time.AfterFunc so the debouncer can run under a
// fake clock in tests.
type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type pendingChange struct {
	change models.EntityChange
	timer  Timer
}

// Debouncer coalesces rapid updates to one entity into a single publish. The
// poll loop re-reports a pending change every cycle, so the window timer is
// replaced only when a genuinely newer version of the entity arrives;
// otherwise an entity edited continuously would never flush.
type Debouncer struct {
	window time.Duration
	clock  Clock
	fire   func(models.EntityChange)

	mu      sync.Mutex
	pending map[string]*pendingChange
}

func NewDebouncer(window time.Duration, fire func(models.EntityChange)) *Debouncer {
	return newDebouncerWithClock(window, fire, realClock{})
}

func newDebouncerWithClock(window time.Duration, fire func(models.EntityChange), clock Clock) *Debouncer {
	return &Debouncer{
		window:  window,
		clock:   clock,
		fire:    fire,
		pending: make(map[string]*pendingChange),
	}
}

// Notify queues a change. Re-notifications of the same content keep the
// existing timer running; a newer content hash or modification time restarts
// the window with the fresher change.
func (d *Debouncer) Notify(change models.EntityChange) {
	key := change.EntityType + ":" + change.EntityID

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.pending[key]; ok {
		sameContent := existing.change.ContentHash == change.ContentHash &&
			!change.LastModifiedAt.After(existing.change.LastModifiedAt)
		if sameContent {
			return
		}
		existing.timer.Stop()
	}

	entry := &pendingChange{change: change}
	entry.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		current, ok := d.pending[key]
		if !ok || current != entry {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()
		d.fire(entry.change)
	})
	d.pending[key] = entry
}

// Cancel drops any pending change for the entity without firing it. Used
// when an immediate event for the same entity already went out.
func (d *Debouncer) Cancel(entityType, entityID string) {
	key := entityType + ":" + entityID

	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.pending[key]; ok {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}

// Flush fires every pending change immediately. Called on shutdown so queued
// work is not lost to the process exit.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	entries := make([]*pendingChange, 0, len(d.pending))
	for key, entry := range d.pending {
		entry.timer.Stop()
		entries = append(entries, entry)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, entry := range entries {
		d.fire(entry.change)
	}
}

// PendingCount reports queued entities, for the stats endpoint.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
