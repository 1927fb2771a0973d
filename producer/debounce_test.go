package producer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bitbucket.org/mmdatafocus/pos_bridge/models"
)

type fakeTimer struct {
	when    time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.when.After(c.now) {
			due = append(due, t)
		} else if !t.stopped {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func change(entityType, id, hash string, at time.Time) models.EntityChange {
	return models.EntityChange{
		EntityType:     entityType,
		EntityID:       id,
		ChangeReason:   models.ReasonUpdated,
		ContentHash:    hash,
		LastModifiedAt: at,
	}
}

func collectFired(fired *[]models.EntityChange, mu *sync.Mutex) func(models.EntityChange) {
	return func(c models.EntityChange) {
		mu.Lock()
		*fired = append(*fired, c)
		mu.Unlock()
	}
}

func TestDebouncerCoalescesIdenticalReports(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var fired []models.EntityChange
	d := newDebouncerWithClock(4*time.Second, collectFired(&fired, &mu), clock)

	c1 := change(models.EntityOrder, "inst:1:10", "h1", clock.Now())
	d.Notify(c1)
	assert.Equal(t, 1, d.PendingCount())

	// The poll loop re-reports the same content every 2s. The window must
	// keep running, not restart, or this entity would never flush.
	clock.Advance(2 * time.Second)
	d.Notify(c1)
	assert.Empty(t, fired)

	clock.Advance(2 * time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fired, 1)
	assert.Equal(t, "h1", fired[0].ContentHash)
	assert.Zero(t, d.PendingCount())
}

func TestDebouncerRestartsWindowOnNewContent(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var fired []models.EntityChange
	d := newDebouncerWithClock(4*time.Second, collectFired(&fired, &mu), clock)

	d.Notify(change(models.EntityOrder, "inst:1:10", "h1", clock.Now()))
	clock.Advance(2 * time.Second)

	// A genuinely newer version restarts the window and replaces the payload.
	d.Notify(change(models.EntityOrder, "inst:1:10", "h2", clock.Now()))
	clock.Advance(2 * time.Second)
	mu.Lock()
	assert.Empty(t, fired)
	mu.Unlock()

	clock.Advance(2 * time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fired, 1)
	assert.Equal(t, "h2", fired[0].ContentHash)
}

func TestDebouncerTracksEntitiesIndependently(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var fired []models.EntityChange
	d := newDebouncerWithClock(4*time.Second, collectFired(&fired, &mu), clock)

	d.Notify(change(models.EntityOrder, "inst:1:10", "a", clock.Now()))
	clock.Advance(2 * time.Second)
	d.Notify(change(models.EntityOrder, "inst:1:11", "b", clock.Now()))
	assert.Equal(t, 2, d.PendingCount())

	clock.Advance(2 * time.Second)
	mu.Lock()
	assert.Len(t, fired, 1)
	assert.Equal(t, "inst:1:10", fired[0].EntityID)
	mu.Unlock()

	clock.Advance(2 * time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fired, 2)
}

func TestDebouncerCancelDropsPendingChange(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var fired []models.EntityChange
	d := newDebouncerWithClock(4*time.Second, collectFired(&fired, &mu), clock)

	d.Notify(change(models.EntityOrder, "inst:1:10", "h1", clock.Now()))
	d.Notify(change(models.EntityOrder, "inst:1:11", "h2", clock.Now()))
	assert.Equal(t, 2, d.PendingCount())

	d.Cancel(models.EntityOrder, "inst:1:10")
	assert.Equal(t, 1, d.PendingCount())

	// Cancelling an entity with nothing pending is fine.
	d.Cancel(models.EntityShift, "inst:9")

	clock.Advance(4 * time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fired, 1)
	assert.Equal(t, "inst:1:11", fired[0].EntityID)
}

func TestDebouncerFlushFiresEverythingNow(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var fired []models.EntityChange
	d := newDebouncerWithClock(4*time.Second, collectFired(&fired, &mu), clock)

	d.Notify(change(models.EntityOrder, "inst:1:10", "a", clock.Now()))
	d.Notify(change(models.EntityShift, "inst:7", "b", clock.Now()))

	d.Flush()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fired, 2)
	assert.Zero(t, d.PendingCount())

	// Stopped timers must not fire again later.
	clock.Advance(10 * time.Second)
	assert.Len(t, fired, 2)
}
