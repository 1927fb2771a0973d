package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/pos_bridge/config"
	"bitbucket.org/mmdatafocus/pos_bridge/lifecycle"
	"bitbucket.org/mmdatafocus/pos_bridge/models"
	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

type fakeSource struct {
	mu        sync.Mutex
	changes   []models.EntityChange
	err       error
	snapshots map[string]string
}

func newFakeSource(changes ...models.EntityChange) *fakeSource {
	return &fakeSource{changes: changes, snapshots: map[string]string{}}
}

func (s *fakeSource) GetEntityChanges(since time.Time, limit int) ([]models.EntityChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []models.EntityChange
	for _, c := range s.changes {
		if c.LastModifiedAt.After(since) {
			out = append(out, c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSource) setChanges(changes ...models.EntityChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = changes
}

func (s *fakeSource) UpdateEntitySnapshot(entityType, entityID, sentHash string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[entityType+":"+entityID] = sentHash
	return nil
}

func (s *fakeSource) CleanupStuckTracking(olderThan time.Duration) (int64, error) { return 0, nil }

type publishedEvent struct {
	Key  string
	Body []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []publishedEvent
	failNext bool
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		return utils.NewTransientError("test", errors.New("broker down"))
	}
	p.events = append(p.events, publishedEvent{Key: routingKey, Body: body})
	return nil
}

func (p *fakePublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePublisher) setFailing(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = fail
}

type fakeNotifier struct {
	mu      sync.Mutex
	stopped []string
}

func (n *fakeNotifier) NotifyStateChange(t lifecycle.Transition) {}

func (n *fakeNotifier) NotifyConfigurationError(reason string) {}

func (n *fakeNotifier) NotifyServiceStopped(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, reason)
}

type staticProcessor struct {
	entity string
}

func (p *staticProcessor) Entity() string { return p.entity }

func (p *staticProcessor) Build(change models.EntityChange) (any, error) {
	return map[string]string{"externalId": change.EntityID}, nil
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		VenueID:            "venue_test_12345",
		PosType:            "softrestaurant",
		PollInterval:       2 * time.Second,
		DebounceWindow:     50 * time.Millisecond,
		HeartbeatInterval:  10 * time.Second,
		MaxChangesPerCycle: 100,
	}
}

func runningStates(t *testing.T) *lifecycle.StateManager {
	t.Helper()
	states := lifecycle.NewStateManager()
	require.NoError(t, states.Set(lifecycle.StateRunning, "test"))
	return states
}

func newTestProducer(t *testing.T, source ChangeSource, pub BusPublisher) (*Producer, *StateStore) {
	t.Helper()
	p, store, _, _ := newTestProducerFull(t, source, pub)
	return p, store
}

func newTestProducerFull(t *testing.T, source ChangeSource, pub BusPublisher) (*Producer, *StateStore, *lifecycle.StateManager, *fakeNotifier) {
	t.Helper()
	store := NewStateStore(filepath.Join(t.TempDir(), "syncState.json"), quietLogger())
	require.NoError(t, store.Load())
	procs := map[string]Processor{
		models.EntityOrder:     &staticProcessor{entity: models.EntityOrder},
		models.EntityOrderItem: &staticProcessor{entity: models.EntityOrder},
		models.EntityShift:     &staticProcessor{entity: models.EntityShift},
	}
	states := runningStates(t)
	notifier := &fakeNotifier{}
	p := NewProducer(testConfig(), quietLogger(), store, source, pub, procs, states, notifier)
	return p, store, states, notifier
}

func strPtr(s string) *string { return &s }

func TestClassify(t *testing.T) {
	now := time.Now()
	cases := []struct {
		reason   string
		lastSent *string
		want     string
	}{
		{models.ReasonCreated, nil, models.ReasonCreated},
		{models.ReasonUpdated, nil, models.ReasonCreated}, // never published before
		{models.ReasonUpdated, strPtr("old"), models.ReasonUpdated},
		{models.ReasonItemChange, strPtr("old"), models.ReasonUpdated},
		{models.ReasonDeleted, strPtr("old"), models.ReasonDeleted},
		{models.ReasonDeleted, nil, models.ReasonDeleted},
	}
	for _, tc := range cases {
		got := classify(models.EntityChange{
			ChangeReason:   tc.reason,
			LastSentHash:   tc.lastSent,
			LastModifiedAt: now,
		})
		assert.Equal(t, tc.want, got, "reason=%s", tc.reason)
	}
}

func TestCycleSkipsUnchangedRowsAndAdvances(t *testing.T) {
	now := time.Now().UTC()
	source := newFakeSource(models.EntityChange{
		EntityType:     models.EntityOrder,
		EntityID:       "inst:1:10",
		ChangeReason:   models.ReasonUpdated,
		ContentHash:    "same",
		LastSentHash:   strPtr("same"),
		LastModifiedAt: now,
	})
	pub := &fakePublisher{}
	p, store := newTestProducer(t, source, pub)

	p.cycle(context.Background())

	assert.Empty(t, pub.published())
	assert.True(t, store.Watermark().Equal(now), "watermark=%s", store.Watermark())
}

func TestCyclePublishesCreatesImmediately(t *testing.T) {
	now := time.Now().UTC()
	source := newFakeSource(models.EntityChange{
		EntityType:     models.EntityOrder,
		EntityID:       "inst:1:10",
		ChangeReason:   models.ReasonCreated,
		ContentHash:    "h1",
		LastModifiedAt: now,
	})
	pub := &fakePublisher{}
	p, store := newTestProducer(t, source, pub)

	p.cycle(context.Background())

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, "pos.softrestaurant.order.created", events[0].Key)

	var envelope EventEnvelope
	require.NoError(t, json.Unmarshal(events[0].Body, &envelope))
	assert.Equal(t, "venue_test_12345", envelope.VenueID)
	assert.Equal(t, models.ReasonCreated, envelope.Action)

	assert.Equal(t, "h1", source.snapshots["order:inst:1:10"])
	assert.True(t, store.Watermark().Equal(now))
	assert.EqualValues(t, 1, p.Stats().EventsPublished)
}

func TestCycleDebouncesUpdatesAndPinsWatermark(t *testing.T) {
	before := time.Now().UTC()
	source := newFakeSource(models.EntityChange{
		EntityType:     models.EntityOrder,
		EntityID:       "inst:1:10",
		ChangeReason:   models.ReasonUpdated,
		ContentHash:    "h2",
		LastSentHash:   strPtr("h1"),
		LastModifiedAt: before.Add(time.Second),
	})
	pub := &fakePublisher{}
	p, store := newTestProducer(t, source, pub)
	initial := store.Watermark()

	p.cycle(context.Background())

	// Nothing published yet and the watermark stays pinned before the change.
	assert.Empty(t, pub.published())
	assert.True(t, store.Watermark().Equal(initial))
	assert.Equal(t, 1, p.Stats().DebouncePending)
}

func TestDebouncedConfirmSettlesThroughSnapshot(t *testing.T) {
	now := time.Now().UTC()
	change := models.EntityChange{
		EntityType:     models.EntityOrder,
		EntityID:       "inst:1:10",
		ChangeReason:   models.ReasonUpdated,
		ContentHash:    "h2",
		LastSentHash:   strPtr("h1"),
		LastModifiedAt: now,
	}
	source := newFakeSource(change)
	pub := &fakePublisher{}
	p, store := newTestProducer(t, source, pub)
	initial := store.Watermark()

	p.publishDebounced(change)

	// The confirm lands in the snapshot table only; the watermark waits for
	// the next cycle to walk over the now-settled row.
	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, "pos.softrestaurant.order.updated", events[0].Key)
	assert.Equal(t, "h2", source.snapshots["order:inst:1:10"])
	assert.True(t, store.Watermark().Equal(initial))

	settled := change
	settled.LastSentHash = strPtr("h2")
	source.setChanges(settled)
	p.cycle(context.Background())
	assert.True(t, store.Watermark().Equal(now))
}

func TestDebouncedConfirmDoesNotSkipFailedEarlierChange(t *testing.T) {
	base := time.Now().UTC()
	t1, t2 := base.Add(time.Second), base.Add(2*time.Second)
	created := models.EntityChange{
		EntityType: models.EntityOrder, EntityID: "inst:1:10",
		ChangeReason: models.ReasonCreated, ContentHash: "a", LastModifiedAt: t1,
	}
	updated := models.EntityChange{
		EntityType: models.EntityOrder, EntityID: "inst:1:11",
		ChangeReason: models.ReasonUpdated, ContentHash: "b", LastSentHash: strPtr("old"), LastModifiedAt: t2,
	}
	source := newFakeSource(created, updated)
	pub := &fakePublisher{failNext: true}
	p, store := newTestProducer(t, source, pub)
	initial := store.Watermark()

	// The create fails, the update lands in the debouncer.
	p.cycle(context.Background())
	assert.True(t, store.Watermark().Equal(initial))

	// The debounced update confirms while the earlier create is still
	// unpublished. The watermark must not jump to t2 over it.
	pub.setFailing(false)
	p.debouncer.Flush()
	assert.Equal(t, "b", source.snapshots["order:inst:1:11"])
	assert.True(t, store.Watermark().Equal(initial), "watermark=%s", store.Watermark())

	// Next cycle re-detects the create; once it confirms the whole prefix is
	// settled and the watermark reaches t2.
	settled := updated
	settled.LastSentHash = strPtr("b")
	source.setChanges(created, settled)
	p.cycle(context.Background())
	assert.Equal(t, "a", source.snapshots["order:inst:1:10"])
	assert.True(t, store.Watermark().Equal(t2), "watermark=%s", store.Watermark())
}

func TestImmediateEventCancelsPendingDebounce(t *testing.T) {
	base := time.Now().UTC()
	source := newFakeSource(models.EntityChange{
		EntityType: models.EntityOrder, EntityID: "inst:1:10",
		ChangeReason: models.ReasonUpdated, ContentHash: "h2", LastSentHash: strPtr("h1"),
		LastModifiedAt: base.Add(time.Second),
	})
	pub := &fakePublisher{}
	p, _ := newTestProducer(t, source, pub)

	p.cycle(context.Background())
	require.Equal(t, 1, p.debouncer.PendingCount())

	// The order is voided before the window closes: the deleted event goes
	// out immediately and the stale queued update must die with it.
	source.setChanges(models.EntityChange{
		EntityType: models.EntityOrder, EntityID: "inst:1:10",
		ChangeReason: models.ReasonDeleted, ContentHash: "h3", LastSentHash: strPtr("h1"),
		LastModifiedAt: base.Add(2 * time.Second),
	})
	p.cycle(context.Background())

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, "pos.softrestaurant.order.deleted", events[0].Key)
	assert.Equal(t, 0, p.debouncer.PendingCount())

	// Nothing left to fire: no late update can follow the delete.
	p.debouncer.Flush()
	assert.Len(t, pub.published(), 1)
}

func TestPublishFailureLeavesWatermarkPinned(t *testing.T) {
	now := time.Now().UTC()
	source := newFakeSource(models.EntityChange{
		EntityType:     models.EntityOrder,
		EntityID:       "inst:1:10",
		ChangeReason:   models.ReasonCreated,
		ContentHash:    "h1",
		LastModifiedAt: now,
	})
	pub := &fakePublisher{failNext: true}
	p, store := newTestProducer(t, source, pub)
	initial := store.Watermark()

	p.cycle(context.Background())

	assert.True(t, store.Watermark().Equal(initial))
	assert.Empty(t, source.snapshots)
	assert.EqualValues(t, 1, p.Stats().EventsFailed)

	// Broker back: the same change is re-detected and goes through.
	pub.setFailing(false)
	p.cycle(context.Background())
	assert.Len(t, pub.published(), 1)
	assert.True(t, store.Watermark().Equal(now))
}

func TestWatermarkOnlyAdvancesOverConfirmedPrefix(t *testing.T) {
	base := time.Now().UTC()
	t1, t2, t3 := base.Add(time.Second), base.Add(2*time.Second), base.Add(3*time.Second)
	source := newFakeSource(
		models.EntityChange{
			EntityType: models.EntityOrder, EntityID: "inst:1:10",
			ChangeReason: models.ReasonCreated, ContentHash: "a", LastModifiedAt: t1,
		},
		models.EntityChange{
			EntityType: models.EntityOrder, EntityID: "inst:1:11",
			ChangeReason: models.ReasonUpdated, ContentHash: "b", LastSentHash: strPtr("old"), LastModifiedAt: t2,
		},
		models.EntityChange{
			EntityType: models.EntityOrder, EntityID: "inst:1:12",
			ChangeReason: models.ReasonCreated, ContentHash: "c", LastModifiedAt: t3,
		},
	)
	pub := &fakePublisher{}
	p, store := newTestProducer(t, source, pub)

	p.cycle(context.Background())

	// Both creates published, but the debounced update in the middle pins
	// the watermark at t1; t3 must wait until t2 confirms.
	assert.Len(t, pub.published(), 2)
	assert.True(t, store.Watermark().Equal(t1), "watermark=%s want=%s", store.Watermark(), t1)
}

func TestCycleSkipsUnknownEntityTypes(t *testing.T) {
	now := time.Now().UTC()
	source := newFakeSource(models.EntityChange{
		EntityType:     "mystery",
		EntityID:       "x",
		ChangeReason:   models.ReasonCreated,
		ContentHash:    "h",
		LastModifiedAt: now,
	})
	pub := &fakePublisher{}
	p, store := newTestProducer(t, source, pub)

	p.cycle(context.Background())

	// Unknown types are skipped as confirmed so they cannot wedge the feed.
	assert.Empty(t, pub.published())
	assert.True(t, store.Watermark().Equal(now))
}

func TestSchemaErrorStopsService(t *testing.T) {
	source := newFakeSource()
	source.err = utils.NewSchemaError("pos_entity_tracking", errors.New("no such table"))
	pub := &fakePublisher{}
	p, _, states, notifier := newTestProducerFull(t, source, pub)

	p.cycle(context.Background())

	// A schema mismatch never heals by retrying; the service stops and the
	// operator gets told.
	assert.Equal(t, lifecycle.StateStopped, states.Current())
	require.Len(t, notifier.stopped, 1)
	assert.Contains(t, notifier.stopped[0], "schema")
}

func TestHeartbeatStopAndResume(t *testing.T) {
	p, _ := newTestProducer(t, newFakeSource(), &fakePublisher{})
	assert.True(t, p.heartbeatOn.Load())
	p.StopHeartbeat()
	assert.False(t, p.heartbeatOn.Load())
	p.ResumeHeartbeat()
	assert.True(t, p.heartbeatOn.Load())
}

func TestOrderItemChangesPublishAsOrderEvents(t *testing.T) {
	now := time.Now().UTC()
	source := newFakeSource(models.EntityChange{
		EntityType:     models.EntityOrderItem,
		EntityID:       "inst:1:10:3",
		ChangeReason:   models.ReasonItemChange,
		ContentHash:    "h",
		LastSentHash:   nil, // first sighting publishes immediately as created
		LastModifiedAt: now,
	})
	pub := &fakePublisher{}
	p, _ := newTestProducer(t, source, pub)

	p.cycle(context.Background())

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, fmt.Sprintf("pos.%s.order.created", "softrestaurant"), events[0].Key)
}
