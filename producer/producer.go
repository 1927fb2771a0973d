package producer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/appctx"
	"bitbucket.org/mmdatafocus/pos_bridge/config"
	"bitbucket.org/mmdatafocus/pos_bridge/lifecycle"
	"bitbucket.org/mmdatafocus/pos_bridge/models"
	"bitbucket.org/mmdatafocus/pos_bridge/rabbitmq"
	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

const stuckTrackingAge = 24 * time.Hour

// BusPublisher is what the producer needs from the broker client.
type BusPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error
}

// ChangeSource is the tracking feed the poll loop reads from.
type ChangeSource interface {
	GetEntityChanges(since time.Time, limit int) ([]models.EntityChange, error)
	UpdateEntitySnapshot(entityType, entityID, sentHash string, sentAt time.Time) error
	CleanupStuckTracking(olderThan time.Duration) (int64, error)
}

// Stats is the producer's health snapshot for the ops endpoint.
type Stats struct {
	CyclesRun       int64     `json:"cyclesRun"`
	ChangesDetected int64     `json:"changesDetected"`
	EventsPublished int64     `json:"eventsPublished"`
	EventsFailed    int64     `json:"eventsFailed"`
	LastCycleAt     time.Time `json:"lastCycleAt"`
	BreakerFailures int       `json:"breakerFailures"`
	DebouncePending int       `json:"debouncePending"`
}

// Producer runs the outbound half of the bridge: poll the tracking feed,
// debounce bursts, build payloads and publish them with confirms. The
// watermark only moves over changes whose publish the broker confirmed.
type Producer struct {
	cfg        *config.AppConfig
	logger     *logrus.Logger
	store      *StateStore
	source     ChangeSource
	publisher  BusPublisher
	processors map[string]Processor
	states     *lifecycle.StateManager
	notifier   lifecycle.Notifier

	breaker   *CircuitBreaker
	debouncer *Debouncer

	heartbeatOn atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

func NewProducer(
	cfg *config.AppConfig,
	logger *logrus.Logger,
	store *StateStore,
	source ChangeSource,
	publisher BusPublisher,
	processors map[string]Processor,
	states *lifecycle.StateManager,
	notifier lifecycle.Notifier,
) *Producer {
	p := &Producer{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		source:     source,
		publisher:  publisher,
		processors: processors,
		states:     states,
		notifier:   notifier,
		breaker:    NewCircuitBreaker(),
	}
	p.debouncer = NewDebouncer(cfg.DebounceWindow, p.publishDebounced)
	p.heartbeatOn.Store(true)
	return p
}

// Run blocks until the context is cancelled. Pending debounced changes are
// flushed on the way out so a clean shutdown loses nothing.
func (p *Producer) Run(ctx context.Context) {
	go p.runHeartbeat(ctx)
	go p.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			p.debouncer.Flush()
			return
		case <-time.After(p.breaker.NextInterval(p.cfg.PollInterval)):
		}

		if p.states.Current() == lifecycle.StateStopped {
			return
		}
		if p.breaker.IsOpen() {
			continue
		}
		if !p.states.IsOperational() {
			continue
		}
		p.cycle(ctx)
	}
}

// StopHeartbeat silences the heartbeat. Called when the cloud rejects this
// instance's configuration; going quiet is the signal.
func (p *Producer) StopHeartbeat() {
	p.heartbeatOn.Store(false)
}

// ResumeHeartbeat re-enables the heartbeat after a successful venue
// reconfiguration.
func (p *Producer) ResumeHeartbeat() {
	p.heartbeatOn.Store(true)
}

func (p *Producer) Stats() Stats {
	p.statsMu.Lock()
	out := p.stats
	p.statsMu.Unlock()
	out.BreakerFailures = p.breaker.Failures()
	out.DebouncePending = p.debouncer.PendingCount()
	return out
}

func (p *Producer) cycle(ctx context.Context) {
	changes, err := p.source.GetEntityChanges(p.store.Watermark(), p.cfg.MaxChangesPerCycle)
	if err != nil {
		p.breaker.RecordFailure()
		config.LogError(p.logger, "producer", "cycle", "reading change feed", nil, err)
		if utils.IsSchemaError(err) {
			// A missing table or column never heals on its own; retrying
			// would spin forever. Stop and tell the operator.
			if p.notifier != nil {
				p.notifier.NotifyServiceStopped("pos schema mismatch: " + err.Error())
			}
			p.states.Set(lifecycle.StateStopped, "pos schema mismatch")
		}
		return
	}
	p.breaker.RecordSuccess()

	// The watermark may only advance over the contiguous prefix of rows that
	// are fully settled. The first row handed to the debouncer (or that
	// failed to publish) pins it until that row confirms.
	confirmedPrefix := true
	candidate := p.store.Watermark()

	for _, change := range changes {
		if change.LastSentHash != nil && *change.LastSentHash == change.ContentHash {
			if confirmedPrefix {
				candidate = change.LastModifiedAt
			}
			continue
		}

		action := classify(change)
		if action == models.ReasonDeleted || action == models.ReasonCreated {
			if err := p.publishChange(ctx, change, action); err != nil {
				config.LogError(p.logger, "producer", "cycle", "publishing "+change.EntityType, change.EntityID, err)
				confirmedPrefix = false
				continue
			}
			// An immediate event supersedes whatever update was waiting in
			// the debouncer for this entity.
			p.debouncer.Cancel(change.EntityType, change.EntityID)
			if confirmedPrefix {
				candidate = change.LastModifiedAt
			}
		} else {
			p.debouncer.Notify(change)
			confirmedPrefix = false
		}
	}

	if err := p.store.AdvanceWatermark(candidate); err != nil {
		config.LogError(p.logger, "producer", "cycle", "persisting watermark", nil, err)
	}

	p.statsMu.Lock()
	p.stats.CyclesRun++
	p.stats.ChangesDetected += int64(len(changes))
	p.stats.LastCycleAt = time.Now().UTC()
	p.statsMu.Unlock()
}

// classify maps a tracking reason to the wire action. A change with no
// snapshot has never been published, so whatever the reason says it is a
// create from the consumer's point of view.
func classify(change models.EntityChange) string {
	if change.ChangeReason == models.ReasonDeleted {
		return models.ReasonDeleted
	}
	if change.ChangeReason == models.ReasonCreated || change.LastSentHash == nil {
		return models.ReasonCreated
	}
	return models.ReasonUpdated
}

func (p *Producer) publishChange(ctx context.Context, change models.EntityChange, action string) error {
	proc, ok := p.processors[change.EntityType]
	if !ok {
		p.logger.WithFields(logrus.Fields{
			"module":     "producer",
			"entityType": change.EntityType,
		}).Warn("no processor for entity type, skipping")
		return nil
	}

	payload, err := proc.Build(change)
	if err != nil {
		p.recordFailure()
		return err
	}

	envelope := EventEnvelope{
		VenueID:    p.cfg.VenueID,
		PosType:    p.cfg.PosType,
		PosVersion: p.cfg.PosVersion,
		InstanceID: p.store.InstanceID(),
		Entity:     proc.Entity(),
		Action:     action,
		Timestamp:  utils.FormatISO(time.Now()),
		Payload:    payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		p.recordFailure()
		return err
	}

	correlationID, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
	if !ok {
		correlationID = uuid.NewString()
	}
	key := rabbitmq.EventRoutingKey(p.cfg.PosType, proc.Entity(), action)
	headers := amqp.Table{
		"x-venue-id":       p.cfg.VenueID,
		"x-correlation-id": correlationID,
	}
	if err := p.publisher.Publish(ctx, rabbitmq.EventsExchange, key, body, headers); err != nil {
		p.recordFailure()
		return err
	}

	if err := p.source.UpdateEntitySnapshot(change.EntityType, change.EntityID, change.ContentHash, time.Now().UTC()); err != nil {
		config.LogError(p.logger, "producer", "publishChange", "updating snapshot", change.EntityID, err)
	}

	p.statsMu.Lock()
	p.stats.EventsPublished++
	p.statsMu.Unlock()
	return nil
}

// publishDebounced fires when a debounce window closes. The watermark is not
// touched here: other rows between it and this change may still be
// unconfirmed. The confirm lands in the snapshot table, which turns the row
// into a no-op next cycle and lets the prefix rule advance past it.
func (p *Producer) publishDebounced(change models.EntityChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := p.publishChange(ctx, change, models.ReasonUpdated); err != nil {
		// Left unconfirmed; the pinned watermark re-detects it next cycle.
		config.LogError(p.logger, "producer", "publishDebounced", "publishing "+change.EntityType, change.EntityID, err)
	}
}

func (p *Producer) recordFailure() {
	p.statsMu.Lock()
	p.stats.EventsFailed++
	p.statsMu.Unlock()
}

func (p *Producer) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !p.heartbeatOn.Load() || !p.states.CanSendHeartbeats() {
			continue
		}

		hb := map[string]any{
			"venueId":    p.cfg.VenueID,
			"posType":    p.cfg.PosType,
			"instanceId": p.store.InstanceID(),
			"state":      p.states.Current(),
			"stats":      p.Stats(),
			"timestamp":  utils.FormatISO(time.Now()),
		}
		body, err := json.Marshal(hb)
		if err != nil {
			continue
		}
		key := rabbitmq.EventRoutingKey(p.cfg.PosType, "system", "heartbeat")
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.publisher.Publish(pubCtx, rabbitmq.EventsExchange, key, body, nil); err != nil {
			config.LogError(p.logger, "producer", "runHeartbeat", "publishing heartbeat", nil, err)
		}
		cancel()
	}
}

func (p *Producer) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := p.source.CleanupStuckTracking(stuckTrackingAge)
		if err != nil {
			config.LogError(p.logger, "producer", "runCleanup", "cleaning tracking table", nil, err)
			continue
		}
		if n > 0 {
			p.logger.WithFields(logrus.Fields{
				"module": "producer",
				"rows":   n,
			}).Info("pruned settled tracking rows")
		}
	}
}
