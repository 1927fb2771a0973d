package commander

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/config"
	"bitbucket.org/mmdatafocus/pos_bridge/lifecycle"
	"bitbucket.org/mmdatafocus/pos_bridge/rabbitmq"
	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

// HeartbeatStopper lets the consumer silence the producer's heartbeat. The
// ordering matters: stop heartbeats before flipping the state so the cloud
// never sees a healthy beat from a rejected instance.
type HeartbeatStopper interface {
	StopHeartbeat()
}

type configErrorMessage struct {
	VenueID    string `json:"venueId"`
	InstanceID string `json:"instanceId,omitempty"`
	Reason     string `json:"reason"`
}

// ConfigErrorConsumer listens on a per-instance queue for configuration
// rejections from the cloud (unknown venue, revoked venue, duplicate
// instance) and drives the service into CONFIGURATION_ERROR.
type ConfigErrorConsumer struct {
	cfg        *config.AppConfig
	logger     *logrus.Logger
	client     *rabbitmq.Client
	instanceID string
	heartbeat  HeartbeatStopper
	states     *lifecycle.StateManager
	notifier   lifecycle.Notifier
}

func NewConfigErrorConsumer(
	cfg *config.AppConfig,
	logger *logrus.Logger,
	client *rabbitmq.Client,
	instanceID string,
	heartbeat HeartbeatStopper,
	states *lifecycle.StateManager,
	notifier lifecycle.Notifier,
) *ConfigErrorConsumer {
	return &ConfigErrorConsumer{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		states:     states,
		notifier:   notifier,
	}
}

// Run consumes until cancelled. The queue auto-deletes with the instance so
// stale instances do not accumulate bindings on the broker.
func (c *ConfigErrorConsumer) Run(ctx context.Context) error {
	ch, err := c.client.NewChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	queue := rabbitmq.ConfigErrorQueue(c.cfg.PosType, c.instanceID)
	if _, err := ch.QueueDeclare(queue, false, true, false, false, nil); err != nil {
		return utils.NewTransientError("configerror.Run", err)
	}
	key := rabbitmq.ConfigErrorRoutingKey(c.cfg.PosType)
	if err := ch.QueueBind(queue, key, rabbitmq.CommandsExchange, false, nil); err != nil {
		return utils.NewTransientError("configerror.Run", err)
	}

	deliveries, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return utils.NewTransientError("configerror.Run", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return utils.NewTransientError("configerror.Run", context.Canceled)
			}
			c.handle(d.Body)
		}
	}
}

// Handle applies one rejection. Exported through handle for tests.
func (c *ConfigErrorConsumer) handle(body []byte) {
	var msg configErrorMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		config.LogError(c.logger, "commander", "handle", "unparseable configuration error", string(body), err)
		return
	}

	// Broadcast key: ignore rejections addressed to other venues/instances.
	if msg.VenueID != "" && msg.VenueID != c.cfg.VenueID {
		return
	}
	if msg.InstanceID != "" && msg.InstanceID != c.instanceID {
		return
	}

	c.heartbeat.StopHeartbeat()
	c.states.SetConfigurationError(msg.Reason)
	c.notifier.NotifyConfigurationError(msg.Reason)
}
