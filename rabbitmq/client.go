package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

// Client owns the AMQP connection and a dedicated publishing channel in
// confirm mode. Consumers open their own channels via NewChannel so a
// consumer error cannot take publishing down with it.
type Client struct {
	url    string
	logger *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	pubChan *amqp.Channel
}

func NewClient(url string, logger *logrus.Logger) *Client {
	return &Client{url: url, logger: logger}
}

// Connect dials the broker and puts the publishing channel into confirm mode.
// Safe to call again after a drop; it replaces the previous connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return utils.NewTransientError("rabbitmq.Connect", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return utils.NewTransientError("rabbitmq.Connect", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	c.conn = conn
	c.pubChan = ch
	c.logger.WithField("module", "rabbitmq").Info("connected to broker")
	return nil
}

// DeclareTopology declares the exchanges and the shared event queue with its
// dead letter pair. Declarations are idempotent; both sides declare the same
// topology so startup order does not matter.
func (c *Client) DeclareTopology() error {
	c.mu.Lock()
	ch := c.pubChan
	c.mu.Unlock()
	if ch == nil {
		return utils.NewTransientError("rabbitmq.DeclareTopology", fmt.Errorf("not connected"))
	}

	for _, exchange := range []string{EventsExchange, CommandsExchange, DeadLetterExchange} {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return utils.NewTransientError("rabbitmq.DeclareTopology", err)
		}
	}

	if _, err := ch.QueueDeclare(EventsDeadLetterQueue, true, false, false, false, nil); err != nil {
		return utils.NewTransientError("rabbitmq.DeclareTopology", err)
	}
	if err := ch.QueueBind(EventsDeadLetterQueue, "pos.#", DeadLetterExchange, false, nil); err != nil {
		return utils.NewTransientError("rabbitmq.DeclareTopology", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}
	if _, err := ch.QueueDeclare(EventsQueue, true, false, false, false, args); err != nil {
		return utils.NewTransientError("rabbitmq.DeclareTopology", err)
	}
	if err := ch.QueueBind(EventsQueue, "pos.#", EventsExchange, false, nil); err != nil {
		return utils.NewTransientError("rabbitmq.DeclareTopology", err)
	}
	return nil
}

// Publish sends one persistent message and waits for the broker confirm. An
// unconfirmed publish is reported as transient so the caller retries it.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	c.mu.Lock()
	ch := c.pubChan
	c.mu.Unlock()
	if ch == nil {
		return utils.NewTransientError("rabbitmq.Publish", fmt.Errorf("not connected"))
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return utils.NewTransientError("rabbitmq.Publish", err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return utils.NewTransientError("rabbitmq.Publish", err)
	}
	if !acked {
		return utils.NewTransientError("rabbitmq.Publish", fmt.Errorf("broker nacked publish to %s (%s)", exchange, routingKey))
	}
	return nil
}

// NewChannel opens a fresh channel on the shared connection. Consumers use
// this and set their own Qos.
func (c *Client) NewChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, utils.NewTransientError("rabbitmq.NewChannel", fmt.Errorf("not connected"))
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, utils.NewTransientError("rabbitmq.NewChannel", err)
	}
	return ch, nil
}

// Ping reports whether the connection is usable. Used by the resilience
// manager's probe loop.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return utils.NewTransientError("rabbitmq.Ping", fmt.Errorf("connection closed"))
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubChan != nil {
		c.pubChan.Close()
		c.pubChan = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
