package commander

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/config"
	"bitbucket.org/mmdatafocus/pos_bridge/lifecycle"
	"bitbucket.org/mmdatafocus/pos_bridge/models"
	"bitbucket.org/mmdatafocus/pos_bridge/posadapter"
	"bitbucket.org/mmdatafocus/pos_bridge/rabbitmq"
	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

// POSAdapter is what the commander needs from the POS side. Satisfied by
// *posadapter.Adapter; tests substitute a fake.
type POSAdapter interface {
	OpenShift(data posadapter.ShiftOpenData) (*models.Shift, error)
	CloseShift(data posadapter.ShiftCloseData) (*models.Shift, error)
	CreateEmptyOrder(data posadapter.OrderCreateData) (*models.WorkingOrder, error)
	AddItemToOrder(data posadapter.OrderAddItemData) (*models.WorkingOrderItem, error)
	CancelOrderItem(data posadapter.ItemCancelData) error
	ApplyPayment(data posadapter.PaymentData) error
	CloseAndPayOrder(folio int64) (*models.WorkingOrder, error)
}

// CommandMessage is the inbound wire format.
type CommandMessage struct {
	Entity        string          `json:"entity"`
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"payload"`
}

// Commander consumes the venue's command queue and applies each command to
// the POS through the transactional adapter. One message in flight at a time;
// the POS database is not a place for concurrency.
type Commander struct {
	cfg     *config.AppConfig
	logger  *logrus.Logger
	client  *rabbitmq.Client
	adapter POSAdapter
	states  *lifecycle.StateManager
}

func NewCommander(cfg *config.AppConfig, logger *logrus.Logger, client *rabbitmq.Client, adapter POSAdapter, states *lifecycle.StateManager) *Commander {
	return &Commander{cfg: cfg, logger: logger, client: client, adapter: adapter, states: states}
}

// Run declares the venue queue, binds it and consumes until the context is
// cancelled or the channel dies. The caller restarts it after reconnects.
func (c *Commander) Run(ctx context.Context) error {
	ch, err := c.client.NewChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return utils.NewTransientError("commander.Run", err)
	}

	queue := rabbitmq.CommandQueue(c.cfg.VenueID)
	args := amqp.Table{"x-dead-letter-exchange": rabbitmq.DeadLetterExchange}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return utils.NewTransientError("commander.Run", err)
	}
	key := rabbitmq.CommandRoutingKey(c.cfg.PosType, c.cfg.VenueID)
	if err := ch.QueueBind(queue, key, rabbitmq.CommandsExchange, false, nil); err != nil {
		return utils.NewTransientError("commander.Run", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return utils.NewTransientError("commander.Run", err)
	}

	c.logger.WithFields(logrus.Fields{
		"module": "commander",
		"queue":  queue,
	}).Info("consuming commands")

	rebindCheck := time.NewTicker(5 * time.Second)
	defer rebindCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rebindCheck.C:
			// Reconfiguration changes the venue id; return so the caller's
			// restart loop binds the new venue's queue.
			if rabbitmq.CommandQueue(c.cfg.VenueID) != queue {
				c.logger.WithFields(logrus.Fields{
					"module": "commander",
					"queue":  queue,
				}).Info("venue changed, rebinding command queue")
				return nil
			}
		case d, ok := <-deliveries:
			if !ok {
				return utils.NewTransientError("commander.Run", context.Canceled)
			}
			c.handleDelivery(d)
		}
	}
}

func (c *Commander) handleDelivery(d amqp.Delivery) {
	if !c.states.IsOperational() {
		// Requeue and back off; the service is reconnecting or stopping.
		d.Nack(false, true)
		time.Sleep(time.Second)
		return
	}

	err := c.Dispatch(d.Body)
	switch {
	case err == nil:
		d.Ack(false)
	case utils.IsBusinessRule(err):
		// Rejections dead-letter like any other failure so the cloud sees
		// them; requeueing would just replay the same rejection.
		c.logger.WithFields(logrus.Fields{
			"module": "commander",
			"code":   utils.BusinessRuleCode(err),
		}).Warn(err.Error())
		d.Nack(false, false)
	default:
		config.LogError(c.logger, "commander", "handleDelivery", "command failed, dead-lettering", string(d.Body), err)
		d.Nack(false, false)
	}
}

// Dispatch parses and applies a single command. Unknown commands are logged
// and accepted so a newer cloud release cannot wedge the queue.
func (c *Commander) Dispatch(body []byte) error {
	var msg CommandMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return utils.NewBusinessRuleError("MALFORMED_COMMAND", "unparseable command body: %v", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"module":        "commander",
		"entity":        msg.Entity,
		"action":        msg.Action,
		"correlationId": msg.CorrelationID,
	})

	switch msg.Entity + "." + msg.Action {
	case "Shift.OPEN":
		var data posadapter.ShiftOpenData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return utils.NewBusinessRuleError("MALFORMED_COMMAND", "bad Shift.OPEN data: %v", err)
		}
		shift, err := c.adapter.OpenShift(data)
		if err != nil {
			return err
		}
		logger.WithField("shiftId", shift.ID).Info("shift opened")
		return nil

	case "Shift.CLOSE":
		var data posadapter.ShiftCloseData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return utils.NewBusinessRuleError("MALFORMED_COMMAND", "bad Shift.CLOSE data: %v", err)
		}
		shift, err := c.adapter.CloseShift(data)
		if err != nil {
			return err
		}
		logger.WithField("shiftId", shift.ID).Info("shift closed")
		return nil

	case "Order.CREATE":
		var data posadapter.OrderCreateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return utils.NewBusinessRuleError("MALFORMED_COMMAND", "bad Order.CREATE data: %v", err)
		}
		order, err := c.adapter.CreateEmptyOrder(data)
		if err != nil {
			return err
		}
		logger.WithField("folio", order.Folio).Info("order created")
		return nil

	case "OrderItem.CREATE":
		var data posadapter.OrderAddItemData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return utils.NewBusinessRuleError("MALFORMED_COMMAND", "bad OrderItem.CREATE data: %v", err)
		}
		item, err := c.adapter.AddItemToOrder(data)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"folio": item.Folio, "sequence": item.Sequence}).Info("item added")
		return nil

	case "OrderItem.CANCEL":
		var data posadapter.ItemCancelData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return utils.NewBusinessRuleError("MALFORMED_COMMAND", "bad OrderItem.CANCEL data: %v", err)
		}
		if err := c.adapter.CancelOrderItem(data); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"folio": data.Folio, "sequence": data.Sequence}).Info("item cancelled")
		return nil

	case "Order.PAY":
		var data posadapter.PaymentData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return utils.NewBusinessRuleError("MALFORMED_COMMAND", "bad Order.PAY data: %v", err)
		}
		if err := c.adapter.ApplyPayment(data); err != nil {
			return err
		}
		logger.WithField("folio", data.Folio).Info("payment applied")
		return nil

	case "Order.CLOSE":
		var data struct {
			Folio int64 `json:"orderFolio"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return utils.NewBusinessRuleError("MALFORMED_COMMAND", "bad Order.CLOSE data: %v", err)
		}
		order, err := c.adapter.CloseAndPayOrder(data.Folio)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"folio": order.Folio, "checkNumber": order.CheckNumber}).Info("order closed")
		return nil

	default:
		logger.Warn("unsupported command, acknowledging")
		return nil
	}
}
