package producer

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_bridge/config"
	"bitbucket.org/mmdatafocus/pos_bridge/models"
	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

// Order lifecycle statuses on the wire. A cancelled check wins over a paid
// one; anything still open is pending.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCancelled = "CANCELLED"

	PaymentStatusPending = "PENDING"
	PaymentStatusPaid    = "PAID"

	ShiftStatusOpen   = "OPEN"
	ShiftStatusClosed = "CLOSED"
)

// EventEnvelope wraps every outbound event with the bridge's identity.
type EventEnvelope struct {
	VenueID    string `json:"venueId"`
	PosType    string `json:"posType"`
	PosVersion string `json:"posVersion,omitempty"`
	InstanceID string `json:"instanceId"`
	Entity     string `json:"entity"`
	Action     string `json:"action"`
	Timestamp  string `json:"timestamp"`
	Payload    any    `json:"payload"`
}

// The payload sections mirror what the cloud ingests: normalized fields up
// front, the raw POS rows carried through untouched under posRawData.

type OrderData struct {
	ExternalID     string          `json:"externalId"`
	OrderNumber    string          `json:"orderNumber"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"paymentStatus"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	TipAmount      decimal.Decimal `json:"tipAmount"`
	Total          decimal.Decimal `json:"total"`
	CreatedAt      string          `json:"createdAt"`
	CompletedAt    *string         `json:"completedAt"`
	PosRawData     any             `json:"posRawData"`
}

type StaffData struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Pin        string `json:"pin"`
	Active     bool   `json:"active"`
	PosRawData any    `json:"posRawData,omitempty"`
}

type TableData struct {
	ExternalID string `json:"externalId"`
	PosAreaID  string `json:"posAreaId"`
}

type AreaData struct {
	ExternalID    string `json:"externalId"`
	Name          string `json:"name"`
	ServiceTypeID int    `json:"serviceTypeId"`
	Active        bool   `json:"active"`
	PosRawData    any    `json:"posRawData,omitempty"`
}

type ShiftData struct {
	ExternalID string  `json:"externalId"`
	StartTime  string  `json:"startTime"`
	EndTime    *string `json:"endTime"`
	StaffID    string  `json:"staffId,omitempty"`
	StaffName  string  `json:"staffName,omitempty"`
	Status     string  `json:"status"`
	PosRawData any     `json:"posRawData,omitempty"`
}

// OrderEventPayload is the enriched order event: the order itself plus the
// staff, table, area and shift context resolved from the catalog tables.
type OrderEventPayload struct {
	VenueID   string     `json:"venueId"`
	OrderData OrderData  `json:"orderData"`
	StaffData *StaffData `json:"staffData,omitempty"`
	TableData *TableData `json:"tableData,omitempty"`
	AreaData  *AreaData  `json:"areaData,omitempty"`
	ShiftData *ShiftData `json:"shiftData,omitempty"`
}

type ShiftEventPayload struct {
	VenueID   string    `json:"venueId"`
	ShiftData ShiftData `json:"shiftData"`
}

type StaffEventPayload struct {
	VenueID   string    `json:"venueId"`
	StaffData StaffData `json:"staffData"`
}

type AreaEventPayload struct {
	VenueID  string   `json:"venueId"`
	AreaData AreaData `json:"areaData"`
}

// Processor turns a detected change into the wire payload for its entity.
type Processor interface {
	Entity() string
	Build(change models.EntityChange) (any, error)
}

// NewProcessors wires one processor per entity type. Order item changes are
// handled by the order processor so consumers always see whole orders.
func NewProcessors(db *gorm.DB, cfg *config.AppConfig) map[string]Processor {
	order := &orderProcessor{db: db, cfg: cfg}
	return map[string]Processor{
		models.EntityOrder:     order,
		models.EntityOrderItem: order,
		models.EntityShift:     &shiftProcessor{db: db, cfg: cfg},
		models.EntityStaff:     &staffProcessor{db: db, cfg: cfg},
		models.EntityArea:      &areaProcessor{db: db, cfg: cfg},
	}
}

type orderProcessor struct {
	db  *gorm.DB
	cfg *config.AppConfig
}

func (p *orderProcessor) Entity() string { return models.EntityOrder }

// rawOrder is the passthrough block under orderData.posRawData: the check row
// with its lines and tenders exactly as the POS holds them.
type rawOrder struct {
	Order    any `json:"order"`
	Items    any `json:"items"`
	Payments any `json:"payments"`
}

// Build loads the full order aggregate. An order that vanished from the
// working table without reaching the archive was voided at the POS, so a
// cancelled payload is synthesized for it.
func (p *orderProcessor) Build(change models.EntityChange) (any, error) {
	shiftID, folio, err := models.ParseOrderKey(change.EntityID)
	if err != nil {
		return nil, err
	}

	var order models.WorkingOrder
	err = p.db.Where("folio = ?", folio).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var archived models.ArchivedOrder
		aerr := p.db.Where("folio = ? AND idturno = ?", folio, shiftID).First(&archived).Error
		if errors.Is(aerr, gorm.ErrRecordNotFound) {
			return p.cancelledPayload(change.EntityID, folio), nil
		}
		if aerr != nil {
			return nil, utils.ClassifyDBError("producer.orderProcessor", aerr)
		}
		return p.archivedPayload(&archived)
	}
	if err != nil {
		return nil, utils.ClassifyDBError("producer.orderProcessor", err)
	}

	var items []models.WorkingOrderItem
	if err := p.db.Where("foliodet = ?", folio).Order("movimiento asc").Find(&items).Error; err != nil {
		return nil, utils.ClassifyDBError("producer.orderProcessor", err)
	}
	var payments []models.WorkingOrderPayment
	if err := p.db.Where("folio = ?", folio).Find(&payments).Error; err != nil {
		return nil, utils.ClassifyDBError("producer.orderProcessor", err)
	}

	payload := OrderEventPayload{
		VenueID: p.cfg.VenueID,
		OrderData: OrderData{
			ExternalID:     orderExternalID(order.WorkspaceID, order.Folio),
			OrderNumber:    strconv.FormatInt(order.Folio, 10),
			Status:         orderStatus(order.Paid, order.Cancelled),
			PaymentStatus:  paymentStatus(order.Paid),
			Subtotal:       order.Subtotal,
			TaxAmount:      order.Tax,
			DiscountAmount: order.Discount,
			TipAmount:      order.Tip,
			Total:          order.Total,
			CreatedAt:      utils.FormatISO(order.OpenedAt),
			PosRawData:     rawOrder{Order: order, Items: items, Payments: payments},
		},
		TableData: &TableData{ExternalID: order.Table, PosAreaID: order.AreaID},
	}
	if order.ClosedAt != nil {
		closed := utils.FormatISO(*order.ClosedAt)
		payload.OrderData.CompletedAt = &closed
	}
	p.resolveContext(&payload, order.WaiterID, order.AreaID, order.ShiftID)
	return payload, nil
}

func (p *orderProcessor) archivedPayload(order *models.ArchivedOrder) (any, error) {
	var items []models.ArchivedOrderItem
	if err := p.db.Where("foliodet = ?", order.Folio).Order("movimiento asc").Find(&items).Error; err != nil {
		return nil, utils.ClassifyDBError("producer.orderProcessor", err)
	}

	payload := OrderEventPayload{
		VenueID: p.cfg.VenueID,
		OrderData: OrderData{
			ExternalID:     orderExternalID(order.WorkspaceID, order.Folio),
			OrderNumber:    strconv.FormatInt(order.Folio, 10),
			Status:         orderStatus(order.Paid, order.Cancelled),
			PaymentStatus:  paymentStatus(order.Paid),
			Subtotal:       order.Subtotal,
			TaxAmount:      order.Tax,
			DiscountAmount: order.Discount,
			TipAmount:      order.Tip,
			Total:          order.Total,
			CreatedAt:      utils.FormatISO(order.OpenedAt),
			PosRawData:     rawOrder{Order: order, Items: items},
		},
		TableData: &TableData{ExternalID: order.Table, PosAreaID: order.AreaID},
	}
	if order.ClosedAt != nil {
		closed := utils.FormatISO(*order.ClosedAt)
		payload.OrderData.CompletedAt = &closed
	}
	p.resolveContext(&payload, order.WaiterID, order.AreaID, order.ShiftID)
	return payload, nil
}

func (p *orderProcessor) cancelledPayload(externalID string, folio int64) OrderEventPayload {
	return OrderEventPayload{
		VenueID: p.cfg.VenueID,
		OrderData: OrderData{
			ExternalID:     externalID,
			OrderNumber:    strconv.FormatInt(folio, 10),
			Status:         OrderStatusCancelled,
			PaymentStatus:  PaymentStatusPending,
			Subtotal:       decimal.Zero,
			TaxAmount:      decimal.Zero,
			DiscountAmount: decimal.Zero,
			TipAmount:      decimal.Zero,
			Total:          decimal.Zero,
		},
	}
}

// resolveContext fills the staff, area and shift sections from the catalog.
// Missing catalog rows leave their section out rather than failing the event.
func (p *orderProcessor) resolveContext(payload *OrderEventPayload, waiterID, areaID string, shiftID int64) {
	var waiter models.Waiter
	if err := p.db.Where("idmesero = ?", waiterID).First(&waiter).Error; err == nil {
		payload.StaffData = &StaffData{
			ExternalID: waiter.ID,
			Name:       waiter.Name,
			Pin:        waiter.Password,
			Active:     waiter.Enabled,
		}
	}
	var area models.DiningArea
	if err := p.db.Where("idarearestaurant = ?", areaID).First(&area).Error; err == nil {
		payload.AreaData = &AreaData{
			ExternalID:    area.ID,
			Name:          area.Description,
			ServiceTypeID: area.ServiceTypeID,
			Active:        true,
		}
	}
	var shift models.Shift
	if err := p.db.Where("idturno = ?", shiftID).First(&shift).Error; err == nil {
		data := shiftData(&shift)
		data.PosRawData = nil
		payload.ShiftData = &data
	}
}

func orderExternalID(workspaceID string, folio int64) string {
	if workspaceID != "" {
		return workspaceID
	}
	return strconv.FormatInt(folio, 10)
}

func orderStatus(paid, cancelled bool) string {
	switch {
	case cancelled:
		return OrderStatusCancelled
	case paid:
		return OrderStatusCompleted
	default:
		return OrderStatusPending
	}
}

func paymentStatus(paid bool) string {
	if paid {
		return PaymentStatusPaid
	}
	return PaymentStatusPending
}

func shiftData(shift *models.Shift) ShiftData {
	data := ShiftData{
		ExternalID: strconv.FormatInt(shift.ID, 10),
		StartTime:  utils.FormatISO(shift.OpenedAt),
		StaffID:    shift.Cashier,
		Status:     ShiftStatusOpen,
		PosRawData: shift,
	}
	if shift.ClosedAt != nil {
		closed := utils.FormatISO(*shift.ClosedAt)
		data.EndTime = &closed
		data.Status = ShiftStatusClosed
	}
	return data
}

type shiftProcessor struct {
	db  *gorm.DB
	cfg *config.AppConfig
}

func (p *shiftProcessor) Entity() string { return models.EntityShift }

func (p *shiftProcessor) Build(change models.EntityChange) (any, error) {
	shiftID, err := models.ParseShiftKey(change.EntityID)
	if err != nil {
		return nil, err
	}
	var shift models.Shift
	if err := p.db.Where("idturno = ?", shiftID).First(&shift).Error; err != nil {
		return nil, utils.ClassifyDBError("producer.shiftProcessor", err)
	}

	data := shiftData(&shift)
	var waiter models.Waiter
	if err := p.db.Where("idmesero = ?", shift.Cashier).First(&waiter).Error; err == nil {
		data.StaffName = waiter.Name
	}
	return ShiftEventPayload{VenueID: p.cfg.VenueID, ShiftData: data}, nil
}

type staffProcessor struct {
	db  *gorm.DB
	cfg *config.AppConfig
}

func (p *staffProcessor) Entity() string { return models.EntityStaff }

func (p *staffProcessor) Build(change models.EntityChange) (any, error) {
	var waiter models.Waiter
	if err := p.db.Where("idmesero = ?", lastKeySegment(change.EntityID)).First(&waiter).Error; err != nil {
		return nil, utils.ClassifyDBError("producer.staffProcessor", err)
	}
	return StaffEventPayload{
		VenueID: p.cfg.VenueID,
		StaffData: StaffData{
			ExternalID: waiter.ID,
			Name:       waiter.Name,
			Pin:        waiter.Password,
			Active:     waiter.Enabled,
			PosRawData: waiter,
		},
	}, nil
}

type areaProcessor struct {
	db  *gorm.DB
	cfg *config.AppConfig
}

func (p *areaProcessor) Entity() string { return models.EntityArea }

func (p *areaProcessor) Build(change models.EntityChange) (any, error) {
	var area models.DiningArea
	if err := p.db.Where("idarearestaurant = ?", lastKeySegment(change.EntityID)).First(&area).Error; err != nil {
		return nil, utils.ClassifyDBError("producer.areaProcessor", err)
	}
	return AreaEventPayload{
		VenueID: p.cfg.VenueID,
		AreaData: AreaData{
			ExternalID:    area.ID,
			Name:          area.Description,
			ServiceTypeID: area.ServiceTypeID,
			Active:        true,
			PosRawData:    area,
		},
	}, nil
}

// Staff and area trigger rows carry either the bare POS id or an
// instance-prefixed key; the id is always the last segment.
func lastKeySegment(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}
