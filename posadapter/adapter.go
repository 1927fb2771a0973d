package posadapter

import (
	"errors"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_bridge/models"
	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

// Adapter applies cloud commands to the POS database. Every operation runs
// inside a single transaction: either the POS tables, the counters, the audit
// rows and the tracking row all land, or none of them do.
type Adapter struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracking   *models.TrackingStore
	taxRate    decimal.Decimal
	stationID  string
	instanceID string
}

func NewAdapter(db *gorm.DB, logger *logrus.Logger, taxRatePercent decimal.Decimal, stationID, instanceID string) *Adapter {
	return &Adapter{
		db:         db,
		logger:     logger,
		tracking:   models.NewTrackingStore(db),
		taxRate:    taxRatePercent,
		stationID:  stationID,
		instanceID: instanceID,
	}
}

// OpenShift inserts a new shift row. The id comes from atomically bumping the
// POS's last-shift counter, so two stations opening at once get distinct ids
// even under REPEATABLE READ.
func (a *Adapter) OpenShift(data ShiftOpenData) (*models.Shift, error) {
	var shift models.Shift
	err := a.db.Transaction(func(tx *gorm.DB) error {
		shiftID, err := nextShiftID(tx)
		if err != nil {
			return err
		}

		station := data.StationID
		if station == "" {
			station = a.stationID
		}
		shift = models.Shift{
			ID:           shiftID,
			OpenedAt:     time.Now().UTC(),
			Cashier:      data.Cashier,
			OpeningFloat: data.OpeningFloat,
			StationID:    station,
			WorkspaceID:  strings.ToUpper(uuid.NewString()),
		}
		if err := tx.Create(&shift).Error; err != nil {
			return err
		}
		if err := a.auditLog(tx, data.Cashier, "APERTURA DE TURNO", shift.WorkspaceID); err != nil {
			return err
		}
		return a.trackInTx(tx, models.EntityShift, models.ShiftKey(a.instanceID, shift.ID), models.ReasonCreated, shift)
	})
	if err != nil {
		return nil, utils.ClassifyDBError("posadapter.OpenShift", err)
	}
	return &shift, nil
}

// CloseShift archives every working check, clears the working tables, stamps
// the shift totals and resets the per-shift counters. One transaction; a
// failure anywhere leaves the shift exactly as it was.
func (a *Adapter) CloseShift(data ShiftCloseData) (*models.Shift, error) {
	var shift models.Shift
	err := a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("idturno = ?", data.ShiftID).First(&shift).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewShiftNotOpenError(data.ShiftID)
			}
			return err
		}
		if shift.ClosedAt != nil {
			return NewShiftNotOpenError(data.ShiftID)
		}

		if err := archiveWorkingOrders(tx, data.ShiftID); err != nil {
			return err
		}

		totals, err := tenderTotals(tx, data.ShiftID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		shift.ClosedAt = &now
		shift.CashTotal = totals[models.TenderKindCash]
		shift.CardTotal = totals[models.TenderKindCard]
		shift.VoucherTotal = totals[models.TenderKindVoucher]
		shift.CashDeclared = data.CashDeclared
		shift.CardsDeclared = data.CardsDeclared
		shift.VouchersDeclared = data.VouchersDeclared
		if err := tx.Save(&shift).Error; err != nil {
			return err
		}

		// The order and production counters restart each shift; the folio
		// series itself keeps running. The void audit is per shift too.
		if err := tx.Model(&models.FolioCounters{}).Where("1 = 1").
			Updates(map[string]any{"ultimaorden": 0, "ultimofolioproduccion": 0}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&models.CancelledItemAudit{}).Error; err != nil {
			return err
		}
		if err := a.auditLog(tx, shift.Cashier, "CIERRE DE TURNO", shift.WorkspaceID); err != nil {
			return err
		}
		return a.trackInTx(tx, models.EntityShift, models.ShiftKey(a.instanceID, shift.ID), models.ReasonUpdated, shift)
	})
	if err != nil {
		return nil, utils.ClassifyDBError("posadapter.CloseShift", err)
	}
	return &shift, nil
}

// CreateEmptyOrder opens a check on a table under whichever shift is open.
// Occupancy is enforced twice: a count pre-check for the friendly rejection,
// and the unique index on mesasasignadas.mesa for the race where two creates
// pass the pre-check together.
func (a *Adapter) CreateEmptyOrder(data OrderCreateData) (*models.WorkingOrder, error) {
	var order models.WorkingOrder
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var shift models.Shift
		if err := tx.Where("cierre IS NULL").Order("idturno desc").First(&shift).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewNoOpenShiftError()
			}
			return err
		}

		var occupied int64
		if err := tx.Model(&models.TableAssignment{}).
			Where("mesa = ?", data.Table).
			Count(&occupied).Error; err != nil {
			return err
		}
		if occupied > 0 {
			a.logger.WithFields(logrus.Fields{
				"module": "posadapter",
				"table":  data.Table,
			}).Warn("rejecting order create, table occupied")
			return NewTableOccupiedError(data.Table)
		}

		orderNumber, err := nextFolioCounter(tx, "ultimaorden")
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		order = models.WorkingOrder{
			Table:          data.Table,
			GuestCount:     data.GuestCount,
			OpenedAt:       now,
			ShiftID:        shift.ID,
			WaiterID:       data.WaiterID,
			AreaID:         data.AreaID,
			StationID:      a.stationID,
			OrderNumber:    orderNumber,
			WorkspaceID:    strings.ToUpper(uuid.NewString()),
			LastModifiedAt: now,
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.TableAssignment{Folio: order.Folio, Table: data.Table}).Error; err != nil {
			if isDuplicateKey(err) {
				return NewTableOccupiedError(data.Table)
			}
			return err
		}
		return a.trackInTx(tx, models.EntityOrder,
			models.OrderKey(a.instanceID, order.ShiftID, order.Folio), models.ReasonCreated, order)
	})
	if err != nil {
		return nil, utils.ClassifyDBError("posadapter.CreateEmptyOrder", err)
	}
	return &order, nil
}

// AddItemToOrder appends a line, mirrors it to production and recomputes the
// check totals. The net price is backed out of the tax-inclusive menu price
// with the configured rate.
func (a *Adapter) AddItemToOrder(data OrderAddItemData) (*models.WorkingOrderItem, error) {
	var item models.WorkingOrderItem
	err := a.db.Transaction(func(tx *gorm.DB) error {
		order, err := a.openOrder(tx, data.Folio)
		if err != nil {
			return err
		}

		var product models.Product
		if err := tx.Where("descripcion = ? AND activo = ?", data.ProductName, true).First(&product).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewProductNotFoundError(data.ProductName)
			}
			return err
		}

		var lastSeq int
		if err := tx.Model(&models.WorkingOrderItem{}).Where("foliodet = ?", data.Folio).
			Select("COALESCE(MAX(movimiento), 0)").Scan(&lastSeq).Error; err != nil {
			return err
		}

		qty := data.Quantity
		if !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
		now := time.Now().UTC()
		item = models.WorkingOrderItem{
			Folio:        data.Folio,
			Sequence:     lastSeq + 1,
			ProductID:    product.ID,
			Quantity:     qty,
			UnitPrice:    product.Price,
			NetUnitPrice: utils.PriceWithoutTax(product.Price, a.taxRate),
			TaxRate:      a.taxRate,
			RecordedAt:   now,
			Comment:      data.Comment,
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}

		if _, err := nextFolioCounter(tx, "ultimofolioproduccion"); err != nil {
			return err
		}
		kitchen := models.KitchenItem{
			Folio:     data.Folio,
			Sequence:  item.Sequence,
			ProductID: product.ID,
			Quantity:  qty,
			SentAt:    now,
		}
		if err := tx.Create(&kitchen).Error; err != nil {
			return err
		}

		if err := a.recomputeTotals(tx, order); err != nil {
			return err
		}
		return a.trackInTx(tx, models.EntityOrderItem,
			models.OrderItemKey(a.instanceID, order.ShiftID, order.Folio, item.Sequence),
			models.ReasonItemChange, item)
	})
	if err != nil {
		return nil, utils.ClassifyDBError("posadapter.AddItemToOrder", err)
	}
	return &item, nil
}

// CancelOrderItem voids a line: flags it in production, removes it from the
// check and records the void in the POS audit tables. Totals are left to the
// next recompute, matching how the POS itself handles voids.
func (a *Adapter) CancelOrderItem(data ItemCancelData) error {
	err := a.db.Transaction(func(tx *gorm.DB) error {
		order, err := a.openOrder(tx, data.Folio)
		if err != nil {
			return err
		}

		var item models.WorkingOrderItem
		if err := tx.Where("foliodet = ? AND movimiento = ?", data.Folio, data.Sequence).First(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewItemNotFoundError(data.Folio, data.Sequence)
			}
			return err
		}

		if err := tx.Model(&models.KitchenItem{}).
			Where("folio = ? AND movimiento = ?", data.Folio, data.Sequence).
			Update("cancelado", true).Error; err != nil {
			return err
		}
		if err := tx.Where("foliodet = ? AND movimiento = ?", data.Folio, data.Sequence).
			Delete(&models.WorkingOrderItem{}).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		audit := models.CancelledItemAudit{
			Folio:       data.Folio,
			Sequence:    data.Sequence,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			CancelledAt: now,
			WaiterID:    data.WaiterID,
			Reason:      data.Reason,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return err
		}
		if err := a.auditLog(tx, data.WaiterID, "CANCELACION DE PRODUCTO", item.ProductID); err != nil {
			return err
		}

		if err := tx.Model(&models.WorkingOrder{}).Where("folio = ?", data.Folio).
			Update("ultimamodificacion", now).Error; err != nil {
			return err
		}
		return a.trackInTx(tx, models.EntityOrderItem,
			models.OrderItemKey(a.instanceID, order.ShiftID, order.Folio, data.Sequence),
			models.ReasonItemChange, audit)
	})
	return utils.ClassifyDBError("posadapter.CancelOrderItem", err)
}

// ApplyPayment records a tender against an open check. The method must exist
// in the POS tender catalog; drawer totals later group by its kind.
func (a *Adapter) ApplyPayment(data PaymentData) error {
	err := a.db.Transaction(func(tx *gorm.DB) error {
		order, err := a.openOrder(tx, data.Folio)
		if err != nil {
			return err
		}
		var method models.PaymentMethod
		if err := tx.Where("idformadepago = ?", data.PaymentMethodID).First(&method).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewPaymentMethodNotFoundError(data.PaymentMethodID)
			}
			return err
		}
		payment := models.WorkingOrderPayment{
			Folio:           data.Folio,
			PaymentMethodID: method.ID,
			Amount:          data.Amount,
			Tip:             data.Tip,
			ExchangeRate:    decimal.NewFromInt(1),
			Reference:       data.Reference,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.WorkingOrder{}).Where("folio = ?", data.Folio).
			Update("ultimamodificacion", time.Now().UTC()).Error; err != nil {
			return err
		}
		return a.trackInTx(tx, models.EntityOrder,
			models.OrderKey(a.instanceID, order.ShiftID, order.Folio), models.ReasonUpdated, payment)
	})
	return utils.ClassifyDBError("posadapter.ApplyPayment", err)
}

// CloseAndPayOrder settles a check: assigns the next check number, stamps the
// tender totals, marks the order paid and frees the table.
func (a *Adapter) CloseAndPayOrder(folio int64) (*models.WorkingOrder, error) {
	var order *models.WorkingOrder
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = a.openOrder(tx, folio)
		if err != nil {
			return err
		}

		checkNumber, err := nextFolioCounter(tx, "ultimofolio")
		if err != nil {
			return err
		}

		var payments []models.WorkingOrderPayment
		if err := tx.Where("folio = ?", folio).Find(&payments).Error; err != nil {
			return err
		}
		kinds, err := tenderKinds(tx, payments)
		if err != nil {
			return err
		}
		cash, card, voucher, tip := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
		for _, p := range payments {
			switch kinds[p.PaymentMethodID] {
			case models.TenderKindCash:
				cash = cash.Add(p.Amount)
			case models.TenderKindCard:
				card = card.Add(p.Amount)
			case models.TenderKindVoucher:
				voucher = voucher.Add(p.Amount)
			}
			tip = tip.Add(p.Tip)
		}

		now := time.Now().UTC()
		order.CheckNumber = checkNumber
		order.Paid = true
		order.Printed = true
		order.ClosedAt = &now
		order.CashAmount = cash
		order.CardAmount = card
		order.VoucherAmount = voucher
		order.Tip = tip
		order.LastModifiedAt = now
		if err := tx.Save(order).Error; err != nil {
			return err
		}

		if err := tx.Where("folio = ?", folio).Delete(&models.TableAssignment{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.CustomerAccount{}).Where("folio = ?", folio).
			Update("procesado", true).Error; err != nil {
			return err
		}
		return a.trackInTx(tx, models.EntityOrder,
			models.OrderKey(a.instanceID, order.ShiftID, order.Folio), models.ReasonUpdated, order)
	})
	if err != nil {
		return nil, utils.ClassifyDBError("posadapter.CloseAndPayOrder", err)
	}
	return order, nil
}

// openOrder loads a check that is still open, translating absence and closed
// states into business rule errors.
func (a *Adapter) openOrder(tx *gorm.DB, folio int64) (*models.WorkingOrder, error) {
	var order models.WorkingOrder
	if err := tx.Where("folio = ?", folio).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewOrderNotFoundError(folio)
		}
		return nil, err
	}
	if order.Paid || order.Cancelled {
		return nil, NewOrderClosedError(folio)
	}
	return &order, nil
}

// recomputeTotals rebuilds the check aggregates from its current lines.
func (a *Adapter) recomputeTotals(tx *gorm.DB, order *models.WorkingOrder) error {
	var items []models.WorkingOrderItem
	if err := tx.Where("foliodet = ?", order.Folio).Find(&items).Error; err != nil {
		return err
	}
	subtotal, total := decimal.Zero, decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.NetUnitPrice.Mul(it.Quantity))
		total = total.Add(it.UnitPrice.Mul(it.Quantity))
	}
	return tx.Model(&models.WorkingOrder{}).Where("folio = ?", order.Folio).
		Updates(map[string]any{
			"subtotal":           subtotal.Round(2),
			"totalimpuesto1":     total.Sub(subtotal).Round(2),
			"total":              total.Round(2),
			"ultimamodificacion": time.Now().UTC(),
		}).Error
}

func (a *Adapter) trackInTx(tx *gorm.DB, entityType, entityID, reason string, payload any) error {
	row := models.EntityTracking{
		EntityType:     entityType,
		EntityID:       entityID,
		ChangeReason:   reason,
		ContentHash:    utils.HashPayload(payload),
		LastModifiedAt: time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	return tx.Create(&row).Error
}

func (a *Adapter) auditLog(tx *gorm.DB, user, event, values string) error {
	entry := models.SystemLogEntry{
		LoggedAt:  time.Now().UTC(),
		User:      user,
		Event:     event,
		Values:    values,
		StationID: a.stationID,
	}
	return tx.Create(&entry).Error
}

// nextShiftID bumps the POS's last-shift counter and reads the result back.
// The UPDATE takes the row lock, so under REPEATABLE READ two concurrent
// openers serialize on it instead of both reading the same snapshot value.
func nextShiftID(tx *gorm.DB) (int64, error) {
	if err := tx.Model(&models.PosParameters{}).Where("1 = 1").
		UpdateColumn("ultimoturno", gorm.Expr("ultimoturno + 1")).Error; err != nil {
		return 0, err
	}
	var id int64
	if err := tx.Model(&models.PosParameters{}).Select("ultimoturno").Scan(&id).Error; err != nil {
		return 0, err
	}
	return id, nil
}

// nextFolioCounter works the same way for the running sequence numbers on the
// folios row.
func nextFolioCounter(tx *gorm.DB, column string) (int64, error) {
	if err := tx.Model(&models.FolioCounters{}).Where("1 = 1").
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error; err != nil {
		return 0, err
	}
	var v int64
	if err := tx.Model(&models.FolioCounters{}).Select(column).Scan(&v).Error; err != nil {
		return 0, err
	}
	return v, nil
}

// isDuplicateKey recognizes unique violations from both drivers we run
// against: errno 1062 on MySQL, the constraint message on sqlite.
func isDuplicateKey(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// archiveWorkingOrders copies this shift's working rows into the archive
// tables and clears them. Row-by-row copies through gorm keep this portable
// across the drivers we run against.
func archiveWorkingOrders(tx *gorm.DB, shiftID int64) error {
	var orders []models.WorkingOrder
	if err := tx.Where("idturno = ?", shiftID).Find(&orders).Error; err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	folios := make([]int64, 0, len(orders))
	archived := make([]models.ArchivedOrder, 0, len(orders))
	for _, o := range orders {
		folios = append(folios, o.Folio)
		archived = append(archived, models.ArchivedOrder{
			Folio:         o.Folio,
			CheckNumber:   o.CheckNumber,
			Table:         o.Table,
			GuestCount:    o.GuestCount,
			Paid:          o.Paid,
			Cancelled:     o.Cancelled,
			OpenedAt:      o.OpenedAt,
			ClosedAt:      o.ClosedAt,
			ShiftID:       o.ShiftID,
			WaiterID:      o.WaiterID,
			AreaID:        o.AreaID,
			StationID:     o.StationID,
			Subtotal:      o.Subtotal,
			Tax:           o.Tax,
			Discount:      o.Discount,
			Total:         o.Total,
			CashAmount:    o.CashAmount,
			CardAmount:    o.CardAmount,
			VoucherAmount: o.VoucherAmount,
			Tip:           o.Tip,
			WorkspaceID:   o.WorkspaceID,
		})
	}
	if err := tx.CreateInBatches(archived, 100).Error; err != nil {
		return err
	}

	var items []models.WorkingOrderItem
	if err := tx.Where("foliodet IN ?", folios).Find(&items).Error; err != nil {
		return err
	}
	if len(items) > 0 {
		archivedItems := make([]models.ArchivedOrderItem, 0, len(items))
		for _, it := range items {
			archivedItems = append(archivedItems, models.ArchivedOrderItem{
				Folio:        it.Folio,
				Sequence:     it.Sequence,
				ProductID:    it.ProductID,
				Quantity:     it.Quantity,
				UnitPrice:    it.UnitPrice,
				NetUnitPrice: it.NetUnitPrice,
				TaxRate:      it.TaxRate,
				RecordedAt:   it.RecordedAt,
			})
		}
		if err := tx.CreateInBatches(archivedItems, 200).Error; err != nil {
			return err
		}
	}

	var payments []models.WorkingOrderPayment
	if err := tx.Where("folio IN ?", folios).Find(&payments).Error; err != nil {
		return err
	}
	if len(payments) > 0 {
		archivedPayments := make([]models.ArchivedOrderPayment, 0, len(payments))
		for _, p := range payments {
			archivedPayments = append(archivedPayments, models.ArchivedOrderPayment{
				Folio:           p.Folio,
				PaymentMethodID: p.PaymentMethodID,
				Amount:          p.Amount,
				Tip:             p.Tip,
				ExchangeRate:    p.ExchangeRate,
				Reference:       p.Reference,
				CloseShiftID:    shiftID,
			})
		}
		if err := tx.CreateInBatches(archivedPayments, 200).Error; err != nil {
			return err
		}
	}

	if err := tx.Where("folio IN ?", folios).Delete(&models.WorkingOrderPayment{}).Error; err != nil {
		return err
	}
	if err := tx.Where("foliodet IN ?", folios).Delete(&models.WorkingOrderItem{}).Error; err != nil {
		return err
	}
	if err := tx.Where("folio IN ?", folios).Delete(&models.TableAssignment{}).Error; err != nil {
		return err
	}
	if err := tx.Where("folio IN ?", folios).Delete(&models.KitchenItem{}).Error; err != nil {
		return err
	}
	return tx.Where("idturno = ?", shiftID).Delete(&models.WorkingOrder{}).Error
}

// tenderTotals sums this shift's payments by tender kind. Working rows are
// archived before this runs, so the close stamp on the archive is the filter.
func tenderTotals(tx *gorm.DB, shiftID int64) (map[int]decimal.Decimal, error) {
	totals := map[int]decimal.Decimal{
		models.TenderKindCash:    decimal.Zero,
		models.TenderKindCard:    decimal.Zero,
		models.TenderKindVoucher: decimal.Zero,
	}
	var rows []struct {
		Kind   int             `gorm:"column:tipo"`
		Amount decimal.Decimal `gorm:"column:importe"`
	}
	err := tx.Model(&models.ArchivedOrderPayment{}).
		Select("formasdepago.tipo, chequespagos.importe").
		Joins("JOIN formasdepago ON formasdepago.idformadepago = chequespagos.idformadepago").
		Where("chequespagos.idturno_cierre = ?", shiftID).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		totals[r.Kind] = totals[r.Kind].Add(r.Amount)
	}
	return totals, nil
}

// tenderKinds resolves the catalog kind for each method used by the payments.
func tenderKinds(tx *gorm.DB, payments []models.WorkingOrderPayment) (map[string]int, error) {
	ids := make([]string, 0, len(payments))
	for _, p := range payments {
		ids = append(ids, p.PaymentMethodID)
	}
	kinds := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return kinds, nil
	}
	var methods []models.PaymentMethod
	if err := tx.Where("idformadepago IN ?", ids).Find(&methods).Error; err != nil {
		return nil, err
	}
	for _, m := range methods {
		kinds[m.ID] = m.Kind
	}
	return kinds, nil
}
