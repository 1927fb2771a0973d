package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// The order structs map the legacy SoftRestaurant schema. Table and column
// names stay in the POS's original Spanish; the Go side uses English names.

// WorkingOrder is an open check on the floor (tempcheques). Rows move to the
// archive table when the shift closes.
type WorkingOrder struct {
	Folio          int64           `gorm:"column:folio;primaryKey;autoIncrement"`
	CheckNumber    int64           `gorm:"column:numcheque"`
	Table          string          `gorm:"column:mesa"`
	GuestCount     int             `gorm:"column:nopersonas"`
	Paid           bool            `gorm:"column:pagado"`
	Cancelled      bool            `gorm:"column:cancelado"`
	Printed        bool            `gorm:"column:impreso"`
	OpenedAt       time.Time       `gorm:"column:fecha"`
	ClosedAt       *time.Time      `gorm:"column:cierre"`
	ShiftID        int64           `gorm:"column:idturno"`
	WaiterID       string          `gorm:"column:idmesero"`
	AreaID         string          `gorm:"column:idarearestaurant"`
	StationID      string          `gorm:"column:estacion"`
	OrderNumber    int64           `gorm:"column:orden"`
	Subtotal       decimal.Decimal `gorm:"column:subtotal;type:decimal(18,4)"`
	Tax            decimal.Decimal `gorm:"column:totalimpuesto1;type:decimal(18,4)"`
	Discount       decimal.Decimal `gorm:"column:descuentoimporte;type:decimal(18,4)"`
	Total          decimal.Decimal `gorm:"column:total;type:decimal(18,4)"`
	CashAmount     decimal.Decimal `gorm:"column:efectivo;type:decimal(18,4)"`
	CardAmount     decimal.Decimal `gorm:"column:tarjeta;type:decimal(18,4)"`
	VoucherAmount  decimal.Decimal `gorm:"column:vales;type:decimal(18,4)"`
	Tip            decimal.Decimal `gorm:"column:propina;type:decimal(18,4)"`
	Notes          string          `gorm:"column:observaciones"`
	WorkspaceID    string          `gorm:"column:WorkspaceId"`
	LastModifiedAt time.Time       `gorm:"column:ultimamodificacion"`
}

func (WorkingOrder) TableName() string { return "tempcheques" }

// WorkingOrderItem is a line on an open check (tempcheqdet).
type WorkingOrderItem struct {
	Folio        int64           `gorm:"column:foliodet;primaryKey"`
	Sequence     int             `gorm:"column:movimiento;primaryKey"`
	ProductID    string          `gorm:"column:idproducto"`
	Quantity     decimal.Decimal `gorm:"column:cantidad;type:decimal(18,4)"`
	UnitPrice    decimal.Decimal `gorm:"column:precio;type:decimal(18,4)"`
	NetUnitPrice decimal.Decimal `gorm:"column:preciosinimpuestos;type:decimal(18,4)"`
	TaxRate      decimal.Decimal `gorm:"column:impuesto1;type:decimal(18,4)"`
	RecordedAt   time.Time       `gorm:"column:hora"`
	Comment      string          `gorm:"column:comentario"`
}

func (WorkingOrderItem) TableName() string { return "tempcheqdet" }

// WorkingOrderPayment is a tender applied to an open check (tempchequespagos).
// A check can carry several tenders of the same method, so the row has its
// own key rather than (folio, method).
type WorkingOrderPayment struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Folio           int64           `gorm:"column:folio"`
	PaymentMethodID string          `gorm:"column:idformadepago"`
	Amount          decimal.Decimal `gorm:"column:importe;type:decimal(18,4)"`
	Tip             decimal.Decimal `gorm:"column:propina;type:decimal(18,4)"`
	ExchangeRate    decimal.Decimal `gorm:"column:tipodecambio;type:decimal(18,4)"`
	Reference       string          `gorm:"column:referencia"`
}

func (WorkingOrderPayment) TableName() string { return "tempchequespagos" }

// CancelledItemAudit records a voided line (tempcancela). The POS keeps these
// for end-of-day reporting, so cancellations write here as well as the log.
type CancelledItemAudit struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Folio       int64           `gorm:"column:folio"`
	Sequence    int             `gorm:"column:movimiento"`
	ProductID   string          `gorm:"column:idproducto"`
	Quantity    decimal.Decimal `gorm:"column:cantidad;type:decimal(18,4)"`
	UnitPrice   decimal.Decimal `gorm:"column:precio;type:decimal(18,4)"`
	CancelledAt time.Time       `gorm:"column:fecha"`
	WaiterID    string          `gorm:"column:idmesero"`
	Reason      string          `gorm:"column:motivo"`
}

func (CancelledItemAudit) TableName() string { return "tempcancela" }

// TableAssignment ties a floor table to an open check (mesasasignadas). The
// unique index on mesa is what actually enforces one check per table; the
// adapter's count pre-check only exists for the friendlier error message.
type TableAssignment struct {
	Folio int64  `gorm:"column:folio;primaryKey"`
	Table string `gorm:"column:mesa;uniqueIndex:uq_mesasasignadas_mesa"`
}

func (TableAssignment) TableName() string { return "mesasasignadas" }

// KitchenItem mirrors lines sent to production (productosenproduccion).
type KitchenItem struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Folio     int64           `gorm:"column:folio"`
	Sequence  int             `gorm:"column:movimiento"`
	ProductID string          `gorm:"column:idproducto"`
	Quantity  decimal.Decimal `gorm:"column:cantidad;type:decimal(18,4)"`
	Cancelled bool            `gorm:"column:cancelado"`
	SentAt    time.Time       `gorm:"column:hora"`
}

func (KitchenItem) TableName() string { return "productosenproduccion" }

// ArchivedOrder is a closed check carried over at shift close (cheques).
type ArchivedOrder struct {
	Folio         int64           `gorm:"column:folio;primaryKey"`
	CheckNumber   int64           `gorm:"column:numcheque"`
	Table         string          `gorm:"column:mesa"`
	GuestCount    int             `gorm:"column:nopersonas"`
	Paid          bool            `gorm:"column:pagado"`
	Cancelled     bool            `gorm:"column:cancelado"`
	OpenedAt      time.Time       `gorm:"column:fecha"`
	ClosedAt      *time.Time      `gorm:"column:cierre"`
	ShiftID       int64           `gorm:"column:idturno"`
	WaiterID      string          `gorm:"column:idmesero"`
	AreaID        string          `gorm:"column:idarearestaurant"`
	StationID     string          `gorm:"column:estacion"`
	Subtotal      decimal.Decimal `gorm:"column:subtotal;type:decimal(18,4)"`
	Tax           decimal.Decimal `gorm:"column:totalimpuesto1;type:decimal(18,4)"`
	Discount      decimal.Decimal `gorm:"column:descuentoimporte;type:decimal(18,4)"`
	Total         decimal.Decimal `gorm:"column:total;type:decimal(18,4)"`
	CashAmount    decimal.Decimal `gorm:"column:efectivo;type:decimal(18,4)"`
	CardAmount    decimal.Decimal `gorm:"column:tarjeta;type:decimal(18,4)"`
	VoucherAmount decimal.Decimal `gorm:"column:vales;type:decimal(18,4)"`
	Tip           decimal.Decimal `gorm:"column:propina;type:decimal(18,4)"`
	WorkspaceID   string          `gorm:"column:WorkspaceId"`
}

func (ArchivedOrder) TableName() string { return "cheques" }

// ArchivedOrderItem is a line on an archived check (cheqdet).
type ArchivedOrderItem struct {
	Folio        int64           `gorm:"column:foliodet;primaryKey"`
	Sequence     int             `gorm:"column:movimiento;primaryKey"`
	ProductID    string          `gorm:"column:idproducto"`
	Quantity     decimal.Decimal `gorm:"column:cantidad;type:decimal(18,4)"`
	UnitPrice    decimal.Decimal `gorm:"column:precio;type:decimal(18,4)"`
	NetUnitPrice decimal.Decimal `gorm:"column:preciosinimpuestos;type:decimal(18,4)"`
	TaxRate      decimal.Decimal `gorm:"column:impuesto1;type:decimal(18,4)"`
	RecordedAt   time.Time       `gorm:"column:hora"`
}

func (ArchivedOrderItem) TableName() string { return "cheqdet" }

// ArchivedOrderPayment is a tender on an archived check (chequespagos).
// idturno_cierre records which shift close moved the row, which is what the
// POS end-of-day reports group on.
type ArchivedOrderPayment struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Folio           int64           `gorm:"column:folio"`
	PaymentMethodID string          `gorm:"column:idformadepago"`
	Amount          decimal.Decimal `gorm:"column:importe;type:decimal(18,4)"`
	Tip             decimal.Decimal `gorm:"column:propina;type:decimal(18,4)"`
	ExchangeRate    decimal.Decimal `gorm:"column:tipodecambio;type:decimal(18,4)"`
	Reference       string          `gorm:"column:referencia"`
	CloseShiftID    int64           `gorm:"column:idturno_cierre"`
}

func (ArchivedOrderPayment) TableName() string { return "chequespagos" }
