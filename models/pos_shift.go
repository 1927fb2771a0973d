package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Shift is a cash-drawer shift (turnos). Opening inserts a row, closing
// stamps the totals and the close time.
type Shift struct {
	ID               int64           `gorm:"column:idturno;primaryKey"`
	OpenedAt         time.Time       `gorm:"column:apertura"`
	ClosedAt         *time.Time      `gorm:"column:cierre"`
	Cashier          string          `gorm:"column:cajero"`
	OpeningFloat     decimal.Decimal `gorm:"column:fondo;type:decimal(18,4)"`
	CashTotal        decimal.Decimal `gorm:"column:efectivo;type:decimal(18,4)"`
	CardTotal        decimal.Decimal `gorm:"column:tarjeta;type:decimal(18,4)"`
	VoucherTotal     decimal.Decimal `gorm:"column:vales;type:decimal(18,4)"`
	StationID        string          `gorm:"column:idestacion"`
	WorkspaceID      string          `gorm:"column:WorkspaceId"`
	CashDeclared     decimal.Decimal `gorm:"column:efectivodeclarado;type:decimal(18,4)"`
	CardsDeclared    decimal.Decimal `gorm:"column:tarjetadeclarado;type:decimal(18,4)"`
	VouchersDeclared decimal.Decimal `gorm:"column:valesdeclarado;type:decimal(18,4)"`
}

func (Shift) TableName() string { return "turnos" }
