package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a menu item (productos). Prices are tax inclusive.
type Product struct {
	ID          string          `gorm:"column:idproducto;primaryKey"`
	Description string          `gorm:"column:descripcion"`
	Price       decimal.Decimal `gorm:"column:precio;type:decimal(18,4)"`
	GroupID     string          `gorm:"column:idgrupo"`
	Enabled     bool            `gorm:"column:activo"`
}

func (Product) TableName() string { return "productos" }

// Waiter is a floor staff member (meseros).
type Waiter struct {
	ID       string `gorm:"column:idmesero;primaryKey"`
	Name     string `gorm:"column:nombre"`
	Enabled  bool   `gorm:"column:activo"`
	Password string `gorm:"column:contraseña"`
}

func (Waiter) TableName() string { return "meseros" }

// DiningArea is a section of the floor (areasrestaurant).
type DiningArea struct {
	ID            string `gorm:"column:idarearestaurant;primaryKey"`
	Description   string `gorm:"column:descripcion"`
	ServiceTypeID int    `gorm:"column:idtiposervicio"`
}

func (DiningArea) TableName() string { return "areasrestaurant" }

// Payment method kinds (formasdepago.tipo). The POS groups drawer totals by
// kind, not by individual method.
const (
	TenderKindCash    = 1
	TenderKindCard    = 2
	TenderKindVoucher = 3
)

// PaymentMethod is a tender catalog entry (formasdepago), e.g. "EF" cash or
// "TC" credit card. Payments reference methods by this id.
type PaymentMethod struct {
	ID          string `gorm:"column:idformadepago;primaryKey"`
	Description string `gorm:"column:descripcion"`
	Kind        int    `gorm:"column:tipo"`
}

func (PaymentMethod) TableName() string { return "formasdepago" }

// FolioCounters holds the POS's running sequence numbers (folios). A single
// row per series; every number handed out must round-trip through it.
type FolioCounters struct {
	Series               string `gorm:"column:serie;primaryKey"`
	LastFolio            int64  `gorm:"column:ultimofolio"`
	LastOrderNumber      int64  `gorm:"column:ultimaorden"`
	LastProductionNumber int64  `gorm:"column:ultimofolioproduccion"`
}

func (FolioCounters) TableName() string { return "folios" }

// PosParameters is the POS global settings row (parametros).
type PosParameters struct {
	ID          int             `gorm:"column:id;primaryKey"`
	LastShiftID int64           `gorm:"column:ultimoturno"`
	TaxRate     decimal.Decimal `gorm:"column:impuesto1;type:decimal(18,4)"`
}

func (PosParameters) TableName() string { return "parametros" }

// CustomerAccount is a house account (cuentas).
type CustomerAccount struct {
	ID        int64  `gorm:"column:idcuenta;primaryKey"`
	Folio     int64  `gorm:"column:folio"`
	Processed bool   `gorm:"column:procesado"`
	Customer  string `gorm:"column:cliente"`
}

func (CustomerAccount) TableName() string { return "cuentas" }

// SystemLogEntry is the POS's own audit trail (bitacorasistema). The bridge
// appends here for mutations so the POS reports stay complete.
type SystemLogEntry struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	LoggedAt  time.Time `gorm:"column:fecha"`
	User      string    `gorm:"column:usuario"`
	Event     string    `gorm:"column:evento"`
	Values    string    `gorm:"column:valores"`
	StationID string    `gorm:"column:estacion"`
}

func (SystemLogEntry) TableName() string { return "bitacorasistema" }
