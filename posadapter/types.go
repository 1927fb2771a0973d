package posadapter

import "github.com/shopspring/decimal"

// Command payloads accepted from the bus. Field names follow the wire JSON.

type ShiftOpenData struct {
	Cashier      string          `json:"cashier"`
	StationID    string          `json:"stationId"`
	OpeningFloat decimal.Decimal `json:"openingFloat"`
}

type ShiftCloseData struct {
	ShiftID          int64           `json:"shiftId"`
	CashDeclared     decimal.Decimal `json:"cashDeclared"`
	CardsDeclared    decimal.Decimal `json:"cardsDeclared"`
	VouchersDeclared decimal.Decimal `json:"vouchersDeclared"`
}

// OrderCreateData carries no shift reference: the cloud does not know the POS
// shift ids, so the order lands on whichever shift is currently open.
type OrderCreateData struct {
	Table      string `json:"tableNumber"`
	GuestCount int    `json:"customerCount"`
	WaiterID   string `json:"waiterId"`
	AreaID     string `json:"areaId"`
}

type OrderAddItemData struct {
	Folio       int64           `json:"orderFolio"`
	ProductName string          `json:"productName"`
	Quantity    decimal.Decimal `json:"quantity"`
	Comment     string          `json:"comment,omitempty"`
}

type ItemCancelData struct {
	Folio    int64  `json:"orderFolio"`
	Sequence int    `json:"sequence"`
	WaiterID string `json:"waiterId"`
	Reason   string `json:"reason,omitempty"`
}

type PaymentData struct {
	Folio           int64           `json:"orderFolio"`
	PaymentMethodID string          `json:"posPaymentMethodId"`
	Amount          decimal.Decimal `json:"amount"`
	Tip             decimal.Decimal `json:"tip"`
	Reference       string          `json:"reference,omitempty"`
}
