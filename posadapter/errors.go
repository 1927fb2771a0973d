package posadapter

import "bitbucket.org/mmdatafocus/pos_bridge/utils"

// Business rule codes surfaced back to the cloud on command rejection.
const (
	CodeTableOccupied   = "TABLE_OCCUPIED"
	CodeProductNotFound = "PRODUCT_NOT_FOUND"
	CodeOrderNotFound   = "ORDER_NOT_FOUND"
	CodeOrderClosed     = "ORDER_CLOSED"
	CodeShiftNotOpen    = "SHIFT_NOT_OPEN"
	CodeItemNotFound    = "ITEM_NOT_FOUND"
	CodePaymentMethod   = "PAYMENT_METHOD_NOT_FOUND"
)

func NewTableOccupiedError(table string) *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodeTableOccupied, "table %s already has an open order", table)
}

func NewProductNotFoundError(name string) *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodeProductNotFound, "no active product named %q", name)
}

func NewOrderNotFoundError(folio int64) *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodeOrderNotFound, "no open order with folio %d", folio)
}

func NewOrderClosedError(folio int64) *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodeOrderClosed, "order %d is already paid or cancelled", folio)
}

func NewShiftNotOpenError(shiftID int64) *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodeShiftNotOpen, "shift %d is not open", shiftID)
}

func NewNoOpenShiftError() *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodeShiftNotOpen, "no shift is currently open")
}

func NewPaymentMethodNotFoundError(id string) *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodePaymentMethod, "no payment method %q in formasdepago", id)
}

func NewItemNotFoundError(folio int64, sequence int) *utils.BusinessRuleError {
	return utils.NewBusinessRuleError(CodeItemNotFound, "order %d has no line %d", folio, sequence)
}
