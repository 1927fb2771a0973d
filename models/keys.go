package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Entity types and change reasons used across the tracking feed.
const (
	EntityOrder     = "order"
	EntityOrderItem = "orderitem"
	EntityShift     = "shift"
	EntityStaff     = "staff"
	EntityArea      = "area"

	ReasonCreated    = "created"
	ReasonUpdated    = "updated"
	ReasonDeleted    = "deleted"
	ReasonItemChange = "item_change"
)

// Entity ids are composite so a folio reused across shifts or reinstalls
// never collides: <instance>:<shiftID>:<folio> for orders, with a trailing
// :<sequence> segment for order items.

func OrderKey(instanceID string, shiftID, folio int64) string {
	return fmt.Sprintf("%s:%d:%d", instanceID, shiftID, folio)
}

func OrderItemKey(instanceID string, shiftID, folio int64, sequence int) string {
	return fmt.Sprintf("%s:%d:%d:%d", instanceID, shiftID, folio, sequence)
}

func ShiftKey(instanceID string, shiftID int64) string {
	return fmt.Sprintf("%s:%d", instanceID, shiftID)
}

// ParseOrderKey extracts the shift id and folio from an order or order item
// key. Item keys carry one extra segment which is ignored here, so an item
// change resolves to its parent order.
func ParseOrderKey(key string) (shiftID int64, folio int64, err error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return 0, 0, fmt.Errorf("malformed order key: %q", key)
	}
	shiftID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed order key: %q", key)
	}
	folio, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed order key: %q", key)
	}
	return shiftID, folio, nil
}

// ParseShiftKey extracts the shift id from a shift key.
func ParseShiftKey(key string) (int64, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed shift key: %q", key)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed shift key: %q", key)
	}
	return id, nil
}
