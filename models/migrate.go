package models

import "gorm.io/gorm"

// AutoMigratePOS creates the full table set. Production deployments run
// against an existing SoftRestaurant database and never call this; it exists
// for the sqlite test harness and local development fixtures.
func AutoMigratePOS(db *gorm.DB) error {
	return db.AutoMigrate(
		&WorkingOrder{},
		&WorkingOrderItem{},
		&WorkingOrderPayment{},
		&CancelledItemAudit{},
		&TableAssignment{},
		&KitchenItem{},
		&ArchivedOrder{},
		&ArchivedOrderItem{},
		&ArchivedOrderPayment{},
		&Product{},
		&Waiter{},
		&DiningArea{},
		&PaymentMethod{},
		&FolioCounters{},
		&PosParameters{},
		&CustomerAccount{},
		&SystemLogEntry{},
		&Shift{},
		&EntityTracking{},
		&EntitySnapshot{},
	)
}
