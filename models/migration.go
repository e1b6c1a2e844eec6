package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every table owned by the import pipeline.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&PurchaseOrder{}, &LineItem{},
		&MissionArea{}, &Missionary{},
		&ImportBatch{}, &ImportError{}, &ReviewItem{},
	)
}
