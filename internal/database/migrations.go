package database

import (
	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Dealer{},
		&models.Listing{},
		&models.SyncLog{},
		&models.SaleRecord{},
		&models.ServiceRecord{},
	)
}
