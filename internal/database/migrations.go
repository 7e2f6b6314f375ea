package database

import (
	"gorm.io/gorm"

	"github.com/IamMattHenry/salemate-notify/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Recipient{},
		&models.Notification{},
		&models.NotificationRead{},
	)
}

// SeedData inserts development recipients so a fresh install has identities
// to fan notifications out to. Existing rows are left untouched.
func SeedData(db *gorm.DB) error {
	recipients := []models.Recipient{
		{
			BaseModel:  models.BaseModel{ID: "admin"},
			Name:       "Administrator",
			Email:      "admin@salemate.local",
			Role:       "admin",
			Department: "operations",
			Active:     true,
		},
		{
			BaseModel:  models.BaseModel{ID: "sales-lead"},
			Name:       "Sales Lead",
			Email:      "sales@salemate.local",
			Role:       "sales",
			Department: "sales",
			Active:     true,
		},
		{
			BaseModel:  models.BaseModel{ID: "stock-clerk"},
			Name:       "Stock Clerk",
			Email:      "inventory@salemate.local",
			Role:       "inventory",
			Department: "warehouse",
			Active:     true,
		},
	}

	for _, recipient := range recipients {
		if err := db.Where(models.Recipient{BaseModel: models.BaseModel{ID: recipient.ID}}).
			Attrs(recipient).
			FirstOrCreate(&models.Recipient{}).Error; err != nil {
			return err
		}
	}

	return nil
}
