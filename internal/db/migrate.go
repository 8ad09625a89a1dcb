package db

import (
	"predictstake/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.SettlementPass{},
		&models.StakeOutcome{},
		&models.PriceSnapshot{},
		&models.OracleHealth{},
	)
}
