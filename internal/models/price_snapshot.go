package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot records every price the resolver handed to the engine,
// with the source that produced it.
type PriceSnapshot struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	Asset     string          `gorm:"type:varchar(100);not null;index"`
	Source    string          `gorm:"type:varchar(50);not null;index"`
	Price     decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	FetchedAt time.Time       `gorm:"type:timestamptz;not null;index"`
	CreatedAt time.Time       `gorm:"type:timestamptz;autoCreateTime"`
}

func (PriceSnapshot) TableName() string {
	return "price_snapshots"
}
