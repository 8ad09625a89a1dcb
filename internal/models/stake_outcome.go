package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// StakeOutcome is the per-stake result of one settlement pass.
// Store money-like values as numeric to avoid float errors.
type StakeOutcome struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	PassID uint64 `gorm:"not null;index"`

	StakeID uint64 `gorm:"not null;index"`
	Asset   string `gorm:"type:varchar(100);not null;index"`

	Status string           `gorm:"type:varchar(30);not null;index"`
	Price  *decimal.Decimal `gorm:"type:numeric(38,18)"`
	TxHash *string          `gorm:"type:varchar(66)"`
	Error  *string          `gorm:"type:text"`

	// Details carries whatever the engine found useful to keep: which oracle
	// source won, retry counts, pool sizes at resolution.
	Details datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (StakeOutcome) TableName() string {
	return "stake_outcomes"
}
