package models

import (
	"time"
)

// SettlementPass is one run of the settlement engine, scheduled or manual.
type SettlementPass struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`
	// Column is run_trigger: "trigger" is a reserved word in postgres.
	Trigger   string     `gorm:"column:run_trigger;type:varchar(20);not null;default:'schedule'"`
	Eligible  int        `gorm:"not null"`
	Resolved  int        `gorm:"not null"`
	Failed    int        `gorm:"not null"`
	Skipped   int        `gorm:"not null"`
	Error     *string    `gorm:"type:text"`
	StartedAt time.Time  `gorm:"type:timestamptz;not null;index"`
	EndedAt   *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz;autoCreateTime"`
}

func (SettlementPass) TableName() string {
	return "settlement_passes"
}
