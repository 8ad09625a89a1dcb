package models

import (
	"time"
)

// OracleHealth is one row per price source, upserted after each pass.
type OracleHealth struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement"`
	Name       string     `gorm:"type:varchar(50);not null;uniqueIndex"`
	SourceType string     `gorm:"type:varchar(20);not null"`
	Status     string     `gorm:"type:varchar(20);not null"`
	LastPollAt *time.Time `gorm:"type:timestamptz"`
	LastError  *string    `gorm:"type:text"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (OracleHealth) TableName() string {
	return "oracle_health"
}
