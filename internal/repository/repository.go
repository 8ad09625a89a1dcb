package repository

import (
	"context"
	"time"

	"predictstake/internal/models"
)

// Repository is the local operational store: pass history, per-stake
// outcomes, price snapshots and oracle health. Ledger state itself is never
// persisted here; the chain stays the single source of truth for stakes.
type Repository interface {
	InsertSettlementPass(ctx context.Context, item *models.SettlementPass) error
	GetSettlementPassByID(ctx context.Context, id uint64) (*models.SettlementPass, error)
	ListSettlementPasses(ctx context.Context, params ListPassesParams) ([]models.SettlementPass, error)
	CountSettlementPasses(ctx context.Context, params ListPassesParams) (int64, error)

	InsertStakeOutcomes(ctx context.Context, items []models.StakeOutcome) error
	ListStakeOutcomes(ctx context.Context, params ListOutcomesParams) ([]models.StakeOutcome, error)

	InsertPriceSnapshots(ctx context.Context, items []models.PriceSnapshot) error
	ListPriceSnapshots(ctx context.Context, params ListPriceSnapshotsParams) ([]models.PriceSnapshot, error)
	DeleteOldPriceSnapshots(ctx context.Context, before time.Time) (int64, error)

	UpsertOracleHealth(ctx context.Context, item *models.OracleHealth) error
	ListOracleHealth(ctx context.Context) ([]models.OracleHealth, error)
}

type ListPassesParams struct {
	Limit   int
	Offset  int
	Trigger *string
	Since   *time.Time
	OrderBy string
	Asc     *bool
}

type ListOutcomesParams struct {
	Limit   int
	Offset  int
	PassID  *uint64
	StakeID *uint64
	Status  *string
	Asset   *string
	OrderBy string
	Asc     *bool
}

type ListPriceSnapshotsParams struct {
	Limit  int
	Offset int
	Asset  *string
	Source *string
	Since  *time.Time
}
