package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"predictstake/internal/models"
	"predictstake/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InsertSettlementPass(ctx context.Context, item *models.SettlementPass) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetSettlementPassByID(ctx context.Context, id uint64) (*models.SettlementPass, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SettlementPass
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSettlementPasses(ctx context.Context, params repository.ListPassesParams) ([]models.SettlementPass, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.passQuery(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "started_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.SettlementPass
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSettlementPasses(ctx context.Context, params repository.ListPassesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var count int64
	if err := s.passQuery(ctx, params).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) passQuery(ctx context.Context, params repository.ListPassesParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.SettlementPass{})
	if params.Trigger != nil && strings.TrimSpace(*params.Trigger) != "" {
		query = query.Where("run_trigger = ?", strings.TrimSpace(*params.Trigger))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("started_at >= ?", *params.Since)
	}
	return query
}

func (s *Store) InsertStakeOutcomes(ctx context.Context, items []models.StakeOutcome) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(items, 200).Error
}

func (s *Store) ListStakeOutcomes(ctx context.Context, params repository.ListOutcomesParams) ([]models.StakeOutcome, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.StakeOutcome{})
	if params.PassID != nil {
		query = query.Where("pass_id = ?", *params.PassID)
	}
	if params.StakeID != nil {
		query = query.Where("stake_id = ?", *params.StakeID)
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Asset != nil && strings.TrimSpace(*params.Asset) != "" {
		query = query.Where("asset = ?", strings.TrimSpace(*params.Asset))
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.StakeOutcome
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) InsertPriceSnapshots(ctx context.Context, items []models.PriceSnapshot) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(items, 200).Error
}

func (s *Store) ListPriceSnapshots(ctx context.Context, params repository.ListPriceSnapshotsParams) ([]models.PriceSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PriceSnapshot{})
	if params.Asset != nil && strings.TrimSpace(*params.Asset) != "" {
		query = query.Where("asset = ?", strings.TrimSpace(*params.Asset))
	}
	if params.Source != nil && strings.TrimSpace(*params.Source) != "" {
		query = query.Where("source = ?", strings.TrimSpace(*params.Source))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("fetched_at >= ?", *params.Since)
	}
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.PriceSnapshot
	if err := query.Order("fetched_at desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DeleteOldPriceSnapshots(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if before.IsZero() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("fetched_at < ?", before).
		Delete(&models.PriceSnapshot{})
	return res.RowsAffected, res.Error
}

func (s *Store) UpsertOracleHealth(ctx context.Context, item *models.OracleHealth) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Name) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_type",
			"status",
			"last_poll_at",
			"last_error",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListOracleHealth(ctx context.Context) ([]models.OracleHealth, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.OracleHealth
	if err := s.db.WithContext(ctx).
		Model(&models.OracleHealth{}).
		Order("name asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	col := strings.TrimSpace(orderBy)
	if col == "" {
		col = fallback
	}
	dir := "desc"
	if asc != nil && *asc {
		dir = "asc"
	}
	return query.Order(col + " " + dir)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 || limit > 1000 {
		return fallback
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
