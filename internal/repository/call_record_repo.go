package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CallRecordRepository archives finished call sessions
type CallRecordRepository struct {
	db *gorm.DB
}

// NewCallRecordRepository creates a new call record repository
func NewCallRecordRepository(db *gorm.DB) *CallRecordRepository {
	return &CallRecordRepository{db: db}
}

// RecordCall upserts the archive row for a call, keyed by call id
func (r *CallRecordRepository) RecordCall(ctx context.Context, call domain.CallSession) error {
	record := domain.NewCallRecord(uuid.New().String(), call)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "call_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"final_status", "last_error", "turns", "ended_at", "duration_ms",
		}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to record call %s: %w", call.CallID, err)
	}
	return nil
}

// GetByCallID returns the archived call, or domain.ErrNotFound
func (r *CallRecordRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: call record %s", domain.ErrNotFound, callID)
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &record, nil
}

// ListByCampaign returns the most recent archived calls of a campaign
func (r *CallRecordRepository) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]*domain.CallRecord, error) {
	var records []*domain.CallRecord
	query := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}
