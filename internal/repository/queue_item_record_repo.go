package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const archiveBatchSize = 100

// QueueItemRecordRepository archives terminal queue items
type QueueItemRecordRepository struct {
	db *gorm.DB
}

// NewQueueItemRecordRepository creates a new queue archive repository
func NewQueueItemRecordRepository(db *gorm.DB) *QueueItemRecordRepository {
	return &QueueItemRecordRepository{db: db}
}

// ArchiveQueueItems writes items in one transaction. Rows already archived are left alone.
func (r *QueueItemRecordRepository) ArchiveQueueItems(ctx context.Context, items []domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now()
	records := make([]domain.QueueItemRecord, 0, len(items))
	for _, item := range items {
		records = append(records, domain.NewQueueItemRecord(item, now))
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&records, archiveBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("failed to archive %d queue items: %w", len(items), err)
	}
	return nil
}

// ListByCampaign returns archived items of a campaign, newest first
func (r *QueueItemRecordRepository) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]*domain.QueueItemRecord, error) {
	var records []*domain.QueueItemRecord
	query := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("archived_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list queue item records: %w", err)
	}
	return records, nil
}
