package repository

import (
	"context"

	"gorm.io/gorm"
)

// RepositoryManager combines all repositories
type RepositoryManager interface {
	CallRecord() *CallRecordRepository
	QueueItemRecord() *QueueItemRecordRepository

	// Transaction support
	WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error

	// Health check
	Ping(ctx context.Context) error

	// Close connection
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db                  *gorm.DB
	callRecordRepo      *CallRecordRepository
	queueItemRecordRepo *QueueItemRecordRepository
}

// NewGormRepositoryManager creates a new GORM repository manager
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:                  db,
		callRecordRepo:      NewCallRecordRepository(db),
		queueItemRecordRepo: NewQueueItemRecordRepository(db),
	}
}

// CallRecord returns the call record repository
func (m *GormRepositoryManager) CallRecord() *CallRecordRepository {
	return m.callRecordRepo
}

// QueueItemRecord returns the queue archive repository
func (m *GormRepositoryManager) QueueItemRecord() *QueueItemRecordRepository {
	return m.queueItemRecordRepo
}

// WithTx executes a function within a database transaction
func (m *GormRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositoryManager(tx))
	})
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
