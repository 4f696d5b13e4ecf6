package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/models"
)

// SyncLogService appends and finalizes synchronization attempt records.
type SyncLogService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSyncLogService constructs the sync log helper.
func NewSyncLogService(db *gorm.DB) (*SyncLogService, error) {
	if db == nil {
		return nil, errors.New("sync log service: db is required")
	}
	return &SyncLogService{db: db, now: time.Now}, nil
}

// Open records the start of a synchronization attempt.
func (s *SyncLogService) Open(ctx context.Context, dealerID, accountID, kind string) (*models.SyncLog, error) {
	entry := models.SyncLog{
		DealerID:          dealerID,
		ProviderAccountID: accountID,
		Kind:              kind,
		Status:            models.SyncStatusRunning,
		StartedAt:         s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("sync log service: open entry: %w", err)
	}
	return &entry, nil
}

// Complete finalizes a running entry with the refresh counts. The status guard
// makes finalization idempotent: an entry is closed exactly once.
func (s *SyncLogService) Complete(ctx context.Context, id string, counts UpsertResult) error {
	return s.finalize(ctx, id, map[string]any{
		"status":       models.SyncStatusCompleted,
		"finished_at":  s.now(),
		"processed":    counts.Processed,
		"created":      counts.Created,
		"updated":      counts.Updated,
		"marked_stale": counts.MarkedStale,
	})
}

// Fail finalizes a running entry with an error message.
func (s *SyncLogService) Fail(ctx context.Context, id, message string) error {
	return s.finalize(ctx, id, map[string]any{
		"status":      models.SyncStatusFailed,
		"finished_at": s.now(),
		"error":       message,
	})
}

func (s *SyncLogService) finalize(ctx context.Context, id string, updates map[string]any) error {
	err := s.db.WithContext(ctx).
		Model(&models.SyncLog{}).
		Where("id = ? AND status = ?", id, models.SyncStatusRunning).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("sync log service: finalize entry: %w", err)
	}
	return nil
}

// Recent returns the latest attempts for a dealer, newest first.
func (s *SyncLogService) Recent(ctx context.Context, dealerID string, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}

	var entries []models.SyncLog
	err := s.db.WithContext(ctx).
		Where("dealer_id = ?", dealerID).
		Order("started_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("sync log service: list entries: %w", err)
	}
	return entries, nil
}

// FailInterrupted closes any entries left running by a crash or restart so no
// entry stays permanently in progress. Called once at startup.
func (s *SyncLogService) FailInterrupted(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.SyncLog{}).
		Where("status = ?", models.SyncStatusRunning).
		Updates(map[string]any{
			"status":      models.SyncStatusFailed,
			"finished_at": s.now(),
			"error":       "interrupted by process restart",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("sync log service: fail interrupted entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Prune deletes finalized entries older than the retention window.
func (s *SyncLogService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)

	res := s.db.WithContext(ctx).
		Where("status <> ? AND started_at < ?", models.SyncStatusRunning, cutoff).
		Delete(&models.SyncLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("sync log service: prune entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}
