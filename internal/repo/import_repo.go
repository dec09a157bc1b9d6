package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// CreateImportRun inserts a queued run carrying the raw rows.
func CreateImportRun(ctx context.Context, db *gorm.DB, businessID string, rows datatypes.JSON, total int, sendWelcome bool) (*domain.ImportRun, error) {
	now := time.Now().UTC()
	run := &domain.ImportRun{
		ID:          uuid.NewString(),
		BusinessID:  businessID,
		Status:      domain.ImportQueued,
		SendWelcome: sendWelcome,
		TotalRows:   total,
		Rows:        rows,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// GetImportRun fetches a run by ID, or ErrNotFound.
func GetImportRun(ctx context.Context, db *gorm.DB, id string) (*domain.ImportRun, error) {
	var run domain.ImportRun
	if err := db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// MarkImportProcessing moves a run to processing and counts the attempt.
// Saved progress is kept: a retried attempt continues after the rows an
// earlier attempt already applied.
func MarkImportProcessing(ctx context.Context, db *gorm.DB, id string) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.ImportRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     domain.ImportProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ImportProgress is the per-batch snapshot persisted while a run works.
type ImportProgress struct {
	ProcessedRows int
	Progress      int
	Created       int
	Updated       int
	Skipped       int
	Errors        datatypes.JSON
}

// SaveImportProgress persists counters and row errors after a batch.
func SaveImportProgress(ctx context.Context, db *gorm.DB, id string, p ImportProgress) error {
	return db.WithContext(ctx).Model(&domain.ImportRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_rows": p.ProcessedRows,
			"progress":       p.Progress,
			"created":        p.Created,
			"updated":        p.Updated,
			"skipped":        p.Skipped,
			"errors":         p.Errors,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// ImportOutcome is the final tally written when a run completes.
type ImportOutcome struct {
	Total          int
	Created        int
	Updated        int
	Skipped        int
	WelcomeSent    int
	WelcomeFailed  int
	WelcomePending bool
	Errors         datatypes.JSON
}

// CompleteImportRun stores the final tally and drops the raw rows.
func CompleteImportRun(ctx context.Context, db *gorm.DB, id string, o ImportOutcome) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.ImportRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          domain.ImportCompleted,
			"total_rows":      o.Total,
			"processed_rows":  o.Total,
			"progress":        100,
			"created":         o.Created,
			"updated":         o.Updated,
			"skipped":         o.Skipped,
			"welcome_sent":    o.WelcomeSent,
			"welcome_failed":  o.WelcomeFailed,
			"welcome_pending": o.WelcomePending,
			"errors":          o.Errors,
			"rows":            nil,
			"completed_at":    now,
			"updated_at":      now,
		}).Error
}

// CompleteImportWelcome records the welcome tally of a completed run and
// clears its pending flag.
func CompleteImportWelcome(ctx context.Context, db *gorm.DB, id string, sent, failed int) error {
	return db.WithContext(ctx).Model(&domain.ImportRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"welcome_sent":    sent,
			"welcome_failed":  failed,
			"welcome_pending": false,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// FailImportRun marks a run failed with reason. Completed runs keep their
// status.
func FailImportRun(ctx context.Context, db *gorm.DB, id, reason string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.ImportRun{}).
		Where("id = ? AND status <> ?", id, domain.ImportCompleted).
		Updates(map[string]any{
			"status":         domain.ImportFailed,
			"failure_reason": reason,
			"rows":           nil,
			"completed_at":   now,
			"updated_at":     now,
		}).Error
}

// ListPendingImportRuns returns runs that were queued, interrupted while
// processing, or completed with welcomes still to send, oldest first.
func ListPendingImportRuns(ctx context.Context, db *gorm.DB) ([]domain.ImportRun, error) {
	var out []domain.ImportRun
	err := db.WithContext(ctx).
		Where("status IN ? OR welcome_pending = ?", []domain.ImportStatus{domain.ImportQueued, domain.ImportProcessing}, true).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}
