package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"snapsummary/internal/model"
)

type UploadRepository struct {
	db *gorm.DB
}

func NewUploadRepository(db *gorm.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

func (r *UploadRepository) Insert(ctx context.Context, record *model.UploadRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("insert upload record failed: %w", err)
	}
	return nil
}

// UpdateSummary writes the summary columns in one conditional statement.
// The write is skipped when a request that started later than requestedAt
// has already been persisted; applied reports whether the row changed.
func (r *UploadRepository) UpdateSummary(
	ctx context.Context,
	id uint,
	text string,
	generatedAt, requestedAt time.Time,
) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.UploadRecord{}).
		Where("id = ? AND (summary_requested_at IS NULL OR summary_requested_at <= ?)", id, requestedAt).
		Updates(map[string]interface{}{
			"summary_text":         text,
			"summary_generated_at": generatedAt,
			"summary_requested_at": requestedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("update upload summary failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LatestByOwner returns the newest record for ownerID, or nil when there is none.
// Equal created_at values are ordered by id.
func (r *UploadRepository) LatestByOwner(ctx context.Context, ownerID uint) (*model.UploadRecord, error) {
	var list []model.UploadRecord
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(1).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("query latest upload failed: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (r *UploadRepository) GetByIDAndOwner(ctx context.Context, id, ownerID uint) (*model.UploadRecord, error) {
	var record model.UploadRecord
	if err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get upload record failed: %w", err)
	}
	return &record, nil
}

func (r *UploadRepository) ListByOwner(ctx context.Context, ownerID uint, limit int) ([]model.UploadRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var list []model.UploadRecord
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list upload records failed: %w", err)
	}
	return list, nil
}
