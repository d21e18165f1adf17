package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/custard-io/custard/internal/db"
)

// gormFileRepository is the GORM implementation of FileRepository.
type gormFileRepository struct {
	db *gorm.DB
}

// NewFileRepository returns a FileRepository backed by the provided *gorm.DB.
func NewFileRepository(db *gorm.DB) FileRepository {
	return &gormFileRepository{db: db}
}

// Create inserts the metadata record for a newly uploaded file.
func (r *gormFileRepository) Create(ctx context.Context, file *db.UploadedFile) error {
	if err := r.db.WithContext(ctx).Create(file).Error; err != nil {
		return fmt.Errorf("files: create: %w", err)
	}
	return nil
}

// GetByID retrieves a file record by UUID. Soft-deleted files are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormFileRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.UploadedFile, error) {
	var file db.UploadedFile
	err := r.db.WithContext(ctx).First(&file, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("files: get by id: %w", err)
	}
	return &file, nil
}

// ListByOwner returns a paginated list of one user's uploaded files and the
// total count.
func (r *gormFileRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.UploadedFile, int64, error) {
	var files []db.UploadedFile
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.UploadedFile{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("files: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&files).Error; err != nil {
		return nil, 0, fmt.Errorf("files: list: %w", err)
	}

	return files, total, nil
}

// Delete soft-deletes a file record. The blob itself is deleted by the
// handler through the blob store before this is called.
func (r *gormFileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.UploadedFile{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("files: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
