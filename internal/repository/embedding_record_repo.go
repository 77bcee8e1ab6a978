package repository

import (
	"context"
	"time"

	"github.com/jibbs/catalog/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EmbeddingRecordRepository handles the tracking rows that mirror vector
// index entries.
type EmbeddingRecordRepository struct {
	db *gorm.DB
}

// NewEmbeddingRecordRepository creates a new EmbeddingRecordRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *EmbeddingRecordRepository: repository instance bound to db.
func NewEmbeddingRecordRepository(db *gorm.DB) *EmbeddingRecordRepository {
	return &EmbeddingRecordRepository{db: db}
}

// Upsert inserts a tracking row or refreshes an existing one keyed by
// vector_id. On conflict only the mutable fields and embedding_updated_at
// change; embedding_inserted_at survives.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - record: tracking row with both timestamps set by the caller.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *EmbeddingRecordRepository) Upsert(ctx context.Context, record *domain.EmbeddingRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "vector_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"product_image_index",
			"product_s3_image_url",
			"embedding_updated_at",
		}),
	}).Create(record).Error
}

// Touch moves embedding_updated_at on an existing tracking row. It is
// update-only: when no row matches, nothing is written and touched is false,
// so a refresh can never fabricate a row for a vector the index lacks.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - vectorID: deterministic vector ID.
//   - updatedAt: new value for embedding_updated_at.
// Returns:
//   - touched: true when an existing row was updated.
//   - err: non-nil if the update fails.
func (r *EmbeddingRecordRepository) Touch(ctx context.Context, vectorID string, updatedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.EmbeddingRecord{}).
		Where("vector_id = ?", vectorID).
		Update("embedding_updated_at", updatedAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetByVectorID retrieves a tracking row by its vector ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - vectorID: deterministic vector ID.
// Returns:
//   - *domain.EmbeddingRecord: tracking row if found.
//   - error: gorm.ErrRecordNotFound if absent, other non-nil on failure.
func (r *EmbeddingRecordRepository) GetByVectorID(ctx context.Context, vectorID string) (*domain.EmbeddingRecord, error) {
	var record domain.EmbeddingRecord
	if err := r.db.WithContext(ctx).First(&record, "vector_id = ?", vectorID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByProductID retrieves all tracking rows for a product.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - productID: owning product ID.
// Returns:
//   - []domain.EmbeddingRecord: matching tracking rows.
//   - error: non-nil if the query fails.
func (r *EmbeddingRecordRepository) ListByProductID(ctx context.Context, productID string) ([]domain.EmbeddingRecord, error) {
	var records []domain.EmbeddingRecord
	if err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ExistsByVectorID checks whether a tracking row exists for the vector ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - vectorID: deterministic vector ID.
// Returns:
//   - bool: true if a row exists.
//   - error: non-nil if the lookup fails.
func (r *EmbeddingRecordRepository) ExistsByVectorID(ctx context.Context, vectorID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.EmbeddingRecord{}).
		Where("vector_id = ?", vectorID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountByType counts tracking rows by embedding type.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - embeddingType: embedding type to count.
// Returns:
//   - int64: number of matching rows.
//   - error: non-nil if the query fails.
func (r *EmbeddingRecordRepository) CountByType(ctx context.Context, embeddingType domain.EmbeddingType) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.EmbeddingRecord{}).
		Where("embedding_type = ?", embeddingType).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteByVectorID removes a tracking row by its vector ID. Deleting a row
// that does not exist is not an error.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - vectorID: deterministic vector ID.
// Returns:
//   - error: non-nil if the delete fails.
func (r *EmbeddingRecordRepository) DeleteByVectorID(ctx context.Context, vectorID string) error {
	return r.db.WithContext(ctx).Delete(&domain.EmbeddingRecord{}, "vector_id = ?", vectorID).Error
}
