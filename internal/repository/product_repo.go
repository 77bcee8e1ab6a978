package repository

import (
	"context"
	"fmt"

	"github.com/jibbs/catalog/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProductRepository handles product row operations.
type ProductRepository struct {
	db *gorm.DB
}

// NewProductRepository creates a new ProductRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ProductRepository: repository instance bound to db.
func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// productUpdateColumns are the mutable columns overwritten on re-scrape.
// product_inserted_at is deliberately absent: it is set once on first insert
// and survives every later upsert.
var productUpdateColumns = []string{
	"product_title",
	"description",
	"price",
	"num_images",
	"product_images",
	"product_images_captions",
	"s3_image_urls",
	"financing",
	"promo_tagline",
	"sizes_available",
	"product_url",
	"product_category",
	"product_updated_at",
}

// Upsert inserts the product or, when a row with the same product_id exists,
// overwrites its mutable columns. Row-level atomicity comes from the store;
// concurrent upserts of different products never block each other.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - product: product record with both timestamps set by the caller.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *ProductRepository) Upsert(ctx context.Context, product *domain.Product) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns(productUpdateColumns),
	}).Create(product).Error
}

// GetByID retrieves a product by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: product ID.
// Returns:
//   - *domain.Product: product record if found.
//   - error: gorm.ErrRecordNotFound if absent, other non-nil on failure.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	if err := r.db.WithContext(ctx).First(&product, "product_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// GetByIDs retrieves products by a list of IDs.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: list of product IDs.
// Returns:
//   - []domain.Product: matching product records.
//   - error: non-nil if the query fails.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return []domain.Product{}, nil
	}
	var products []domain.Product
	if err := r.db.WithContext(ctx).Where("product_id IN ?", ids).Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to get products by IDs: %w", err)
	}
	return products, nil
}

// ListByCategory retrieves products by category with pagination.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - category: category name to filter by; empty means all.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Product: matching product records.
//   - error: non-nil if the query fails.
func (r *ProductRepository) ListByCategory(ctx context.Context, category string, limit, offset int) ([]domain.Product, error) {
	var products []domain.Product
	query := r.db.WithContext(ctx)
	if category != "" {
		query = query.Where("product_category = ?", category)
	}
	if err := query.
		Limit(limit).
		Offset(offset).
		Order("product_updated_at DESC").
		Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

// GetCategories retrieves all distinct product categories.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []string: distinct category names.
//   - error: non-nil if the query fails.
func (r *ProductRepository) GetCategories(ctx context.Context) ([]string, error) {
	var categories []string
	if err := r.db.WithContext(ctx).
		Model(&domain.Product{}).
		Distinct("product_category").
		Pluck("product_category", &categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}

// Count returns the total number of product rows.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int64: number of products.
//   - error: non-nil if the query fails.
func (r *ProductRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Product{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Delete removes a product by ID. Tracking rows cascade at the store level.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: product ID to delete.
// Returns:
//   - error: non-nil if the delete fails.
func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.Product{}, "product_id = ?", id).Error
}
