package service

import (
	"context"
	"sort"
	"time"

	"github.com/jibbs/catalog/internal/domain"
	"github.com/jibbs/catalog/internal/logger"
	"github.com/jibbs/catalog/internal/repository"
)

// VectorIndex is the slice of the vector store the tracker needs.
// Implemented by repository.QdrantRepository.
type VectorIndex interface {
	Upsert(ctx context.Context, collection, pointID string, vector []float32, payload *repository.ProductPayload) error
	Delete(ctx context.Context, collection, pointID string) error
}

// TrackingStore is the slice of the relational store holding tracking rows.
// Implemented by repository.EmbeddingRecordRepository.
type TrackingStore interface {
	Upsert(ctx context.Context, record *domain.EmbeddingRecord) error
	// Touch refreshes the updated timestamp of an existing row. It must be
	// update-only: a missing row stays missing and touched reports false.
	Touch(ctx context.Context, vectorID string, updatedAt time.Time) (touched bool, err error)
	DeleteByVectorID(ctx context.Context, vectorID string) error
}

// ReconcileInput carries one product's externally computed embeddings into
// a reconcile pass. All maps are keyed by image index.
type ReconcileInput struct {
	// TextVector is the embedding of the product's text, nil when the text
	// embedding failed or was not recomputed this run.
	TextVector []float32

	// ImageVectors holds freshly computed image embeddings.
	ImageVectors map[int][]float32

	// ImageS3URLs holds the mirrored object URL per index, "" when the
	// mirror failed. Denormalized into tracking rows for audit.
	ImageS3URLs map[int]string

	// RefreshIndices are unchanged images: their vectors were not
	// recomputed, but their tracking rows get a fresh updated timestamp.
	RefreshIndices []int

	// PrunedIndices are previous image indices whose index entries and
	// tracking rows must be deleted.
	PrunedIndices []int
}

// ReconcileFailure records one embedding item that could not be fully
// reconciled. Op names the step that failed.
type ReconcileFailure struct {
	VectorID   string
	Type       domain.EmbeddingType
	ImageIndex int
	Op         string // "index_upsert", "tracking_upsert", "tracking_touch", "index_delete", "tracking_delete"
	Err        error
}

// ReconcileResult summarizes one reconcile pass.
type ReconcileResult struct {
	Upserted  int
	Refreshed int
	Pruned    int
	Failures  []ReconcileFailure

	// Leaked are vector IDs whose index write succeeded but whose tracking
	// write failed. Harmless at read time and reclaimed by the sweep; the
	// inverse inconsistency (a tracking row with no index entry) is never
	// produced.
	Leaked []string
}

// EmbeddingTracker keeps the vector index and its relational tracking rows
// in lockstep. For every item the index write is issued first and the
// tracking write only after it succeeds; deletes follow the same order. One
// failing item never aborts the rest of the pass.
type EmbeddingTracker struct {
	index           VectorIndex
	tracking        TrackingStore
	textCollection  string
	imageCollection string
}

// NewEmbeddingTracker creates a new EmbeddingTracker.
func NewEmbeddingTracker(index VectorIndex, tracking TrackingStore, textCollection, imageCollection string) *EmbeddingTracker {
	return &EmbeddingTracker{
		index:           index,
		tracking:        tracking,
		textCollection:  textCollection,
		imageCollection: imageCollection,
	}
}

// Reconcile applies one product's embedding state. The product row must
// already exist: tracking rows reference it.
func (t *EmbeddingTracker) Reconcile(ctx context.Context, product *domain.Product, input *ReconcileInput) *ReconcileResult {
	result := &ReconcileResult{}
	now := domain.UTCNow()

	if input.TextVector != nil {
		t.upsertOne(ctx, result, t.textCollection, &domain.EmbeddingRecord{
			VectorID:   TextVectorID(product.ProductID),
			ProductID:  product.ProductID,
			Type:       domain.EmbeddingTypeText,
			InsertedAt: now,
			UpdatedAt:  now,
		}, input.TextVector, product.Category)
	}

	for _, idx := range sortedKeys(input.ImageVectors) {
		t.upsertOne(ctx, result, t.imageCollection, &domain.EmbeddingRecord{
			VectorID:   ImageVectorID(product.ProductID, idx),
			ProductID:  product.ProductID,
			Type:       domain.EmbeddingTypeImage,
			ImageIndex: idx,
			S3ImageURL: input.ImageS3URLs[idx],
			InsertedAt: now,
			UpdatedAt:  now,
		}, input.ImageVectors[idx], product.Category)
	}

	for _, idx := range input.RefreshIndices {
		vectorID := ImageVectorID(product.ProductID, idx)
		// A refresh moves an existing tracking row's timestamp and nothing
		// else. It must never insert: a row created here would claim an
		// index entry that was never written.
		touched, err := t.tracking.Touch(ctx, vectorID, now)
		if err != nil {
			result.Failures = append(result.Failures, ReconcileFailure{
				VectorID:   vectorID,
				Type:       domain.EmbeddingTypeImage,
				ImageIndex: idx,
				Op:         "tracking_touch",
				Err:        err,
			})
			continue
		}
		if touched {
			result.Refreshed++
		}
	}

	for _, idx := range input.PrunedIndices {
		t.pruneOne(ctx, result, product.ProductID, idx)
	}

	if len(result.Failures) > 0 {
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldProductID: product.ProductID,
			logger.FieldCount:     len(result.Failures),
		}).Warn("Embedding reconcile completed with failures")
	}

	return result
}

// upsertOne writes one vector and, only on its success, the tracking row.
func (t *EmbeddingTracker) upsertOne(ctx context.Context, result *ReconcileResult, collection string, record *domain.EmbeddingRecord, vector []float32, category string) {
	payload := &repository.ProductPayload{
		ProductID:     record.ProductID,
		EmbeddingType: string(record.Type),
		Category:      category,
		ImageIndex:    record.ImageIndex,
		S3ImageURL:    record.S3ImageURL,
	}

	if err := t.index.Upsert(ctx, collection, record.VectorID, vector, payload); err != nil {
		result.Failures = append(result.Failures, ReconcileFailure{
			VectorID:   record.VectorID,
			Type:       record.Type,
			ImageIndex: record.ImageIndex,
			Op:         "index_upsert",
			Err:        err,
		})
		return
	}

	if err := t.tracking.Upsert(ctx, record); err != nil {
		// Index entry written, tracking row not: the leaked entry is the
		// tolerated inconsistency, reclaimed by the sweep.
		result.Failures = append(result.Failures, ReconcileFailure{
			VectorID:   record.VectorID,
			Type:       record.Type,
			ImageIndex: record.ImageIndex,
			Op:         "tracking_upsert",
			Err:        err,
		})
		result.Leaked = append(result.Leaked, record.VectorID)
		return
	}

	result.Upserted++
}

// pruneOne deletes one image embedding: index entry first, tracking row
// only after the index delete succeeded.
func (t *EmbeddingTracker) pruneOne(ctx context.Context, result *ReconcileResult, productID string, imageIndex int) {
	vectorID := ImageVectorID(productID, imageIndex)

	if err := t.index.Delete(ctx, t.imageCollection, vectorID); err != nil {
		result.Failures = append(result.Failures, ReconcileFailure{
			VectorID:   vectorID,
			Type:       domain.EmbeddingTypeImage,
			ImageIndex: imageIndex,
			Op:         "index_delete",
			Err:        err,
		})
		return
	}

	if err := t.tracking.DeleteByVectorID(ctx, vectorID); err != nil {
		result.Failures = append(result.Failures, ReconcileFailure{
			VectorID:   vectorID,
			Type:       domain.EmbeddingTypeImage,
			ImageIndex: imageIndex,
			Op:         "tracking_delete",
			Err:        err,
		})
		return
	}

	result.Pruned++
}

func sortedKeys(m map[int][]float32) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
