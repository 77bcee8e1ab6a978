package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jibbs/catalog/internal/domain"
	"github.com/jibbs/catalog/internal/repository"
)

type fakeVectorIndex struct {
	points     map[string][]float32
	payloads   map[string]*repository.ProductPayload
	upsertErr  map[string]error
	deleteErr  map[string]error
	upsertOps  []string
	deleteOps  []string
	collection map[string]string
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{
		points:     make(map[string][]float32),
		payloads:   make(map[string]*repository.ProductPayload),
		upsertErr:  make(map[string]error),
		deleteErr:  make(map[string]error),
		collection: make(map[string]string),
	}
}

func (f *fakeVectorIndex) Upsert(_ context.Context, collection, pointID string, vector []float32, payload *repository.ProductPayload) error {
	if err := f.upsertErr[pointID]; err != nil {
		return err
	}
	f.points[pointID] = vector
	f.payloads[pointID] = payload
	f.collection[pointID] = collection
	f.upsertOps = append(f.upsertOps, pointID)
	return nil
}

func (f *fakeVectorIndex) Delete(_ context.Context, _, pointID string) error {
	if err := f.deleteErr[pointID]; err != nil {
		return err
	}
	delete(f.points, pointID)
	delete(f.payloads, pointID)
	f.deleteOps = append(f.deleteOps, pointID)
	return nil
}

type fakeTrackingStore struct {
	records   map[string]*domain.EmbeddingRecord
	upsertErr map[string]error
	touchErr  map[string]error
	deleteErr map[string]error
}

func newFakeTrackingStore() *fakeTrackingStore {
	return &fakeTrackingStore{
		records:   make(map[string]*domain.EmbeddingRecord),
		upsertErr: make(map[string]error),
		touchErr:  make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeTrackingStore) Upsert(_ context.Context, record *domain.EmbeddingRecord) error {
	if err := f.upsertErr[record.VectorID]; err != nil {
		return err
	}
	copied := *record
	f.records[record.VectorID] = &copied
	return nil
}

func (f *fakeTrackingStore) Touch(_ context.Context, vectorID string, updatedAt time.Time) (bool, error) {
	if err := f.touchErr[vectorID]; err != nil {
		return false, err
	}
	record, ok := f.records[vectorID]
	if !ok {
		return false, nil
	}
	record.UpdatedAt = updatedAt
	return true, nil
}

func (f *fakeTrackingStore) DeleteByVectorID(_ context.Context, vectorID string) error {
	if err := f.deleteErr[vectorID]; err != nil {
		return err
	}
	delete(f.records, vectorID)
	return nil
}

func (f *fakeTrackingStore) ExistsByVectorID(_ context.Context, vectorID string) (bool, error) {
	_, ok := f.records[vectorID]
	return ok, nil
}

func testProduct() *domain.Product {
	return &domain.Product{
		ProductID: DeriveProductID("sku:AB-1234"),
		Title:     "Runner Low",
		Category:  "shoes",
	}
}

func TestReconcileUpsertsTextAndImages(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		TextVector: []float32{0.1, 0.2},
		ImageVectors: map[int][]float32{
			0: {0.3},
			1: {0.4},
		},
		ImageS3URLs: map[int]string{
			0: "https://cdn.example.com/p/0.jpg",
			1: "https://cdn.example.com/p/1.jpg",
		},
	})

	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", result.Failures)
	}
	if result.Upserted != 3 {
		t.Errorf("expected 3 upserts, got %d", result.Upserted)
	}

	textID := TextVectorID(product.ProductID)
	if index.collection[textID] != "text_col" {
		t.Errorf("text vector in wrong collection: %s", index.collection[textID])
	}
	if index.collection[ImageVectorID(product.ProductID, 0)] != "image_col" {
		t.Error("image vector in wrong collection")
	}

	record := tracking.records[ImageVectorID(product.ProductID, 1)]
	if record == nil {
		t.Fatal("tracking row missing for image 1")
	}
	if record.Type != domain.EmbeddingTypeImage || record.ImageIndex != 1 {
		t.Errorf("unexpected tracking row: %+v", record)
	}
	if record.S3ImageURL != "https://cdn.example.com/p/1.jpg" {
		t.Errorf("S3 URL not denormalized: %s", record.S3ImageURL)
	}
}

// Same inputs twice must not create new identities: every write lands on
// the same vector IDs.
func TestReconcileIdempotent(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	input := &ReconcileInput{
		TextVector:   []float32{0.1},
		ImageVectors: map[int][]float32{0: {0.3}},
		ImageS3URLs:  map[int]string{0: "https://cdn.example.com/p/0.jpg"},
	}

	tracker.Reconcile(context.Background(), product, input)
	tracker.Reconcile(context.Background(), product, input)

	if len(index.points) != 2 {
		t.Errorf("expected 2 index points after double run, got %d", len(index.points))
	}
	if len(tracking.records) != 2 {
		t.Errorf("expected 2 tracking rows after double run, got %d", len(tracking.records))
	}
}

// The tracking row is only written after the index write succeeded.
func TestReconcileIndexFailureSkipsTracking(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	imageID := ImageVectorID(product.ProductID, 0)
	index.upsertErr[imageID] = errors.New("connection refused")

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		TextVector:   []float32{0.1},
		ImageVectors: map[int][]float32{0: {0.3}},
	})

	if result.Upserted != 1 {
		t.Errorf("text upsert should still succeed, got %d upserts", result.Upserted)
	}
	if len(result.Failures) != 1 || result.Failures[0].Op != "index_upsert" {
		t.Fatalf("expected one index_upsert failure, got %+v", result.Failures)
	}
	if _, ok := tracking.records[imageID]; ok {
		t.Error("tracking row written despite index failure")
	}
	if len(result.Leaked) != 0 {
		t.Errorf("index failure should not leak, got %v", result.Leaked)
	}
}

// An index write that succeeds while the tracking write fails leaks the
// index entry and reports it.
func TestReconcileTrackingFailureReportsLeak(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	textID := TextVectorID(product.ProductID)
	tracking.upsertErr[textID] = errors.New("deadlock detected")

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		TextVector: []float32{0.1},
	})

	if len(result.Failures) != 1 || result.Failures[0].Op != "tracking_upsert" {
		t.Fatalf("expected one tracking_upsert failure, got %+v", result.Failures)
	}
	if len(result.Leaked) != 1 || result.Leaked[0] != textID {
		t.Errorf("expected leaked vector %s, got %v", textID, result.Leaked)
	}
	if _, ok := index.points[textID]; !ok {
		t.Error("leaked index entry should remain until swept")
	}
}

func TestReconcilePrunesRemovedIndices(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	// Seed state from an earlier run.
	seed := &ReconcileInput{
		ImageVectors: map[int][]float32{0: {0.1}, 1: {0.2}, 2: {0.3}},
	}
	tracker.Reconcile(context.Background(), product, seed)

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		PrunedIndices: []int{1, 2},
	})

	if result.Pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", result.Pruned)
	}
	if _, ok := index.points[ImageVectorID(product.ProductID, 1)]; ok {
		t.Error("pruned index entry still present")
	}
	if _, ok := tracking.records[ImageVectorID(product.ProductID, 2)]; ok {
		t.Error("pruned tracking row still present")
	}
	if _, ok := tracking.records[ImageVectorID(product.ProductID, 0)]; !ok {
		t.Error("untouched tracking row was removed")
	}
}

// A failed index delete must keep the tracking row, preserving the
// invariant that a tracking row implies an index entry.
func TestReconcilePruneDeleteFailureKeepsTrackingRow(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	tracker.Reconcile(context.Background(), product, &ReconcileInput{
		ImageVectors: map[int][]float32{0: {0.1}},
	})

	imageID := ImageVectorID(product.ProductID, 0)
	index.deleteErr[imageID] = errors.New("timeout")

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		PrunedIndices: []int{0},
	})

	if result.Pruned != 0 {
		t.Errorf("expected no successful prunes, got %d", result.Pruned)
	}
	if len(result.Failures) != 1 || result.Failures[0].Op != "index_delete" {
		t.Fatalf("expected one index_delete failure, got %+v", result.Failures)
	}
	if _, ok := tracking.records[imageID]; !ok {
		t.Error("tracking row deleted despite index delete failure")
	}
}

func TestReconcileRefreshTouchesOnlyTrackingRow(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	tracker.Reconcile(context.Background(), product, &ReconcileInput{
		ImageVectors: map[int][]float32{0: {0.1}},
		ImageS3URLs:  map[int]string{0: "https://cdn.example.com/p/0.jpg"},
	})
	indexOpsBefore := len(index.upsertOps)

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		RefreshIndices: []int{0},
		ImageS3URLs:    map[int]string{0: "https://cdn.example.com/p/0.jpg"},
	})

	if result.Refreshed != 1 {
		t.Fatalf("expected 1 refresh, got %d", result.Refreshed)
	}
	if len(index.upsertOps) != indexOpsBefore {
		t.Error("refresh should not touch the vector index")
	}
}

// A refresh against a vector that was never tracked must not create a
// tracking row: that row would claim an index entry that does not exist.
func TestReconcileRefreshNeverCreatesTrackingRow(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		RefreshIndices: []int{0},
	})

	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", result.Failures)
	}
	if result.Refreshed != 0 {
		t.Errorf("nothing existed to refresh, got %d refreshed", result.Refreshed)
	}
	if len(tracking.records) != 0 {
		t.Error("refresh created a tracking row without an index entry")
	}
	if len(index.points) != 0 {
		t.Error("refresh touched the vector index")
	}
}

// One failing item must not abort the rest of the pass.
func TestReconcilePartialFailureIsolation(t *testing.T) {
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")
	product := testProduct()

	index.upsertErr[ImageVectorID(product.ProductID, 1)] = errors.New("boom")

	result := tracker.Reconcile(context.Background(), product, &ReconcileInput{
		TextVector:   []float32{0.1},
		ImageVectors: map[int][]float32{0: {0.2}, 1: {0.3}, 2: {0.4}},
	})

	if result.Upserted != 3 {
		t.Errorf("expected text plus images 0 and 2 upserted, got %d", result.Upserted)
	}
	if len(result.Failures) != 1 {
		t.Errorf("expected exactly one failure, got %d", len(result.Failures))
	}
}
