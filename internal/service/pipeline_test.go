package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"

	"github.com/jibbs/catalog/internal/domain"
	"github.com/jibbs/catalog/internal/logger"
	"github.com/jibbs/catalog/internal/source"
)

type fakeProductStore struct {
	products  map[string]*domain.Product
	upsertErr error
	upserts   int
}

func newFakeProductStore() *fakeProductStore {
	return &fakeProductStore{products: make(map[string]*domain.Product)}
}

func (f *fakeProductStore) Upsert(_ context.Context, product *domain.Product) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	copied := *product
	if existing, ok := f.products[product.ProductID]; ok {
		copied.InsertedAt = existing.InsertedAt
	}
	f.products[product.ProductID] = &copied
	return nil
}

func (f *fakeProductStore) GetByID(_ context.Context, id string) (*domain.Product, error) {
	product, ok := f.products[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *product
	return &copied, nil
}

type fakeMirror struct {
	fetchErr map[string]error
	stored   []string
}

func (f *fakeMirror) Fetch(_ context.Context, sourceURL string) ([]byte, string, error) {
	if err := f.fetchErr[sourceURL]; err != nil {
		return nil, "", err
	}
	return []byte("imagebytes"), "jpeg", nil
}

func (f *fakeMirror) Store(_ context.Context, productID string, imageIndex int, _ []byte, format string) (string, error) {
	key := imageKey(productID, imageIndex, format)
	f.stored = append(f.stored, key)
	return "https://cdn.example.com/" + key, nil
}

type fakeCaptioner struct {
	err error
}

func (f *fakeCaptioner) Caption(_ context.Context, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "a white sneaker", nil
}

func (f *fakeCaptioner) Model() string { return "fake-vision" }

type fakeEmbedder struct {
	textErr   error
	imageErr  map[string]error
	textCalls int
}

func (f *fakeEmbedder) EmbedText(_ context.Context, _ string) ([]float32, error) {
	if f.textErr != nil {
		return nil, f.textErr
	}
	f.textCalls++
	return []float32{0.1, 0.2}, nil
}

func (f *fakeEmbedder) EmbedImage(_ context.Context, url string) ([]float32, error) {
	if err := f.imageErr[url]; err != nil {
		return nil, err
	}
	return []float32{0.3, 0.4}, nil
}

func (f *fakeEmbedder) Model() string { return "fake-clip" }

type sliceSource struct {
	items []source.RawProduct
}

func (s *sliceSource) SourceID() string    { return "test" }
func (s *sliceSource) DisplayName() string { return "Test source" }

func (s *sliceSource) FetchBatch(_ context.Context, cursor string, limit int) ([]source.RawProduct, string, error) {
	start := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &start)
	}
	if start >= len(s.items) {
		return nil, "", nil
	}
	end := start + limit
	if end > len(s.items) {
		end = len(s.items)
	}
	next := ""
	if end < len(s.items) {
		next = fmt.Sprintf("%d", end)
	}
	return s.items[start:end], next, nil
}

type pipelineHarness struct {
	pipeline *Pipeline
	products *fakeProductStore
	index    *fakeVectorIndex
	tracking *fakeTrackingStore
	mirror   *fakeMirror
	embedder *fakeEmbedder
}

func newPipelineHarness() *pipelineHarness {
	products := newFakeProductStore()
	index := newFakeVectorIndex()
	tracking := newFakeTrackingStore()
	mirror := &fakeMirror{fetchErr: make(map[string]error)}
	embedder := &fakeEmbedder{imageErr: make(map[string]error)}
	tracker := NewEmbeddingTracker(index, tracking, "text_col", "image_col")

	pipeline := NewPipeline(products, tracker, tracking, mirror, &fakeCaptioner{}, embedder,
		logger.New(nil), &PipelineConfig{Workers: 1, BatchSize: 10})

	return &pipelineHarness{
		pipeline: pipeline,
		products: products,
		index:    index,
		tracking: tracking,
		mirror:   mirror,
		embedder: embedder,
	}
}

func rawShoe(sku string, images ...string) source.RawProduct {
	return source.RawProduct{
		SKU:      sku,
		Title:    "Runner Low",
		URL:      "https://shop.example.com/products/" + sku,
		Images:   images,
		Category: "shoes",
	}
}

func TestPipelineFirstIngest(t *testing.T) {
	h := newPipelineHarness()
	src := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1", "https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg"),
	}}

	stats, err := h.pipeline.Run(context.Background(), src, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.SucceededItems != 1 || stats.FailedItems != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	// One text vector plus two image vectors.
	if stats.VectorsUpserted != 3 {
		t.Errorf("expected 3 vectors upserted, got %d", stats.VectorsUpserted)
	}

	productID := DeriveProductID("sku:AB-1")
	product, err := h.products.GetByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("product not stored: %v", err)
	}
	if product.NumImages != 2 {
		t.Errorf("expected 2 images, got %d", product.NumImages)
	}
	if product.S3ImageURLs[0] == "" || product.S3ImageURLs[1] == "" {
		t.Errorf("mirrored URLs not recorded: %v", product.S3ImageURLs)
	}
	if product.ImageCaptions[0] != "a white sneaker" {
		t.Errorf("caption not recorded: %v", product.ImageCaptions)
	}
	if len(h.tracking.records) != 3 {
		t.Errorf("expected 3 tracking rows, got %d", len(h.tracking.records))
	}
}

// Running the same batch twice must not duplicate anything and must not
// re-mirror unchanged images.
func TestPipelineSecondRunIdempotent(t *testing.T) {
	h := newPipelineHarness()
	src := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1", "https://cdn.example.com/a.jpg"),
	}}

	if _, err := h.pipeline.Run(context.Background(), src, 0); err != nil {
		t.Fatalf("first run: %v", err)
	}
	storedAfterFirst := len(h.mirror.stored)

	stats, err := h.pipeline.Run(context.Background(), src, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if stats.SucceededItems != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(h.mirror.stored) != storedAfterFirst {
		t.Error("unchanged image was re-mirrored")
	}
	// Text is re-embedded each run, the unchanged image only refreshed.
	if stats.VectorsUpserted != 1 {
		t.Errorf("expected only the text vector upserted, got %d", stats.VectorsUpserted)
	}
	if stats.VectorsRefreshed != 1 {
		t.Errorf("expected 1 refreshed image, got %d", stats.VectorsRefreshed)
	}
	if len(h.index.points) != 2 {
		t.Errorf("expected 2 index points, got %d", len(h.index.points))
	}
	if len(h.tracking.records) != 2 {
		t.Errorf("expected 2 tracking rows, got %d", len(h.tracking.records))
	}
}

// Dropping an image prunes the stale indices and reuses nothing past the
// new list's length.
func TestPipelineImagePruning(t *testing.T) {
	h := newPipelineHarness()
	first := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1", "https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg", "https://cdn.example.com/c.jpg"),
	}}
	if _, err := h.pipeline.Run(context.Background(), first, 0); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1", "https://cdn.example.com/a.jpg", "https://cdn.example.com/c.jpg"),
	}}
	stats, err := h.pipeline.Run(context.Background(), second, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	// Previous index 1 is re-occupied by the shifted image and overwritten
	// in place; only index 2 is deleted.
	if stats.VectorsPruned != 1 {
		t.Errorf("expected previous index 2 pruned, got %d", stats.VectorsPruned)
	}

	productID := DeriveProductID("sku:AB-1")
	// Text plus images at indices 0 and 1.
	if len(h.tracking.records) != 3 {
		t.Errorf("expected 3 tracking rows after prune, got %d", len(h.tracking.records))
	}
	if _, ok := h.index.points[ImageVectorID(productID, 2)]; ok {
		t.Error("stale index entry for dropped image still present")
	}
}

// A malformed record is skipped and counted; the rest of the batch runs.
func TestPipelineMalformedIsolation(t *testing.T) {
	h := newPipelineHarness()
	src := &sliceSource{items: []source.RawProduct{
		{Title: "No identity at all"},
		rawShoe("AB-2", "https://cdn.example.com/a.jpg"),
	}}

	stats, err := h.pipeline.Run(context.Background(), src, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.MalformedItems != 1 {
		t.Errorf("expected 1 malformed item, got %d", stats.MalformedItems)
	}
	if stats.SucceededItems != 1 {
		t.Errorf("expected 1 success, got %d", stats.SucceededItems)
	}
	if len(stats.Failures) != 1 || stats.Failures[0].Stage != StageNormalize {
		t.Errorf("expected a normalize stage failure, got %+v", stats.Failures)
	}
	if stats.FailuresByStage[StageNormalize] != 1 {
		t.Errorf("per-stage count missing: %v", stats.FailuresByStage)
	}
}

// A failed image fetch leaves that image without mirror or caption but the
// product still succeeds, and the embedding is still computed from the
// source URL when possible.
func TestPipelineEnrichFailureDoesNotFailProduct(t *testing.T) {
	h := newPipelineHarness()
	h.mirror.fetchErr["https://cdn.example.com/broken.jpg"] = errors.New("404")
	src := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1", "https://cdn.example.com/broken.jpg", "https://cdn.example.com/ok.jpg"),
	}}

	stats, err := h.pipeline.Run(context.Background(), src, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.SucceededItems != 1 || stats.FailedItems != 0 {
		t.Fatalf("product should succeed despite image failure: %+v", stats)
	}
	if stats.EnrichFailures == 0 {
		t.Error("enrich failure not counted")
	}

	product, _ := h.products.GetByID(context.Background(), DeriveProductID("sku:AB-1"))
	if product.S3ImageURLs[0] != "" {
		t.Error("failed image should have empty S3 URL")
	}
	if product.S3ImageURLs[1] == "" {
		t.Error("healthy image should be mirrored")
	}
	// Both images still got vectors: embedding reads the source URL.
	if stats.VectorsUpserted != 3 {
		t.Errorf("expected 3 vectors, got %d", stats.VectorsUpserted)
	}
}

func TestPipelineEmbedFailureSkipsVector(t *testing.T) {
	h := newPipelineHarness()
	h.embedder.imageErr["https://cdn.example.com/a.jpg"] = errors.New("rate limited")
	src := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1", "https://cdn.example.com/a.jpg"),
	}}

	stats, err := h.pipeline.Run(context.Background(), src, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.SucceededItems != 1 {
		t.Fatalf("product should succeed: %+v", stats)
	}
	// Only the text vector made it.
	if stats.VectorsUpserted != 1 {
		t.Errorf("expected 1 vector, got %d", stats.VectorsUpserted)
	}

	productID := DeriveProductID("sku:AB-1")
	if _, ok := h.index.points[ImageVectorID(productID, 0)]; ok {
		t.Error("failed embedding should not be in the index")
	}
	// The image was still mirrored and captioned.
	product, _ := h.products.GetByID(context.Background(), productID)
	if product.S3ImageURLs[0] == "" {
		t.Error("mirror should run despite embed failure")
	}
}

// An image whose embedding failed on the first run has no index entry and
// no tracking row. The next run sees it as unchanged but must embed it
// anyway instead of refreshing state that does not exist.
func TestPipelineSecondRunRepairsFailedEmbedding(t *testing.T) {
	h := newPipelineHarness()
	h.embedder.imageErr["https://cdn.example.com/a.jpg"] = errors.New("rate limited")
	src := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1", "https://cdn.example.com/a.jpg"),
	}}

	if _, err := h.pipeline.Run(context.Background(), src, 0); err != nil {
		t.Fatalf("first run: %v", err)
	}

	productID := DeriveProductID("sku:AB-1")
	imageID := ImageVectorID(productID, 0)
	if _, ok := h.tracking.records[imageID]; ok {
		t.Fatal("failed embedding should leave no tracking row")
	}

	delete(h.embedder.imageErr, "https://cdn.example.com/a.jpg")
	stats, err := h.pipeline.Run(context.Background(), src, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	// Text plus the repaired image vector, and no refresh of a row that
	// never existed.
	if stats.VectorsUpserted != 2 {
		t.Errorf("expected 2 vectors upserted, got %d", stats.VectorsUpserted)
	}
	if stats.VectorsRefreshed != 0 {
		t.Errorf("expected no refreshes, got %d", stats.VectorsRefreshed)
	}
	if _, ok := h.index.points[imageID]; !ok {
		t.Error("image vector still missing after repair run")
	}
	if _, ok := h.tracking.records[imageID]; !ok {
		t.Error("tracking row still missing after repair run")
	}
	for id := range h.tracking.records {
		if _, ok := h.index.points[id]; !ok {
			t.Errorf("tracking row %s has no index entry", id)
		}
	}
}

func TestPipelineHonorsLimit(t *testing.T) {
	h := newPipelineHarness()
	src := &sliceSource{items: []source.RawProduct{
		rawShoe("AB-1"),
		rawShoe("AB-2"),
		rawShoe("AB-3"),
	}}

	stats, err := h.pipeline.Run(context.Background(), src, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalItems != 2 {
		t.Errorf("expected 2 items fetched, got %d", stats.TotalItems)
	}
}

func TestPipelineRunAllMergesStats(t *testing.T) {
	h := newPipelineHarness()
	sources := []source.RecordSource{
		&sliceSource{items: []source.RawProduct{rawShoe("AB-1")}},
		&sliceSource{items: []source.RawProduct{rawShoe("AB-2"), rawShoe("AB-3")}},
	}

	stats, err := h.pipeline.RunAll(context.Background(), sources, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalItems != 3 || stats.SucceededItems != 3 {
		t.Errorf("unexpected merged stats: %+v", stats)
	}
}
