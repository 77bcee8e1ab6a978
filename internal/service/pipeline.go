package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/jibbs/catalog/internal/domain"
	"github.com/jibbs/catalog/internal/logger"
	"github.com/jibbs/catalog/internal/source"
)

// ProductStore is the slice of the relational store the pipeline needs.
// Implemented by repository.ProductRepository.
type ProductStore interface {
	Upsert(ctx context.Context, product *domain.Product) error
	GetByID(ctx context.Context, id string) (*domain.Product, error)
}

// Pipeline runs the full ingestion flow: normalize, load previous state,
// upsert the product row, enrich via external services, and reconcile the
// vector index. Each product is processed independently; one product's
// failure never aborts the batch.
type Pipeline struct {
	products     ProductStore
	tracker      *EmbeddingTracker
	tracking     TrackingLookup
	mirror       Mirror
	captioner    Captioner
	embedder     Embedder
	logger       *logger.Logger
	workers      int
	batchSize    int
	requestDelay time.Duration
}

// PipelineConfig holds tunables for a pipeline run.
type PipelineConfig struct {
	Workers      int
	BatchSize    int
	RequestDelay time.Duration
}

// NewPipeline creates a new Pipeline. captioner may be nil, in which case
// captions are left empty.
func NewPipeline(
	products ProductStore,
	tracker *EmbeddingTracker,
	tracking TrackingLookup,
	mirror Mirror,
	captioner Captioner,
	embedder Embedder,
	log *logger.Logger,
	cfg *PipelineConfig,
) *Pipeline {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	return &Pipeline{
		products:     products,
		tracker:      tracker,
		tracking:     tracking,
		mirror:       mirror,
		captioner:    captioner,
		embedder:     embedder,
		logger:       log,
		workers:      workers,
		batchSize:    batchSize,
		requestDelay: cfg.RequestDelay,
	}
}

// log returns a logger from context if available, otherwise the default.
func (p *Pipeline) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return p.logger
}

// ProductFailure attributes one product's failure to a pipeline stage.
type ProductFailure struct {
	ProductID string `json:"product_id"`
	SourceURL string `json:"source_url,omitempty"`
	Stage     Stage  `json:"stage"`
	Reason    string `json:"reason"`
}

// PipelineStats summarizes one run.
type PipelineStats struct {
	TotalItems     int64
	ProcessedItems int64
	SucceededItems int64
	MalformedItems int64
	FailedItems    int64

	VectorsUpserted  int64
	VectorsRefreshed int64
	VectorsPruned    int64
	EnrichFailures   int64
	ReconcileErrors  int64

	// Failures lists products that failed outright, by stage.
	Failures []ProductFailure
	// FailuresByStage aggregates those failures per pipeline stage.
	FailuresByStage map[Stage]int64
	// LeakedVectorIDs are index entries written without a tracking row
	// this run, left for the orphan sweep.
	LeakedVectorIDs []string

	StartTime time.Time
	EndTime   time.Time
}

type productResult struct {
	productID string
	sourceURL string
	err       error

	upserted   int
	refreshed  int
	pruned     int
	enrichErrs int
	reconErrs  int
	leaked     []string
}

// Run ingests products from a record source until the source is exhausted
// or limit items have been fetched (limit <= 0 means no limit). Workers
// finish the product they hold when the context is canceled; nothing is
// left half-reconciled by cancellation alone.
func (p *Pipeline) Run(ctx context.Context, src source.RecordSource, limit int) (*PipelineStats, error) {
	stats := &PipelineStats{
		StartTime:       time.Now(),
		FailuresByStage: make(map[Stage]int64),
	}

	p.log(ctx).WithFields(logger.Fields{
		logger.FieldSource: src.SourceID(),
		"limit":            limit,
		"workers":          p.workers,
	}).Info("Starting ingestion run")

	itemsChan := make(chan source.RawProduct, p.workers*2)
	resultsChan := make(chan *productResult, p.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, itemsChan, resultsChan)
		}()
	}

	// Collector owns the non-atomic stats fields.
	done := make(chan struct{})
	go func() {
		for result := range resultsChan {
			atomic.AddInt64(&stats.ProcessedItems, 1)
			atomic.AddInt64(&stats.VectorsUpserted, int64(result.upserted))
			atomic.AddInt64(&stats.VectorsRefreshed, int64(result.refreshed))
			atomic.AddInt64(&stats.VectorsPruned, int64(result.pruned))
			atomic.AddInt64(&stats.EnrichFailures, int64(result.enrichErrs))
			atomic.AddInt64(&stats.ReconcileErrors, int64(result.reconErrs))
			stats.LeakedVectorIDs = append(stats.LeakedVectorIDs, result.leaked...)

			if result.err == nil {
				atomic.AddInt64(&stats.SucceededItems, 1)
				continue
			}

			if errors.Is(result.err, ErrMalformedRecord) {
				atomic.AddInt64(&stats.MalformedItems, 1)
			} else {
				atomic.AddInt64(&stats.FailedItems, 1)
			}

			failure := ProductFailure{
				ProductID: result.productID,
				SourceURL: result.sourceURL,
				Stage:     StageNormalize,
				Reason:    result.err.Error(),
			}
			var se *StageError
			if errors.As(result.err, &se) {
				failure.Stage = se.Stage
			}
			stats.Failures = append(stats.Failures, failure)
			stats.FailuresByStage[failure.Stage]++

			p.log(ctx).WithFields(logger.Fields{
				logger.FieldProductID: result.productID,
				logger.FieldStage:     string(failure.Stage),
			}).WithError(result.err).Error("Failed to process product")
		}
		close(done)
	}()

	cursor := ""
	totalFetched := 0
	for {
		if ctx.Err() != nil {
			break
		}

		batchLimit := p.batchSize
		if limit > 0 {
			remaining := limit - totalFetched
			if remaining <= 0 {
				break
			}
			if batchLimit > remaining {
				batchLimit = remaining
			}
		}

		items, nextCursor, err := src.FetchBatch(ctx, cursor, batchLimit)
		if err != nil {
			p.log(ctx).WithError(err).Error("Failed to fetch batch")
			break
		}
		if len(items) == 0 {
			break
		}

		atomic.AddInt64(&stats.TotalItems, int64(len(items)))
		totalFetched += len(items)

		for _, item := range items {
			select {
			case itemsChan <- item:
			case <-ctx.Done():
			}
		}

		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	close(itemsChan)
	wg.Wait()
	close(resultsChan)
	<-done

	stats.EndTime = time.Now()

	p.log(ctx).WithFields(logger.Fields{
		"total":     stats.TotalItems,
		"succeeded": stats.SucceededItems,
		"malformed": stats.MalformedItems,
		"failed":    stats.FailedItems,
		"upserted":  stats.VectorsUpserted,
		"pruned":    stats.VectorsPruned,
		"leaked":    len(stats.LeakedVectorIDs),
		"duration":  stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Ingestion run completed")

	return stats, nil
}

func (p *Pipeline) worker(ctx context.Context, items <-chan source.RawProduct, results chan<- *productResult) {
	for item := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results <- p.processProduct(ctx, item)
	}
}

// processProduct runs one product through every stage. Cancellation is
// checked between stages only: a stage that has started runs to completion.
func (p *Pipeline) processProduct(ctx context.Context, raw source.RawProduct) *productResult {
	result := &productResult{sourceURL: raw.URL}

	product, err := Normalize(raw)
	if err != nil {
		result.err = err
		return result
	}
	result.productID = product.ProductID
	ctx = logger.SetProductID(ctx, product.ProductID)

	previous, err := p.loadPrevious(ctx, product.ProductID)
	if err != nil {
		result.err = stageErr(StageLoadPrevious, product.ProductID, err)
		return result
	}

	var prevImages []string
	if previous != nil {
		prevImages = previous.ProductImages
	}
	diff := DiffImages(product.ProductImages, prevImages)

	// Unchanged images keep their mirrored URL and caption from the
	// previous run; the enrich stage touches added indices, plus any
	// unchanged index whose embedding is missing and needs repair.
	if previous != nil {
		for _, idx := range diff.Unchanged {
			if idx < len(previous.S3ImageURLs) {
				product.S3ImageURLs[idx] = previous.S3ImageURLs[idx]
			}
			if idx < len(previous.ImageCaptions) {
				product.ImageCaptions[idx] = previous.ImageCaptions[idx]
			}
		}
	}

	now := domain.UTCNow()
	product.InsertedAt = now
	product.UpdatedAt = now

	// First write: the product row exists before any external call, so a
	// crash mid-enrich leaves a findable product, not a dangling vector.
	if err := p.products.Upsert(ctx, product); err != nil {
		result.err = stageErr(StageProductUpsert, product.ProductID, err)
		return result
	}

	if ctx.Err() != nil {
		return result
	}

	input := p.enrich(ctx, product, diff, result)

	if ctx.Err() != nil {
		return result
	}

	// Second write: captions and mirrored URLs gathered during enrich.
	product.UpdatedAt = domain.UTCNow()
	if err := p.products.Upsert(ctx, product); err != nil {
		result.err = stageErr(StageEnrich, product.ProductID, err)
		return result
	}

	if ctx.Err() != nil {
		return result
	}

	recon := p.tracker.Reconcile(ctx, product, input)
	result.upserted = recon.Upserted
	result.refreshed = recon.Refreshed
	result.pruned = recon.Pruned
	result.reconErrs = len(recon.Failures)
	result.leaked = recon.Leaked

	return result
}

// loadPrevious fetches the product's previous row, nil when this is the
// first time the product is seen.
func (p *Pipeline) loadPrevious(ctx context.Context, productID string) (*domain.Product, error) {
	previous, err := p.products.GetByID(ctx, productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return previous, nil
}

// enrich runs the external calls for one product: mirror and caption each
// added image, embed added images and the product text. Every failure here
// is per-item: it is counted and logged, the rest of the product proceeds.
func (p *Pipeline) enrich(ctx context.Context, product *domain.Product, diff ImageDiff, result *productResult) *ReconcileInput {
	input := &ReconcileInput{
		ImageVectors: make(map[int][]float32),
		ImageS3URLs:  make(map[int]string),
	}

	// Vector identity is positional: a removed index that is re-occupied by
	// the current list shares its vector ID with the replacement, so the
	// upsert overwrites it in place. Only indices past the end of the
	// current list are actually deleted.
	for _, idx := range diff.Removed {
		if idx >= len(product.ProductImages) {
			input.PrunedIndices = append(input.PrunedIndices, idx)
		}
	}

	// An unchanged image only earns a refresh when its tracking row exists.
	// If an earlier run's embedding failed there is no row and no vector,
	// so the image is demoted to an addition and embedded again.
	additions := append([]ImageAddition(nil), diff.Added...)
	for _, idx := range diff.Unchanged {
		exists, err := p.tracking.ExistsByVectorID(ctx, ImageVectorID(product.ProductID, idx))
		if err != nil {
			result.enrichErrs++
			p.log(ctx).WithField(logger.FieldProductID, product.ProductID).
				WithError(err).Warn("Failed to look up tracking row for unchanged image")
			input.RefreshIndices = append(input.RefreshIndices, idx)
			continue
		}
		if exists {
			input.RefreshIndices = append(input.RefreshIndices, idx)
			continue
		}
		additions = append(additions, ImageAddition{URL: product.ProductImages[idx], Index: idx})
	}

	for i, added := range additions {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && p.requestDelay > 0 {
			time.Sleep(p.requestDelay)
		}

		p.enrichImage(ctx, product, added, input, result)
	}

	if ctx.Err() != nil {
		return input
	}

	vector, err := p.embedder.EmbedText(ctx, embedText(product))
	if err != nil {
		result.enrichErrs++
		p.log(ctx).WithField(logger.FieldProductID, product.ProductID).
			WithError(err).Warn("Failed to embed product text")
	} else {
		input.TextVector = vector
	}

	return input
}

// enrichImage mirrors, captions, and embeds one added image. The embedding
// is computed from the source URL, so a mirror failure does not block it.
func (p *Pipeline) enrichImage(ctx context.Context, product *domain.Product, added ImageAddition, input *ReconcileInput, result *productResult) {
	log := p.log(ctx).WithFields(logger.Fields{
		logger.FieldProductID: product.ProductID,
		"image_index":         added.Index,
	})

	data, format, err := p.mirror.Fetch(ctx, added.URL)
	if err != nil {
		result.enrichErrs++
		log.WithError(err).Warn("Failed to fetch product image")
	} else {
		s3URL, err := p.mirror.Store(ctx, product.ProductID, added.Index, data, format)
		if err != nil {
			result.enrichErrs++
			log.WithError(err).Warn("Failed to mirror product image")
		} else {
			product.S3ImageURLs[added.Index] = s3URL
			input.ImageS3URLs[added.Index] = s3URL
		}

		if p.captioner != nil {
			caption, err := p.captioner.Caption(ctx, data, format)
			if err != nil {
				result.enrichErrs++
				log.WithError(err).Warn("Failed to caption product image")
			} else {
				product.ImageCaptions[added.Index] = caption
			}
		}
	}

	vector, err := p.embedder.EmbedImage(ctx, added.URL)
	if err != nil {
		result.enrichErrs++
		log.WithError(err).Warn("Failed to embed product image")
		return
	}
	input.ImageVectors[added.Index] = vector
}

// embedText builds the text fed to the embedder: title, description lines,
// and category, matching what shoppers search for.
func embedText(product *domain.Product) string {
	parts := make([]string, 0, 3+len(product.Description))
	parts = append(parts, product.Title)
	parts = append(parts, product.Description...)
	if product.PromoTagline != "" {
		parts = append(parts, product.PromoTagline)
	}
	if product.Category != "" {
		parts = append(parts, product.Category)
	}
	return strings.Join(parts, "\n")
}

// RunAll ingests every configured source in order, merging the per-source
// stats into one summary.
func (p *Pipeline) RunAll(ctx context.Context, sources []source.RecordSource, limit int) (*PipelineStats, error) {
	merged := &PipelineStats{
		StartTime:       time.Now(),
		FailuresByStage: make(map[Stage]int64),
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		stats, err := p.Run(ctx, src, limit)
		if err != nil {
			return merged, fmt.Errorf("source %s: %w", src.SourceID(), err)
		}
		merged.TotalItems += stats.TotalItems
		merged.ProcessedItems += stats.ProcessedItems
		merged.SucceededItems += stats.SucceededItems
		merged.MalformedItems += stats.MalformedItems
		merged.FailedItems += stats.FailedItems
		merged.VectorsUpserted += stats.VectorsUpserted
		merged.VectorsRefreshed += stats.VectorsRefreshed
		merged.VectorsPruned += stats.VectorsPruned
		merged.EnrichFailures += stats.EnrichFailures
		merged.ReconcileErrors += stats.ReconcileErrors
		merged.Failures = append(merged.Failures, stats.Failures...)
		for stage, count := range stats.FailuresByStage {
			merged.FailuresByStage[stage] += count
		}
		merged.LeakedVectorIDs = append(merged.LeakedVectorIDs, stats.LeakedVectorIDs...)
	}

	merged.EndTime = time.Now()
	return merged, nil
}
