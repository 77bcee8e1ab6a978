package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/jibbs/catalog/internal/domain"
	"github.com/jibbs/catalog/internal/logger"
	"github.com/jibbs/catalog/internal/repository"
)

// SearchService answers catalog queries against the vector collections and
// hydrates hits from the relational store.
type SearchService struct {
	productRepo     *repository.ProductRepository
	embeddingRepo   *repository.EmbeddingRecordRepository
	qdrantRepo      *repository.QdrantRepository
	embedder        Embedder
	textCollection  string
	imageCollection string
	logger          *logger.Logger
}

// NewSearchService creates a new search service.
func NewSearchService(
	productRepo *repository.ProductRepository,
	embeddingRepo *repository.EmbeddingRecordRepository,
	qdrantRepo *repository.QdrantRepository,
	embedder Embedder,
	textCollection, imageCollection string,
	log *logger.Logger,
) *SearchService {
	return &SearchService{
		productRepo:     productRepo,
		embeddingRepo:   embeddingRepo,
		qdrantRepo:      qdrantRepo,
		embedder:        embedder,
		textCollection:  textCollection,
		imageCollection: imageCollection,
		logger:          log,
	}
}

func (s *SearchService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// SearchRequest is a catalog search query.
type SearchRequest struct {
	Query    string `json:"query" binding:"required"`
	Category string `json:"category"`
	TopK     int    `json:"top_k"`
	// Mode selects which collection to search: "text" (default), "image",
	// or "both" to merge hits from both collections.
	Mode string `json:"mode"`
}

// SearchResponse holds ranked products for a query.
type SearchResponse struct {
	Query   string                       `json:"query"`
	Results []domain.ProductSearchResult `json:"results"`
	Total   int                          `json:"total"`
}

// Search embeds the query, searches the requested collections, and hydrates
// the hits from the product table. Products whose row has been deleted
// since indexing are dropped from the results.
func (s *SearchService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	vector, err := s.embedder.EmbedText(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var filters *repository.SearchFilters
	if req.Category != "" {
		filters = &repository.SearchFilters{Category: &req.Category}
	}

	collections := []string{s.textCollection}
	switch req.Mode {
	case "image":
		collections = []string{s.imageCollection}
	case "both":
		collections = []string{s.textCollection, s.imageCollection}
	}

	// Multiple image vectors can hit for one product; keep the best score
	// per product.
	bestScores := make(map[string]float32)
	for _, collection := range collections {
		hits, err := s.qdrantRepo.Search(ctx, collection, vector, topK, filters)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", collection, err)
		}
		for _, hit := range hits {
			if hit.Payload == nil {
				continue
			}
			productID := hit.Payload.ProductID
			if hit.Score > bestScores[productID] {
				bestScores[productID] = hit.Score
			}
		}
	}

	ids := make([]string, 0, len(bestScores))
	for id := range bestScores {
		ids = append(ids, id)
	}

	products, err := s.productRepo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	results := make([]domain.ProductSearchResult, 0, len(products))
	for _, product := range products {
		results = append(results, domain.ProductSearchResult{
			Product: product,
			Score:   bestScores[product.ProductID],
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	s.log(ctx).WithFields(logger.Fields{
		"query":   req.Query,
		"mode":    req.Mode,
		"results": len(results),
	}).Debug("Search completed")

	return &SearchResponse{
		Query:   req.Query,
		Results: results,
		Total:   len(results),
	}, nil
}

// GetProductByID returns one product by its ID.
func (s *SearchService) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.productRepo.GetByID(ctx, id)
}

// ProductListResponse holds a page of products.
type ProductListResponse struct {
	Products []domain.Product `json:"products"`
	Total    int64            `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListProducts returns a page of products, optionally filtered by category.
func (s *SearchService) ListProducts(ctx context.Context, category string, limit, offset int) (*ProductListResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	products, err := s.productRepo.ListByCategory(ctx, category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	total, err := s.productRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	return &ProductListResponse{
		Products: products,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// GetCategories returns the distinct product categories.
func (s *SearchService) GetCategories(ctx context.Context) ([]string, error) {
	return s.productRepo.GetCategories(ctx)
}

// GetStats returns counts describing the catalog and its embeddings.
func (s *SearchService) GetStats(ctx context.Context) (map[string]interface{}, error) {
	productCount, err := s.productRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	textCount, err := s.embeddingRepo.CountByType(ctx, domain.EmbeddingTypeText)
	if err != nil {
		return nil, fmt.Errorf("failed to count text embeddings: %w", err)
	}

	imageCount, err := s.embeddingRepo.CountByType(ctx, domain.EmbeddingTypeImage)
	if err != nil {
		return nil, fmt.Errorf("failed to count image embeddings: %w", err)
	}

	return map[string]interface{}{
		"products":         productCount,
		"text_embeddings":  textCount,
		"image_embeddings": imageCount,
		"embedding_model":  s.embedder.Model(),
	}, nil
}
