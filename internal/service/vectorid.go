package service

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jibbs/catalog/internal/domain"
)

// Identity namespaces for UUIDv5 derivation. Fixed forever: changing either
// orphans every previously written row and index entry.
var (
	productIDNamespace = uuid.MustParse("5f2c1f9e-8a34-4b88-9c2d-6d1f0a7e4b21")
	vectorIDNamespace  = uuid.MustParse("a9e3d6f1-42b7-4c0a-8e5f-137bd28c9a54")
)

// DeriveProductID derives the stable product identity from the site SKU
// when available, else from the canonical product URL.
func DeriveProductID(identity string) string {
	return uuid.NewSHA1(productIDNamespace, []byte(identity)).String()
}

// VectorID derives the deterministic vector index point ID for one
// embedding. The (product, type, index) tuple is the dedup key: the same
// tuple always maps to the same ID, so re-runs upsert instead of
// duplicating.
func VectorID(productID string, embeddingType domain.EmbeddingType, imageIndex int) string {
	name := fmt.Sprintf("%s:%s:%d", productID, embeddingType, imageIndex)
	return uuid.NewSHA1(vectorIDNamespace, []byte(name)).String()
}

// TextVectorID is the vector ID for a product's text embedding.
func TextVectorID(productID string) string {
	return VectorID(productID, domain.EmbeddingTypeText, 0)
}

// ImageVectorID is the vector ID for the product image at the given index.
func ImageVectorID(productID string, imageIndex int) string {
	return VectorID(productID, domain.EmbeddingTypeImage, imageIndex)
}
