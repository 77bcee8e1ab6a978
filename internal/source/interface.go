package source

import "context"

// RawProduct is one parsed product payload as the external scraper emits it.
// Field presence is not guaranteed: scraped pages vary, and the normalizer
// decides what is usable. Only URL is always set.
type RawProduct struct {
	SKU          string                 `json:"sku,omitempty"`
	Title        string                 `json:"title"`
	Price        string                 `json:"price,omitempty"`
	Images       []string               `json:"images,omitempty"`
	Details      []string               `json:"details,omitempty"`
	Financing    map[string]interface{} `json:"financing,omitempty"`
	PromoTagline string                 `json:"promo_tagline,omitempty"`
	Sizes        []string               `json:"sizes,omitempty"`
	URL          string                 `json:"url"`
	Category     string                 `json:"category,omitempty"`
}

// RecordSource is a lazy, finite, restartable stream of raw product records.
type RecordSource interface {
	// SourceID returns the unique identifier for this source.
	SourceID() string

	// DisplayName returns a human-readable name for this source.
	DisplayName() string

	// FetchBatch fetches a batch of raw records starting from the given
	// cursor. An empty cursor requests the first page; an empty nextCursor
	// means the stream is exhausted.
	FetchBatch(ctx context.Context, cursor string, limit int) (records []RawProduct, nextCursor string, err error)
}
