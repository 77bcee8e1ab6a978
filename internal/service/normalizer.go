package service

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jibbs/catalog/internal/domain"
	"github.com/jibbs/catalog/internal/source"
)

// Normalize converts a loosely-structured scraped payload into a canonical
// Product. It fails with ErrMalformedRecord when no stable identity (SKU or
// parseable product URL) or title can be established; missing optional
// fields are left unset, never fatal. No side effects.
func Normalize(raw source.RawProduct) (*domain.Product, error) {
	title := normalizeTitle(raw.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: no usable title (url=%s)", ErrMalformedRecord, raw.URL)
	}

	identity, productURL, err := deriveIdentity(raw)
	if err != nil {
		return nil, err
	}

	images := cleanImageURLs(raw.Images)

	product := &domain.Product{
		ProductID:     DeriveProductID(identity),
		Title:         title,
		Description:   append(domain.StringArray{}, raw.Details...),
		Price:         strings.TrimSpace(raw.Price),
		NumImages:     len(images),
		ProductImages: images,
		ImageCaptions: make(domain.StringArray, len(images)),
		S3ImageURLs:   make(domain.StringArray, len(images)),
		PromoTagline:  strings.TrimSpace(raw.PromoTagline),
		SizesAvail:    append(domain.StringArray{}, raw.Sizes...),
		ProductURL:    productURL,
		Category:      strings.TrimSpace(raw.Category),
	}

	if raw.Financing != nil {
		product.Financing = domain.JSONMap(raw.Financing)
	}

	return product, nil
}

// normalizeTitle trims whitespace and drops the site's " - variant" suffix.
func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if idx := strings.Index(title, " - "); idx != -1 {
		title = strings.TrimSpace(title[:idx])
	}
	return title
}

// deriveIdentity picks the stable identity string: the site-assigned SKU
// when present, otherwise host+path of the canonical product URL with query
// and fragment stripped.
func deriveIdentity(raw source.RawProduct) (identity, productURL string, err error) {
	if sku := strings.TrimSpace(raw.SKU); sku != "" {
		return "sku:" + sku, strings.TrimSpace(raw.URL), nil
	}

	rawURL := strings.TrimSpace(raw.URL)
	if rawURL == "" {
		return "", "", fmt.Errorf("%w: no SKU and no product URL", ErrMalformedRecord)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || u.Path == "" {
		return "", "", fmt.Errorf("%w: unusable product URL %q", ErrMalformedRecord, rawURL)
	}

	u.RawQuery = ""
	u.Fragment = ""
	return "url:" + u.Host + u.Path, u.String(), nil
}

// cleanImageURLs drops empty and unparseable image URLs while preserving
// relative order. Duplicates survive: if the source legitimately repeats an
// image, positions still matter downstream.
func cleanImageURLs(urls []string) domain.StringArray {
	cleaned := make(domain.StringArray, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		cleaned = append(cleaned, raw)
	}
	return cleaned
}
