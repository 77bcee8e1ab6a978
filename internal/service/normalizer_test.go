package service

import (
	"errors"
	"testing"

	"github.com/jibbs/catalog/internal/source"
)

func TestNormalizeIdentityFromSKU(t *testing.T) {
	raw := source.RawProduct{
		SKU:      "AB-1234",
		Title:    "Runner Low",
		URL:      "https://shop.example.com/products/runner-low?color=red",
		Category: "shoes",
	}

	product, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if product.ProductID != DeriveProductID("sku:AB-1234") {
		t.Errorf("product ID not derived from SKU: %s", product.ProductID)
	}

	// Changing the URL must not change the identity when a SKU exists.
	raw.URL = "https://shop.example.com/products/runner-low-v2"
	again, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ProductID != product.ProductID {
		t.Errorf("SKU identity changed with URL: %s != %s", again.ProductID, product.ProductID)
	}
}

func TestNormalizeIdentityFromURL(t *testing.T) {
	base := source.RawProduct{
		Title: "Runner Low",
		URL:   "https://shop.example.com/products/runner-low?utm_source=feed#gallery",
	}

	product, err := Normalize(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Query and fragment must not affect identity.
	clean := base
	clean.URL = "https://shop.example.com/products/runner-low"
	cleanProduct, err := Normalize(clean)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product.ProductID != cleanProduct.ProductID {
		t.Errorf("query string changed identity: %s != %s", product.ProductID, cleanProduct.ProductID)
	}

	if product.ProductURL != "https://shop.example.com/products/runner-low" {
		t.Errorf("product URL not canonicalized: %s", product.ProductURL)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  source.RawProduct
	}{
		{
			name: "no title",
			raw:  source.RawProduct{URL: "https://shop.example.com/p/1"},
		},
		{
			name: "no identity",
			raw:  source.RawProduct{Title: "Runner Low"},
		},
		{
			name: "unparseable url",
			raw:  source.RawProduct{Title: "Runner Low", URL: "not a url"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.raw)
			if err == nil {
				t.Fatal("expected error for malformed record")
			}
			if !errors.Is(err, ErrMalformedRecord) {
				t.Errorf("expected ErrMalformedRecord, got %v", err)
			}
		})
	}
}

func TestNormalizeTitleSuffix(t *testing.T) {
	raw := source.RawProduct{
		SKU:   "AB-1234",
		Title: "  Runner Low - White/Black  ",
	}

	product, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product.Title != "Runner Low" {
		t.Errorf("title not normalized: %q", product.Title)
	}
}

func TestNormalizeImageAlignment(t *testing.T) {
	raw := source.RawProduct{
		SKU:   "AB-1234",
		Title: "Runner Low",
		Images: []string{
			"https://cdn.example.com/a.jpg",
			"",
			"://broken",
			"https://cdn.example.com/b.jpg",
		},
	}

	product, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if product.NumImages != 2 {
		t.Fatalf("expected 2 usable images, got %d", product.NumImages)
	}
	if len(product.ProductImages) != 2 || len(product.S3ImageURLs) != 2 || len(product.ImageCaptions) != 2 {
		t.Errorf("image slices not aligned: images=%d s3=%d captions=%d",
			len(product.ProductImages), len(product.S3ImageURLs), len(product.ImageCaptions))
	}
	if product.ProductImages[0] != "https://cdn.example.com/a.jpg" || product.ProductImages[1] != "https://cdn.example.com/b.jpg" {
		t.Errorf("image order not preserved: %v", product.ProductImages)
	}
}

func TestNormalizeKeepsDuplicateImages(t *testing.T) {
	raw := source.RawProduct{
		SKU:   "AB-1234",
		Title: "Runner Low",
		Images: []string{
			"https://cdn.example.com/a.jpg",
			"https://cdn.example.com/a.jpg",
		},
	}

	product, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product.NumImages != 2 {
		t.Errorf("duplicate images should be kept, got %d", product.NumImages)
	}
}
