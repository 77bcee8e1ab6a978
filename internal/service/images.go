package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	_ "golang.org/x/image/webp"

	"github.com/jibbs/catalog/internal/storage"
)

// Mirror copies product images from their source URLs into object storage.
// Fetch and Store are split so callers can reuse the downloaded bytes for
// captioning without a second download.
type Mirror interface {
	// Fetch downloads one source image, returning the raw bytes and the
	// detected format.
	Fetch(ctx context.Context, sourceURL string) ([]byte, string, error)

	// Store uploads image bytes under the product's key space and returns
	// the stored object's public URL.
	Store(ctx context.Context, productID string, imageIndex int, data []byte, format string) (string, error)
}

// maxImageSize caps downloads so a bad source URL cannot exhaust memory.
const maxImageSize = 20 * 1024 * 1024

// ImageMirror downloads source images, validates them, and uploads them to
// object storage keyed by product ID and image index. Re-storing an
// existing key is skipped, so repeated runs do not re-upload.
type ImageMirror struct {
	client   *resty.Client
	storage  storage.ObjectStorage
	maxBytes int64
}

// NewImageMirror creates a new ImageMirror backed by the given object store.
func NewImageMirror(store storage.ObjectStorage) *ImageMirror {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetHeader("User-Agent", "catalog-ingest/1.0")
	// The response body is consumed as a stream so the size cap bounds
	// what is buffered, not just what is accepted afterwards.
	client.SetDoNotParseResponse(true)

	return &ImageMirror{
		client:   client,
		storage:  store,
		maxBytes: maxImageSize,
	}
}

// Fetch downloads one source image and validates it decodes as a supported
// format (jpeg, png, gif, webp).
func (m *ImageMirror) Fetch(ctx context.Context, sourceURL string) ([]byte, string, error) {
	resp, err := m.client.R().
		SetContext(ctx).
		Get(sourceURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	body := resp.RawBody()
	if body != nil {
		defer body.Close()
	}
	if resp.StatusCode() != 200 {
		return nil, "", fmt.Errorf("image download returned status %d", resp.StatusCode())
	}
	if body == nil {
		return nil, "", fmt.Errorf("image download returned empty body")
	}

	// Reading one byte past the cap distinguishes "exactly at the limit"
	// from "over it" without draining an oversized body.
	data, err := io.ReadAll(io.LimitReader(body, m.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image download returned empty body")
	}
	if int64(len(data)) > m.maxBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", m.maxBytes)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("invalid image data: %w", err)
	}

	return data, format, nil
}

// Store uploads image bytes under products/<product_id>/<index>.<ext>. If
// the key already exists the upload is skipped and the existing URL is
// returned; a moved image gets a new index and therefore a new key.
func (m *ImageMirror) Store(ctx context.Context, productID string, imageIndex int, data []byte, format string) (string, error) {
	key := imageKey(productID, imageIndex, format)

	exists, err := m.storage.Exists(ctx, key)
	if err == nil && exists {
		return m.storage.GetURL(key), nil
	}

	contentType := contentTypeFor(format)
	if err := m.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}

	return m.storage.GetURL(key), nil
}

// imageKey builds the storage key for a product image.
func imageKey(productID string, imageIndex int, format string) string {
	ext := format
	if ext == "jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("products/%s/%d.%s", productID, imageIndex, ext)
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
