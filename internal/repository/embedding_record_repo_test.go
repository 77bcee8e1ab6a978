package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jibbs/catalog/internal/domain"
)

func storedRecord(vectorID string, ts time.Time) *domain.EmbeddingRecord {
	return &domain.EmbeddingRecord{
		VectorID:   vectorID,
		ProductID:  "p-1",
		Type:       domain.EmbeddingTypeImage,
		ImageIndex: 0,
		S3ImageURL: "https://cdn.example.com/p-1/0.jpg",
		InsertedAt: ts,
		UpdatedAt:  ts,
	}
}

func TestEmbeddingRecordUpsertSecondRunKeepsInsertedAt(t *testing.T) {
	db := openTestDB(t)
	repo := NewEmbeddingRecordRepository(db)
	ctx := context.Background()

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := NewProductRepository(db).Upsert(ctx, storedProduct("p-1", first)); err != nil {
		t.Fatalf("product upsert: %v", err)
	}
	if err := repo.Upsert(ctx, storedRecord("vec-1", first)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := first.Add(time.Hour)
	updated := storedRecord("vec-1", second)
	updated.S3ImageURL = "https://cdn.example.com/p-1/0-v2.jpg"
	if err := repo.Upsert(ctx, updated); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int64
	if err := repo.db.Model(&domain.EmbeddingRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after double upsert, got %d", count)
	}

	got, err := repo.GetByVectorID(ctx, "vec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.S3ImageURL != "https://cdn.example.com/p-1/0-v2.jpg" {
		t.Errorf("mutable column not overwritten: %s", got.S3ImageURL)
	}
	if got.InsertedAt.Unix() != first.Unix() {
		t.Errorf("embedding_inserted_at moved: got %v, want %v", got.InsertedAt, first)
	}
	if got.UpdatedAt.Unix() != second.Unix() {
		t.Errorf("embedding_updated_at not moved: got %v, want %v", got.UpdatedAt, second)
	}
}

func TestEmbeddingRecordTouchUpdatesExistingRow(t *testing.T) {
	db := openTestDB(t)
	repo := NewEmbeddingRecordRepository(db)
	ctx := context.Background()

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.Upsert(ctx, storedRecord("vec-1", first)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	later := first.Add(time.Hour)
	touched, err := repo.Touch(ctx, "vec-1", later)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !touched {
		t.Fatal("existing row should report touched")
	}

	got, err := repo.GetByVectorID(ctx, "vec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UpdatedAt.Unix() != later.Unix() {
		t.Errorf("embedding_updated_at not moved: got %v, want %v", got.UpdatedAt, later)
	}
	if got.InsertedAt.Unix() != first.Unix() {
		t.Errorf("embedding_inserted_at moved: got %v", got.InsertedAt)
	}
}

// Touching a vector that was never tracked must write nothing at all.
func TestEmbeddingRecordTouchMissingRowCreatesNothing(t *testing.T) {
	repo := NewEmbeddingRecordRepository(openTestDB(t))
	ctx := context.Background()

	touched, err := repo.Touch(ctx, "vec-missing", time.Now().UTC())
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if touched {
		t.Error("missing row reported as touched")
	}

	var count int64
	if err := repo.db.Model(&domain.EmbeddingRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("touch created %d rows", count)
	}
}
