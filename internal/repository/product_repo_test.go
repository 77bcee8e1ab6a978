package repository

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jibbs/catalog/internal/domain"
)

// openTestDB opens a private in-memory store. The pool is pinned to one
// connection: each sqlite :memory: connection is its own database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.Product{}, &domain.EmbeddingRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func storedProduct(id string, ts time.Time) *domain.Product {
	return &domain.Product{
		ProductID:     id,
		Title:         "Runner Low",
		ProductImages: domain.StringArray{"https://cdn.example.com/a.jpg"},
		NumImages:     1,
		Category:      "shoes",
		InsertedAt:    ts,
		UpdatedAt:     ts,
	}
}

// A second upsert of the same product must overwrite the mutable columns
// in place, leaving one row whose product_inserted_at is the first run's.
func TestProductUpsertSecondRunKeepsInsertedAt(t *testing.T) {
	repo := NewProductRepository(openTestDB(t))
	ctx := context.Background()

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.Upsert(ctx, storedProduct("p-1", first)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := first.Add(2 * time.Hour)
	updated := storedProduct("p-1", second)
	updated.Title = "Runner Low v2"
	if err := repo.Upsert(ctx, updated); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int64
	if err := repo.db.Model(&domain.Product{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after double upsert, got %d", count)
	}

	got, err := repo.GetByID(ctx, "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Runner Low v2" {
		t.Errorf("mutable column not overwritten: %s", got.Title)
	}
	if got.InsertedAt.Unix() != first.Unix() {
		t.Errorf("product_inserted_at moved: got %v, want %v", got.InsertedAt, first)
	}
	if got.UpdatedAt.Unix() != second.Unix() {
		t.Errorf("product_updated_at not moved: got %v, want %v", got.UpdatedAt, second)
	}
}
