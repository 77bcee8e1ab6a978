package domain

import "time"

// EmbeddingType distinguishes what a vector was computed from.
type EmbeddingType string

const (
	// EmbeddingTypeText is the embedding of the product's text description.
	EmbeddingTypeText EmbeddingType = "text"
	// EmbeddingTypeImage is the embedding of one product image.
	EmbeddingTypeImage EmbeddingType = "image"
)

// EmbeddingRecord is the relational tracking row for one vector-index entry.
//
// VectorID is derived deterministically from (product_id, embedding_type,
// image index), so at most one record per tuple exists, enforced by the
// primary key alone, and re-runs are idempotent.
//
// A record must never outlive its product: the FK cascades on delete.
type EmbeddingRecord struct {
	VectorID   string        `gorm:"column:vector_id;type:text;primaryKey" json:"vector_id"`
	ProductID  string        `gorm:"column:product_id;type:text;not null;index:idx_embeddings_product" json:"product_id"`
	Type       EmbeddingType `gorm:"column:embedding_type;type:text;not null" json:"embedding_type"`
	ImageIndex int           `gorm:"column:product_image_index;default:0" json:"product_image_index"`
	S3ImageURL string        `gorm:"column:product_s3_image_url;type:text" json:"product_s3_image_url"`
	InsertedAt time.Time     `gorm:"column:embedding_inserted_at" json:"embedding_inserted_at"`
	UpdatedAt  time.Time     `gorm:"column:embedding_updated_at" json:"embedding_updated_at"`

	Product *Product `gorm:"foreignKey:ProductID;references:ProductID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the database table name for EmbeddingRecord.
func (EmbeddingRecord) TableName() string {
	return "embeddings"
}
