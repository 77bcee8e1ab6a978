package domain

import "time"

// Product is the canonical catalog record for a scraped product page.
//
// ProductImages, S3ImageURLs, and ImageCaptions are positionally aligned:
// index i in each slice refers to the same physical image. S3ImageURLs and
// ImageCaptions may hold empty strings at indices where the mirror or the
// captioner failed; the slices always have len == NumImages.
type Product struct {
	ProductID     string      `gorm:"column:product_id;type:text;primaryKey" json:"product_id"`
	Title         string      `gorm:"column:product_title;type:text;not null" json:"product_title"`
	Description   StringArray `gorm:"column:description;type:text" json:"description"`
	Price         string      `gorm:"column:price;type:text" json:"price"`
	NumImages     int         `gorm:"column:num_images" json:"num_images"`
	ProductImages StringArray `gorm:"column:product_images;type:text" json:"product_images"`
	ImageCaptions StringArray `gorm:"column:product_images_captions;type:text" json:"product_images_captions"`
	S3ImageURLs   StringArray `gorm:"column:s3_image_urls;type:text" json:"s3_image_urls"`
	Financing     JSONMap     `gorm:"column:financing;type:text" json:"financing"`
	PromoTagline  string      `gorm:"column:promo_tagline;type:text" json:"promo_tagline"`
	SizesAvail    StringArray `gorm:"column:sizes_available;type:text" json:"sizes_available"`
	ProductURL    string      `gorm:"column:product_url;type:text" json:"product_url"`
	Category      string      `gorm:"column:product_category;type:text;index:idx_products_category" json:"product_category"`
	InsertedAt    time.Time   `gorm:"column:product_inserted_at" json:"product_inserted_at"`
	UpdatedAt     time.Time   `gorm:"column:product_updated_at" json:"product_updated_at"`
}

// TableName returns the database table name for Product.
func (Product) TableName() string {
	return "products"
}

// ProductSearchResult pairs a product with a similarity score.
type ProductSearchResult struct {
	Product
	Score float32 `json:"score"`
}
