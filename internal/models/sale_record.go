package models

import "time"

// SaleRecord captures the sale details attached to a cached listing. CRUD for
// these rows lives outside the sync engine; they matter here because a listing
// with sale records must never be physically deleted by the cleanup pass.
type SaleRecord struct {
	BaseModel

	DealerID          string `gorm:"type:uuid;not null;index:idx_sale_listing" json:"dealer_id"`
	ListingExternalID string `gorm:"not null;index:idx_sale_listing" json:"listing_external_id"`

	SoldAt         time.Time `json:"sold_at"`
	SalePriceCents int64     `json:"sale_price_cents"`
	MarginCents    int64     `json:"margin_cents"`
	BuyerName      string    `json:"buyer_name"`
}
