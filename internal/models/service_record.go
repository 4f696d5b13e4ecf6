package models

import "time"

// ServiceRecord captures workshop activity attached to a cached listing. Like
// sale records, their presence blocks physical deletion of the listing row.
type ServiceRecord struct {
	BaseModel

	DealerID          string `gorm:"type:uuid;not null;index:idx_service_listing" json:"dealer_id"`
	ListingExternalID string `gorm:"not null;index:idx_service_listing" json:"listing_external_id"`

	PerformedAt time.Time `json:"performed_at"`
	Description string    `json:"description"`
	CostCents   int64     `json:"cost_cents"`
}
