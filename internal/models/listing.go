package models

import (
	"time"

	"gorm.io/datatypes"
)

// Listing lifecycle states as reported by the remote provider.
const (
	ListingStatusAvailable = "available"
	ListingStatusReserved  = "reserved"
	ListingStatusSold      = "sold"
	ListingStatusWithdrawn = "withdrawn"
)

// Listing is one cached provider record, keyed by the provider's external id
// within a (dealer, provider account) pair.
//
// At most one non-stale row exists per key at a time. Rows that disappear from
// the provider's result set are marked stale rather than deleted so that sale
// and service records pointing at the external id never dangle; physical
// deletion happens only through the referentially-safe cleanup pass.
type Listing struct {
	BaseModel

	DealerID          string `gorm:"type:uuid;not null;index:idx_listing_key;index" json:"dealer_id"`
	ProviderAccountID string `gorm:"not null;index:idx_listing_key" json:"provider_account_id"`
	ExternalID        string `gorm:"not null;index:idx_listing_key;index" json:"external_id"`

	Make       string `gorm:"index" json:"make"`
	Model      string `gorm:"index" json:"model"`
	BodyType   string `gorm:"index" json:"body_type"`
	Year       int    `gorm:"index" json:"year"`
	Mileage    int    `gorm:"index" json:"mileage"`
	PriceCents int64  `gorm:"index" json:"price_cents"`
	Status     string `gorm:"index" json:"status"`

	RemoteVersion *int64     `json:"remote_version,omitempty"`
	LastFetchedAt time.Time  `gorm:"index" json:"last_fetched_at"`
	Stale         bool       `gorm:"index;default:false" json:"stale"`
	StaleSince    *time.Time `json:"stale_since,omitempty"`

	// Provider-defined structured sections kept verbatim for reconstruction.
	Payload      datatypes.JSON `json:"payload,omitempty"`
	MediaPayload datatypes.JSON `json:"media_payload,omitempty"`
	SpecPayload  datatypes.JSON `json:"spec_payload,omitempty"`
}
