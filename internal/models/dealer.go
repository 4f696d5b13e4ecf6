package models

// Dealer maps a caller identity onto the provider account its inventory is
// synchronized from. IdentityRef is the primary lookup key; LegacyIdentityRef
// preserves the reference dealers registered under before an account migration
// and is only consulted by the emergency fallback chain.
type Dealer struct {
	BaseModel

	Name              string `gorm:"not null" json:"name"`
	IdentityRef       string `gorm:"not null;uniqueIndex" json:"identity_ref"`
	LegacyIdentityRef string `gorm:"index" json:"legacy_identity_ref,omitempty"`

	ProviderAccountID    string `gorm:"not null;index" json:"provider_account_id"`
	ProviderClientID     string `json:"-"`
	ProviderClientSecret string `json:"-"`

	Active bool `gorm:"default:true;index" json:"active"`
}
