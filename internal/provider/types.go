package provider

import "encoding/json"

// Listing is one inventory item as returned by the remote provider. The
// structured sub-sections are kept opaque: the engine caches them verbatim and
// never interprets them.
type Listing struct {
	ID         string `json:"id"`
	Make       string `json:"make"`
	Model      string `json:"model"`
	BodyType   string `json:"bodyType"`
	Year       int    `json:"year"`
	Mileage    int    `json:"mileage"`
	PriceCents int64  `json:"priceCents"`
	Status     string `json:"status"`
	Version    *int64 `json:"version,omitempty"`

	Record json.RawMessage `json:"record,omitempty"`
	Media  json.RawMessage `json:"media,omitempty"`
	Specs  json.RawMessage `json:"specs,omitempty"`
}

// PageResponse is the provider's paginated list envelope.
type PageResponse struct {
	Results      []Listing `json:"results"`
	TotalResults int       `json:"totalResults"`
	TotalPages   int       `json:"totalPages"`
}

// Account identifies a remote provider account together with the client
// credentials used to obtain bearer tokens for it.
type Account struct {
	ID           string
	ClientID     string
	ClientSecret string
}
