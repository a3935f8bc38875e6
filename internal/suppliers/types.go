// Package suppliers encapsulates the third-party component data vendors
// behind one gateway with per-supplier rate limits, circuit breakers and
// bounded retries.
package suppliers

import (
	"context"
	"encoding/json"
)

// Result is what an adapter returns for one part search. Adapters never
// mutate a Result after returning it.
type Result struct {
	Supplier        string            `json:"supplier"`
	MPN             string            `json:"mpn"`
	Manufacturer    string            `json:"manufacturer,omitempty"`
	Category        string            `json:"category,omitempty"`
	Description     string            `json:"description,omitempty"`
	UnitPrice       float64           `json:"unit_price,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	Availability    int               `json:"availability,omitempty"`
	LifecycleStatus string            `json:"lifecycle_status,omitempty"`
	DatasheetURL    string            `json:"datasheet_url,omitempty"`
	ImageURL        string            `json:"image_url,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	PriceBreaks     []PriceBreak      `json:"price_breaks,omitempty"`
	MatchConfidence float64           `json:"match_confidence"`
	RoHSCompliant   *bool             `json:"rohs_compliant,omitempty"`
	ReachCompliant  *bool             `json:"reach_compliant,omitempty"`
	RawPayload      json.RawMessage   `json:"raw_payload,omitempty"`
}

// PriceBreak is one quantity/price tier.
type PriceBreak struct {
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency,omitempty"`
}

// Adapter is one vendor API client. Implementations declare their own quota
// and priority; the scheduler enforces both.
type Adapter interface {
	// Name returns the supplier identifier ("mouser", "digikey", ...)
	Name() string

	// Priority determines selection order (lower = tried first)
	Priority() int

	// RatePerMinute is the supplier's declared call quota
	RatePerMinute() int

	// Search looks up a part by MPN and optional manufacturer. A part the
	// vendor does not know yields a Result with MatchConfidence 0, not an
	// error; errors mean the call itself failed.
	Search(ctx context.Context, mpn, manufacturer string) (*Result, error)

	// HealthCheck probes the vendor API.
	HealthCheck(ctx context.Context) error
}
