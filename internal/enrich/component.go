package enrich

import (
	"strings"
	"time"

	"github.com/partstream/backend/internal/suppliers"
)

// Source values recorded on enriched line items.
const (
	SourceCatalog = "catalog"
	SourceManual  = "manual"
)

// Component is the normalized, supplier-agnostic view of one part. It is
// what the audit sink serializes as normalized_data and what the catalog
// upsert consumes.
type Component struct {
	MPN             string            `json:"mpn"`
	Manufacturer    string            `json:"manufacturer"`
	Category        string            `json:"category,omitempty"`
	Description     string            `json:"description,omitempty"`
	QualityScore    float64           `json:"quality_score"`
	LifecycleStatus string            `json:"lifecycle_status"`
	DatasheetURL    string            `json:"datasheet_url,omitempty"`
	ImageURL        string            `json:"image_url,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	RoHSCompliant   *bool             `json:"rohs_compliant,omitempty"`
	ReachCompliant  *bool             `json:"reach_compliant,omitempty"`
	UnitPrice       float64           `json:"unit_price,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	Availability    int               `json:"availability,omitempty"`
	Source          string            `json:"enrichment_source"`
	EnrichedBy      []string          `json:"enriched_by,omitempty"`
	MatchConfidence float64           `json:"match_confidence"`
	EnrichedAt      time.Time         `json:"enriched_at"`
}

// Normalize converts a raw supplier result into the canonical component
// shape. The requested identity wins when the vendor echo is empty; vendor
// values are otherwise authoritative. The parameters map is copied, never
// aliased, so later mutation cannot leak back into the raw result.
func Normalize(requestedMPN, requestedMfr string, res *suppliers.Result, now time.Time) *Component {
	c := &Component{
		MPN:             strings.TrimSpace(requestedMPN),
		Manufacturer:    strings.TrimSpace(requestedMfr),
		LifecycleStatus: "unknown",
		Source:          res.Supplier,
		MatchConfidence: res.MatchConfidence,
		EnrichedAt:      now,
	}

	if v := strings.TrimSpace(res.MPN); v != "" {
		c.MPN = v
	}
	if v := strings.TrimSpace(res.Manufacturer); v != "" {
		c.Manufacturer = v
	}
	if v := strings.TrimSpace(res.Category); v != "" {
		c.Category = v
	}
	if v := strings.TrimSpace(res.Description); v != "" {
		c.Description = v
	}
	if v := strings.TrimSpace(res.LifecycleStatus); v != "" {
		c.LifecycleStatus = v
	}
	c.DatasheetURL = strings.TrimSpace(res.DatasheetURL)
	c.ImageURL = strings.TrimSpace(res.ImageURL)
	c.UnitPrice = res.UnitPrice
	c.Currency = res.Currency
	c.Availability = res.Availability

	if len(res.Parameters) > 0 {
		c.Parameters = make(map[string]string, len(res.Parameters))
		for k, v := range res.Parameters {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			c.Parameters[k] = strings.TrimSpace(v)
		}
	}

	if res.RoHSCompliant != nil {
		v := *res.RoHSCompliant
		c.RoHSCompliant = &v
	}
	if res.ReachCompliant != nil {
		v := *res.ReachCompliant
		c.ReachCompliant = &v
	}
	return c
}
