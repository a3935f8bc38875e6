package enrich

import "fmt"

// Route says where an enriched component lands.
type Route string

const (
	RouteCatalog  Route = "catalog"  // durable, shared across tenants
	RouteStaging  Route = "staging"  // Redis, admin may promote
	RouteRejected Route = "rejected" // Redis with reason, auto-expires
)

// Decision is the routing verdict for one enriched line.
type Decision struct {
	Route      Route     `json:"route"`
	Score      Breakdown `json:"score"`
	Reason     string    `json:"reason,omitempty"`
	Thresholds struct {
		Catalog float64 `json:"catalog"`
		Promote float64 `json:"promote"`
	} `json:"thresholds"`
}

// Decide routes a quality score against the catalog and promote thresholds.
// catalogThreshold must be strictly greater than promoteThreshold, which the
// settings validator enforces at startup.
func Decide(score Breakdown, catalogThreshold, promoteThreshold float64) Decision {
	d := Decision{Score: score}
	d.Thresholds.Catalog = catalogThreshold
	d.Thresholds.Promote = promoteThreshold

	switch {
	case score.Total >= catalogThreshold:
		d.Route = RouteCatalog
	case score.Total >= promoteThreshold:
		d.Route = RouteStaging
		d.Reason = fmt.Sprintf("quality %.0f below catalog threshold %.0f", score.Total, catalogThreshold)
	default:
		d.Route = RouteRejected
		d.Reason = fmt.Sprintf("quality %.0f below promote threshold %.0f", score.Total, promoteThreshold)
	}
	return d
}

// Summary is the comparison_summary audit object: everything needed to
// reconstruct why a line was routed where it was.
type Summary struct {
	LineID          string            `json:"line_id"`
	BOMID           string            `json:"bom_id"`
	MPN             string            `json:"mpn"`
	Manufacturer    string            `json:"manufacturer"`
	Supplier        string            `json:"supplier,omitempty"`
	MatchConfidence float64           `json:"match_confidence"`
	MeetsThreshold  bool              `json:"meets_threshold"`
	Decision        Decision          `json:"decision"`
	SupplierErrors  map[string]string `json:"supplier_errors,omitempty"`
	EnrichedAt      string            `json:"enriched_at"`
}
