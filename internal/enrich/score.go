package enrich

import (
	"math"
	"time"
)

// Score weights. Completeness + confidence + freshness = 100.
const (
	completenessBudget = 60.0
	confidenceBudget   = 30.0
	freshnessBudget    = 10.0

	// Data younger than freshnessGrace scores full freshness; older data
	// decays linearly to zero at freshnessHorizon.
	freshnessGrace   = 24 * time.Hour
	freshnessHorizon = 30 * 24 * time.Hour
)

// Breakdown itemizes how a line quality score was computed. It is embedded
// in the comparison_summary audit object so the routing decision can be
// reconstructed later.
type Breakdown struct {
	Completeness float64 `json:"completeness"`
	Confidence   float64 `json:"confidence"`
	Freshness    float64 `json:"freshness"`
	Total        float64 `json:"total"`
}

// Score computes the 0-100 line quality score: how complete the normalized
// fields are, how confident the supplier match was, and how fresh the data
// is. age is time since the data was fetched or last verified.
func Score(c *Component, age time.Duration) Breakdown {
	b := Breakdown{
		Completeness: completeness(c),
		Confidence:   clamp(c.MatchConfidence, 0, 1) * confidenceBudget,
		Freshness:    freshness(age),
	}
	b.Total = math.Round(b.Completeness + b.Confidence + b.Freshness)
	if b.Total > 100 {
		b.Total = 100
	}
	return b
}

func completeness(c *Component) float64 {
	var pts float64
	if c.Description != "" {
		pts += 10
	}
	if c.Category != "" {
		pts += 8
	}
	if c.LifecycleStatus != "" && c.LifecycleStatus != "unknown" {
		pts += 6
	}
	if c.DatasheetURL != "" {
		pts += 8
	}
	if c.ImageURL != "" {
		pts += 4
	}
	pts += math.Min(float64(len(c.Parameters)), 4) * 2
	if c.UnitPrice > 0 {
		pts += 8
	}
	if c.Availability > 0 {
		pts += 4
	}
	if c.RoHSCompliant != nil {
		pts += 2
	}
	if c.ReachCompliant != nil {
		pts += 2
	}
	return math.Min(pts, completenessBudget)
}

func freshness(age time.Duration) float64 {
	if age <= freshnessGrace {
		return freshnessBudget
	}
	if age >= freshnessHorizon {
		return 0
	}
	span := float64(freshnessHorizon - freshnessGrace)
	return freshnessBudget * (1 - float64(age-freshnessGrace)/span)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
