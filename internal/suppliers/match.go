package suppliers

import "strings"

// matchConfidence scores how well a vendor part answers the query. Exact MPN
// matches dominate; a manufacturer match adds the remainder. The scale is
// compared against supplier_confidence_threshold by the gateway.
func matchConfidence(queryMPN, queryMfr, gotMPN, gotMfr string) float64 {
	qm := normalizePart(queryMPN)
	gm := normalizePart(gotMPN)
	if qm == "" || gm == "" {
		return 0
	}

	var score float64
	switch {
	case gm == qm:
		score = 0.95
	case strings.HasPrefix(gm, qm) || strings.HasPrefix(qm, gm):
		score = 0.75
	case strings.Contains(gm, qm) || strings.Contains(qm, gm):
		score = 0.6
	default:
		return 0.2
	}

	if queryMfr != "" && gotMfr != "" && manufacturersMatch(queryMfr, gotMfr) {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}
	return score
}

func normalizePart(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// manufacturersMatch tolerates suffix noise like "Texas Instruments Inc."
// vs "Texas Instruments".
func manufacturersMatch(a, b string) bool {
	na := strings.ToLower(strings.TrimSpace(a))
	nb := strings.ToLower(strings.TrimSpace(b))
	if na == nb {
		return true
	}
	return strings.HasPrefix(na, nb) || strings.HasPrefix(nb, na)
}

// bestMatch returns the candidate with the highest confidence, nil when the
// list is empty.
func bestMatch(candidates []*Result) *Result {
	var best *Result
	for _, c := range candidates {
		if best == nil || c.MatchConfidence > best.MatchConfidence {
			best = c
		}
	}
	return best
}

// normalizeLifecycle folds vendor lifecycle strings onto the catalog's
// vocabulary: active, nrnd, obsolete, unknown.
func normalizeLifecycle(s string) string {
	l := strings.ToLower(strings.TrimSpace(s))
	switch {
	case l == "":
		return "unknown"
	case strings.Contains(l, "obsolete"), strings.Contains(l, "discontinued"),
		strings.Contains(l, "end of life"), strings.Contains(l, "last time buy"):
		return "obsolete"
	case strings.Contains(l, "not recommended"), strings.Contains(l, "nrnd"):
		return "nrnd"
	case strings.Contains(l, "active"), strings.Contains(l, "production"), strings.Contains(l, "new"):
		return "active"
	default:
		return "unknown"
	}
}
