package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// Canonical CSV header order per kind. Order is part of the artifact
// contract; downstream spreadsheets key on it.
var (
	vendorHeaders = []string{
		"line_id", "mpn", "manufacturer", "supplier", "match_confidence",
		"supplier_errors", "raw_payload",
	}
	normalizedHeaders = []string{
		"line_id", "mpn", "manufacturer", "category", "description",
		"quality_score", "lifecycle_status", "datasheet_url", "image_url",
		"unit_price", "currency", "availability", "rohs_compliant",
		"reach_compliant", "enrichment_source", "match_confidence", "enriched_at",
	}
	comparisonHeaders = []string{
		"line_id", "mpn", "manufacturer", "supplier", "match_confidence",
		"meets_threshold", "route", "reason", "completeness", "confidence",
		"freshness", "quality_total",
	}
)

// Finalizer is phase 2: when a workflow reaches a terminal state it folds
// the per-line JSON objects into one downloadable CSV per kind. The JSON
// objects stay behind as the source of truth.
type Finalizer struct {
	store  ObjectStore
	retry  retryPolicy
	logger *slog.Logger
}

func NewFinalizer(store ObjectStore) *Finalizer {
	return &Finalizer{
		store:  store,
		retry:  defaultRetryPolicy(),
		logger: slog.Default(),
	}
}

// Finalize builds and uploads the three per-kind CSVs, returning the keys
// that made it to storage. A kind that fails to upload is reported in the
// error but does not stop the remaining kinds; callers treat a partial
// result as a degraded audit trail, not a failed workflow.
func (f *Finalizer) Finalize(ctx context.Context, bomID, label string) ([]string, error) {
	var uploaded []string
	var firstErr error

	for _, kind := range Kinds {
		key, err := f.finalizeKind(ctx, bomID, kind, label)
		if err != nil {
			f.logger.Warn("[Audit] ⚠️ finalize failed for kind", "bom_id", bomID, "kind", kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		uploaded = append(uploaded, key)
	}
	return uploaded, firstErr
}

func (f *Finalizer) finalizeKind(ctx context.Context, bomID, kind, label string) (string, error) {
	keys, err := f.store.List(ctx, ObjectPrefix(bomID, kind))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headersFor(kind)); err != nil {
		return "", err
	}

	for _, objKey := range keys {
		var data []byte
		err := f.retry.do(ctx, func() error {
			var gerr error
			data, gerr = f.store.Get(ctx, objKey)
			return gerr
		})
		if err != nil {
			return "", err
		}

		row, err := rowFor(kind, data)
		if err != nil {
			// One undecodable object degrades that line, not the artifact.
			f.logger.Warn("[Audit] skipping undecodable object", "key", objKey, "error", err)
			continue
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	outKey := FinalCSVKey(bomID, kind, label)
	err = f.retry.do(ctx, func() error {
		return f.store.Put(ctx, outKey, buf.Bytes(), "text/csv")
	})
	if err != nil {
		return "", err
	}
	return outKey, nil
}

func headersFor(kind string) []string {
	switch kind {
	case KindVendorResponses:
		return vendorHeaders
	case KindNormalizedData:
		return normalizedHeaders
	default:
		return comparisonHeaders
	}
}

func rowFor(kind string, data []byte) ([]string, error) {
	switch kind {
	case KindVendorResponses:
		var doc VendorDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		errs := ""
		if len(doc.SupplierErrors) > 0 {
			raw, _ := json.Marshal(doc.SupplierErrors)
			errs = string(raw)
		}
		return []string{
			doc.LineID, doc.MPN, doc.Manufacturer, doc.Supplier,
			formatFloat(doc.MatchConfidence), errs, string(doc.RawPayload),
		}, nil

	case KindNormalizedData:
		var doc NormalizedDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc.Component == nil {
			return []string{doc.LineID, "", "", "", "", "", "", "", "", "", "", "", "", "", "", "", ""}, nil
		}
		c := doc.Component
		return []string{
			doc.LineID, c.MPN, c.Manufacturer, c.Category, c.Description,
			formatFloat(c.QualityScore), c.LifecycleStatus, c.DatasheetURL, c.ImageURL,
			formatFloat(c.UnitPrice), c.Currency, strconv.Itoa(c.Availability),
			formatBoolPtr(c.RoHSCompliant), formatBoolPtr(c.ReachCompliant),
			c.Source, formatFloat(c.MatchConfidence), c.EnrichedAt.Format(time.RFC3339),
		}, nil

	default:
		var doc struct {
			LineID          string  `json:"line_id"`
			MPN             string  `json:"mpn"`
			Manufacturer    string  `json:"manufacturer"`
			Supplier        string  `json:"supplier"`
			MatchConfidence float64 `json:"match_confidence"`
			MeetsThreshold  bool    `json:"meets_threshold"`
			Decision        struct {
				Route  string `json:"route"`
				Reason string `json:"reason"`
				Score  struct {
					Completeness float64 `json:"completeness"`
					Confidence   float64 `json:"confidence"`
					Freshness    float64 `json:"freshness"`
					Total        float64 `json:"total"`
				} `json:"score"`
			} `json:"decision"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return []string{
			doc.LineID, doc.MPN, doc.Manufacturer, doc.Supplier,
			formatFloat(doc.MatchConfidence), strconv.FormatBool(doc.MeetsThreshold),
			doc.Decision.Route, doc.Decision.Reason,
			formatFloat(doc.Decision.Score.Completeness),
			formatFloat(doc.Decision.Score.Confidence),
			formatFloat(doc.Decision.Score.Freshness),
			formatFloat(doc.Decision.Score.Total),
		}, nil
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBoolPtr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
