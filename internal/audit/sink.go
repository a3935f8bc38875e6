package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/fault"
)

// VendorDoc is the vendor_responses object for one line: the winning
// supplier's raw payload plus the error set collected across the sweep.
type VendorDoc struct {
	LineID          string            `json:"line_id"`
	BOMID           string            `json:"bom_id"`
	MPN             string            `json:"mpn"`
	Manufacturer    string            `json:"manufacturer,omitempty"`
	Supplier        string            `json:"supplier,omitempty"`
	MatchConfidence float64           `json:"match_confidence,omitempty"`
	RawPayload      json.RawMessage   `json:"raw_payload,omitempty"`
	SupplierErrors  map[string]string `json:"supplier_errors,omitempty"`
}

// NormalizedDoc is the normalized_data object: the canonical component with
// its line identity. The component fields inline into the JSON document.
type NormalizedDoc struct {
	LineID string `json:"line_id"`
	BOMID  string `json:"bom_id"`
	*enrich.Component
}

// LineRecord bundles the three per-line evidence documents.
type LineRecord struct {
	BOMID      string
	LineID     string
	Vendor     VendorDoc
	Normalized NormalizedDoc
	Summary    enrich.Summary
}

// Sink writes phase-1 audit evidence. Every line gets three JSON objects at
// independent paths; a retried write simply overwrites its own previous
// attempt.
type Sink struct {
	store  ObjectStore
	retry  retryPolicy
	logger *slog.Logger
}

func NewSink(store ObjectStore) *Sink {
	return &Sink{
		store:  store,
		retry:  defaultRetryPolicy(),
		logger: slog.Default(),
	}
}

// WriteLineObjects persists the evidence documents for one line. Failed
// lines carry no normalized component, so only vendor_responses and
// comparison_summary are written for them. Every applicable write is
// attempted even when one fails; the joined error reports every loss so the
// workflow can mark the audit trail degraded.
func (s *Sink) WriteLineObjects(ctx context.Context, rec LineRecord) error {
	type write struct {
		kind string
		doc  interface{}
	}
	writes := []write{
		{KindVendorResponses, rec.Vendor},
		{KindComparisonSummary, rec.Summary},
	}
	if rec.Normalized.Component != nil {
		writes = append(writes, write{KindNormalizedData, rec.Normalized})
	}

	var errs []error
	for _, w := range writes {
		data, err := json.Marshal(w.doc)
		if err != nil {
			errs = append(errs, fault.Wrap(fault.KindPermanent, "audit.write."+w.kind, err))
			continue
		}
		key := ObjectKey(rec.BOMID, w.kind, rec.LineID)
		err = s.retry.do(ctx, func() error {
			return s.store.Put(ctx, key, data, "application/json")
		})
		if err != nil {
			s.logger.Warn("[Audit] ❌ object write failed after retries", "key", key, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// originalHeaders is the canonical column order of bom_original CSVs. The
// field-diff report joins on the line_id column.
var originalHeaders = []string{
	"line_id", "line_number", "mpn", "manufacturer", "quantity",
	"reference_designator", "description",
}

// WriteOriginalCSV records the as-parsed BOM before enrichment touches it.
// Written once at workflow start; the field-diff compares against it.
func (s *Sink) WriteOriginalCSV(ctx context.Context, bomID, label string, items []bom.LineItem) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(originalHeaders); err != nil {
		return fault.Wrap(fault.KindPermanent, "audit.original_csv", err)
	}
	for _, it := range items {
		qty := ""
		if it.Quantity != nil {
			qty = strconv.Itoa(*it.Quantity)
		}
		row := []string{
			it.ID, strconv.Itoa(it.LineNumber), it.MPN, it.Manufacturer, qty,
			it.ReferenceDesignator, it.Description,
		}
		if err := w.Write(row); err != nil {
			return fault.Wrap(fault.KindPermanent, "audit.original_csv", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fault.Wrap(fault.KindPermanent, "audit.original_csv", err)
	}

	key := OriginalCSVKey(bomID, label)
	return s.retry.do(ctx, func() error {
		return s.store.Put(ctx, key, buf.Bytes(), "text/csv")
	})
}

// DeleteBOMEvidence cascades an admin BOM delete into object storage.
func (s *Sink) DeleteBOMEvidence(ctx context.Context, bomID string) (int, error) {
	return s.store.DeletePrefix(ctx, BOMPrefix(bomID))
}
