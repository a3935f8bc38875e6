package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"

	"github.com/partstream/backend/internal/fault"
)

// Change reasons recorded in the field-diff report.
const (
	ReasonFilled    = "filled_by_enrichment"
	ReasonCorrected = "supplier_correction"
	ReasonCleared   = "cleared_by_enrichment"
)

var fieldDiffHeaders = []string{"line_id", "mpn", "field", "before", "after", "change_reason"}

// diffFields are compared between the original CSV and the normalized
// document. Columns absent from the original read as empty, so enrichment
// filling a new field shows as ReasonFilled.
var diffFields = []string{"mpn", "manufacturer", "description", "category", "lifecycle_status", "datasheet_url"}

// FieldDiff builds the post-finalize change report: for every line, which
// fields enrichment changed, from what, to what. Lines where nothing
// changed are omitted entirely.
type FieldDiff struct {
	store  ObjectStore
	retry  retryPolicy
	logger *slog.Logger
}

func NewFieldDiff(store ObjectStore) *FieldDiff {
	return &FieldDiff{
		store:  store,
		retry:  defaultRetryPolicy(),
		logger: slog.Default(),
	}
}

// Build computes and uploads field_diff-{label}.csv, returning its key.
func (d *FieldDiff) Build(ctx context.Context, bomID, label string) (string, error) {
	original, err := d.loadOriginal(ctx, bomID, label)
	if err != nil {
		return "", err
	}

	keys, err := d.store.List(ctx, ObjectPrefix(bomID, KindNormalizedData))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fieldDiffHeaders); err != nil {
		return "", fault.Wrap(fault.KindPermanent, "audit.field_diff", err)
	}

	for _, objKey := range keys {
		var data []byte
		err := d.retry.do(ctx, func() error {
			var gerr error
			data, gerr = d.store.Get(ctx, objKey)
			return gerr
		})
		if err != nil {
			return "", err
		}

		var doc NormalizedDoc
		if err := json.Unmarshal(data, &doc); err != nil || doc.Component == nil {
			continue
		}

		before := original[doc.LineID]
		after := map[string]string{
			"mpn":              doc.Component.MPN,
			"manufacturer":     doc.Component.Manufacturer,
			"description":      doc.Component.Description,
			"category":         doc.Component.Category,
			"lifecycle_status": doc.Component.LifecycleStatus,
			"datasheet_url":    doc.Component.DatasheetURL,
		}
		// "unknown" is the normalizer's default, not a supplier answer.
		if after["lifecycle_status"] == "unknown" {
			after["lifecycle_status"] = ""
		}

		for _, field := range diffFields {
			b, a := before[field], after[field]
			reason := changeReason(b, a)
			if reason == "" {
				continue
			}
			row := []string{doc.LineID, after["mpn"], field, b, a, reason}
			if err := w.Write(row); err != nil {
				return "", fault.Wrap(fault.KindPermanent, "audit.field_diff", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fault.Wrap(fault.KindPermanent, "audit.field_diff", err)
	}

	outKey := FieldDiffKey(bomID, label)
	err = d.retry.do(ctx, func() error {
		return d.store.Put(ctx, outKey, buf.Bytes(), "text/csv")
	})
	if err != nil {
		return "", err
	}
	return outKey, nil
}

// loadOriginal parses bom_original-{label}.csv into per-line field maps
// keyed by line_id.
func (d *FieldDiff) loadOriginal(ctx context.Context, bomID, label string) (map[string]map[string]string, error) {
	var raw []byte
	err := d.retry.do(ctx, func() error {
		var gerr error
		raw, gerr = d.store.Get(ctx, OriginalCSVKey(bomID, label))
		return gerr
	})
	if err != nil {
		return nil, err
	}

	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "audit.field_diff", err)
	}
	if len(records) == 0 {
		return map[string]map[string]string{}, nil
	}

	header := records[0]
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[col] = i
	}
	idCol, ok := idx["line_id"]
	if !ok {
		return nil, fault.Newf(fault.KindPermanent, "audit.field_diff", "original CSV for bom %s has no line_id column", bomID)
	}

	out := make(map[string]map[string]string, len(records)-1)
	for _, rec := range records[1:] {
		if idCol >= len(rec) {
			continue
		}
		fields := make(map[string]string, len(header))
		for col, i := range idx {
			if i < len(rec) {
				fields[col] = rec[i]
			}
		}
		out[rec[idCol]] = fields
	}
	return out, nil
}

// changeReason classifies one field transition; empty means unchanged.
func changeReason(before, after string) string {
	switch {
	case before == after:
		return ""
	case before == "" && after != "":
		return ReasonFilled
	case before != "" && after == "":
		return ReasonCleared
	default:
		return ReasonCorrected
	}
}
