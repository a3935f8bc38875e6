// Package audit is the two-phase enrichment evidence trail. Phase 1 writes
// three JSON objects per line to independent object paths while enrichment
// runs; phase 2 finalizes them into downloadable CSVs when the workflow
// reaches a terminal state. The per-line objects stay behind as the source
// of truth.
package audit

import "fmt"

// Object kinds written per line.
const (
	KindVendorResponses   = "vendor_responses"
	KindNormalizedData    = "normalized_data"
	KindComparisonSummary = "comparison_summary"
)

// Kinds lists every per-line object kind in finalization order.
var Kinds = []string{KindVendorResponses, KindNormalizedData, KindComparisonSummary}

// BOMPrefix is the root of one BOM's audit evidence.
func BOMPrefix(bomID string) string {
	return fmt.Sprintf("audit/%s/", bomID)
}

// ObjectPrefix is where one kind's per-line objects live.
func ObjectPrefix(bomID, kind string) string {
	return fmt.Sprintf("audit/%s/_objects/%s/", bomID, kind)
}

// ObjectKey addresses a single per-line JSON object. Each line writes to its
// own path so retries are last-writer-wins with no contention.
func ObjectKey(bomID, kind, lineID string) string {
	return fmt.Sprintf("audit/%s/_objects/%s/%s.json", bomID, kind, lineID)
}

// FinalCSVKey addresses a finalized per-kind CSV.
func FinalCSVKey(bomID, kind, label string) string {
	return fmt.Sprintf("audit/%s/%s-%s.csv", bomID, kind, label)
}

// OriginalCSVKey addresses the as-uploaded BOM CSV the field-diff compares
// against.
func OriginalCSVKey(bomID, label string) string {
	return fmt.Sprintf("audit/%s/bom_original-%s.csv", bomID, label)
}

// FieldDiffKey addresses the post-finalize change report.
func FieldDiffKey(bomID, label string) string {
	return fmt.Sprintf("audit/%s/field_diff-%s.csv", bomID, label)
}

// ParsedSnapshotKey addresses a registered parsed snapshot.
func ParsedSnapshotKey(orgID, bomID string) string {
	return fmt.Sprintf("parsed/%s/%s.json", orgID, bomID)
}

// UploadKey addresses an original customer upload.
func UploadKey(orgID, uploadID, filename string) string {
	return fmt.Sprintf("customer-uploads/%s/%s/%s", orgID, uploadID, filename)
}
