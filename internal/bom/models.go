package bom

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// BOM lifecycle states, driven only by the owning workflow or admin signals.
const (
	StatusParsed    = "parsed"
	StatusEnriching = "enriching"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// BOM ingestion sources.
const (
	SourceCustomer  = "customer"
	SourceStaffBulk = "staff_bulk"
	SourceSnapshot  = "snapshot"
)

// Line enrichment states.
const (
	LinePending  = "pending"
	LineEnriched = "enriched"
	LineFailed   = "failed"
	LineSkipped  = "skipped"
)

// Enrichment event states. Terminal events reuse the BOM status values.
const (
	EventStarted  = "started"
	EventProgress = "progress"
)

type BOM struct {
	ID             string         `db:"id" json:"id"`
	OrganizationID string         `db:"organization_id" json:"organization_id"`
	ProjectID      *string        `db:"project_id" json:"project_id,omitempty"`
	Name           string         `db:"name" json:"name"`
	Source         string         `db:"source" json:"source"`
	Status         string         `db:"status" json:"status"`
	TotalItems     int            `db:"total_items" json:"total_items"`
	UploadedBy     string         `db:"uploaded_by" json:"uploaded_by"`
	ParsedS3Key    string         `db:"parsed_s3_key" json:"parsed_s3_key,omitempty"`
	Metadata       types.JSONText `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

type LineItem struct {
	ID                  string         `db:"id" json:"id"`
	BOMID               string         `db:"bom_id" json:"bom_id"`
	LineNumber          int            `db:"line_number" json:"line_number"`
	MPN                 string         `db:"mpn" json:"mpn"`
	Manufacturer        string         `db:"manufacturer" json:"manufacturer,omitempty"`
	Quantity            *int           `db:"quantity" json:"quantity,omitempty"`
	ReferenceDesignator string         `db:"reference_designator" json:"reference_designator,omitempty"`
	Description         string         `db:"description" json:"description,omitempty"`
	EnrichmentStatus    string         `db:"enrichment_status" json:"enrichment_status"`
	EnrichmentSource    string         `db:"enrichment_source" json:"enrichment_source,omitempty"`
	ComponentID         *string        `db:"component_id" json:"component_id,omitempty"`
	LifecycleStatus     string         `db:"lifecycle_status" json:"lifecycle_status,omitempty"`
	DatasheetURL        string         `db:"datasheet_url" json:"datasheet_url,omitempty"`
	Specifications      types.JSONText `db:"specifications" json:"specifications,omitempty"`
	Pricing             types.JSONText `db:"pricing" json:"pricing,omitempty"`
	ComplianceStatus    types.JSONText `db:"compliance_status" json:"compliance_status,omitempty"`
	EnrichedAt          *time.Time     `db:"enriched_at" json:"enriched_at,omitempty"`
}

// EnrichmentEvent is append-only; the newest row per BOM is the canonical
// progress indicator.
type EnrichmentEvent struct {
	ID              string    `db:"id" json:"id"`
	BOMID           string    `db:"bom_id" json:"bom_id"`
	OrganizationID  string    `db:"organization_id" json:"organization_id"`
	WorkflowID      string    `db:"workflow_id" json:"workflow_id,omitempty"`
	State           string    `db:"state" json:"state"`
	Source          string    `db:"source" json:"source,omitempty"`
	Enriched        int       `db:"enriched" json:"enriched"`
	Failed          int       `db:"failed" json:"failed"`
	Skipped         int       `db:"skipped" json:"skipped"`
	Total           int       `db:"total" json:"total"`
	PercentComplete float64   `db:"percent_complete" json:"percent_complete"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Progress is the per-status line tally for one BOM.
type Progress struct {
	Pending  int `db:"pending" json:"pending"`
	Enriched int `db:"enriched" json:"enriched"`
	Failed   int `db:"failed" json:"failed"`
	Skipped  int `db:"skipped" json:"skipped"`
	Total    int `db:"total" json:"total"`
}

// Done reports whether every line reached a terminal status.
func (p Progress) Done() bool {
	return p.Enriched+p.Failed+p.Skipped >= p.Total && p.Total > 0
}

// Percent is completion in [0,100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Enriched+p.Failed+p.Skipped) / float64(p.Total) * 100
}
