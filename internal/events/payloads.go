package events

// Event payload contracts. Producers and consumers agree on these shapes;
// unknown fields are ignored so payloads can grow without breaking older
// consumers.

// BOMParsed announces that the external parser registered a snapshot and the
// enrichment workflow should start.
type BOMParsed struct {
	BOMID          string `json:"bom_id" validate:"required,uuid4"`
	OrganizationID string `json:"organization_id" validate:"required,uuid4"`
	ProjectID      string `json:"project_id,omitempty"`
	Source         string `json:"source" validate:"required,oneof=customer staff_bulk snapshot"`
	BOMName        string `json:"bom_name"`
	UploadedBy     string `json:"uploaded_by"`
	ParsedS3Key    string `json:"parsed_s3_key" validate:"required"`
}

// ComponentEnrichRequest asks for a one-off component enrichment outside any
// BOM. Batch requests carry multiple parts and are processed serially.
type ComponentEnrichRequest struct {
	MPN            string `json:"mpn" validate:"required"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Force          bool   `json:"force,omitempty"`
	RequestedBy    string `json:"requested_by,omitempty"`
}

// ComponentEnrichBatch is the payload of component.enrich.batch.
type ComponentEnrichBatch struct {
	Items          []ComponentEnrichRequest `json:"items" validate:"required,min=1,dive"`
	OrganizationID string                   `json:"organization_id,omitempty"`
	RequestedBy    string                   `json:"requested_by,omitempty"`
}

// AdminSignal addresses a running workflow by id.
type AdminSignal struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	Actor      string `json:"actor,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// EnrichmentProgress is emitted at every batch boundary.
type EnrichmentProgress struct {
	BOMID           string  `json:"bom_id"`
	WorkflowID      string  `json:"workflow_id"`
	PercentComplete float64 `json:"percent_complete"`
	Enriched        int     `json:"enriched"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	Total           int     `json:"total"`
}

// EnrichmentTerminal is the completed/failed payload.
type EnrichmentTerminal struct {
	BOMID      string  `json:"bom_id"`
	WorkflowID string  `json:"workflow_id"`
	State      string  `json:"state"`
	Enriched   int     `json:"enriched"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Total      int     `json:"total"`
	Percent    float64 `json:"percent_complete"`
	Error      string  `json:"error,omitempty"`
}

// AuditReady tells downstream consumers the finalized audit CSVs exist.
type AuditReady struct {
	BOMID string   `json:"bom_id"`
	Label string   `json:"label"`
	Files []string `json:"files"`
}

// ComponentOutcome is the per-line enriched/failed payload.
type ComponentOutcome struct {
	BOMID        string  `json:"bom_id,omitempty"`
	LineID       string  `json:"line_id,omitempty"`
	MPN          string  `json:"mpn"`
	Manufacturer string  `json:"manufacturer,omitempty"`
	Supplier     string  `json:"supplier,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	Route        string  `json:"route,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// WorkflowSignalAck confirms a pause/resume/cancel took effect.
type WorkflowSignalAck struct {
	WorkflowID string `json:"workflow_id"`
	BOMID      string `json:"bom_id,omitempty"`
	State      string `json:"state"`
}

// SupplierCalled is the enrichment.api.{supplier}_called payload used by
// rate-limit audits.
type SupplierCalled struct {
	Supplier   string `json:"supplier"`
	MPN        string `json:"mpn"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
}

// SnapshotPromoted records a manual staging-to-catalog promotion.
type SnapshotPromoted struct {
	RedisKey     string `json:"redis_key"`
	MPN          string `json:"mpn"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ComponentID  string `json:"component_id"`
	PromotedBy   string `json:"promoted_by"`
	Reason       string `json:"reason"`
}
