// Package workflow is the durable enrichment runtime: one Postgres row per
// instance, an append-only event history, and an engine that owns the
// instance goroutines. Signals and checkpoints go through the row, so a
// crashed or redeployed orchestrator resumes every non-terminal instance
// from its last batch boundary.
package workflow

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/fault"
)

// Instance kinds.
const (
	KindEnrichment      = "bom_enrichment"
	KindSingleComponent = "single_component"
)

// Instance states. Running and paused are the live states guarded by the
// one-active-instance-per-BOM index.
const (
	StateRunning   = "running"
	StatePaused    = "paused"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Execution timeouts. An instance past its deadline is failed, not retried.
const (
	EnrichmentTimeout      = 24 * time.Hour
	SingleComponentTimeout = 10 * time.Minute
)

// History event types.
const (
	EventStarted      = "started"
	EventStage        = "stage"
	EventCheckpoint   = "checkpoint"
	EventSignal       = "signal"
	EventStateChanged = "state_changed"
	EventRecovered    = "recovered"
	EventFinished     = "finished"
)

// EnrichmentID is the deterministic instance id for a BOM enrichment run.
// Determinism plus the active-instance index is what makes concurrent
// duplicate starts collapse to one winner.
func EnrichmentID(bomID string) string {
	return "bom-enrichment-" + bomID
}

// SingleComponentID names a one-off component enrichment run.
func SingleComponentID(mpn string, epoch int64) string {
	return fmt.Sprintf("single-component-%s-%d", mpn, epoch)
}

// Signal is an operator control verb.
type Signal string

const (
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
	SignalCancel Signal = "cancel"
)

// ParseSignal validates an inbound signal name.
func ParseSignal(s string) (Signal, error) {
	switch Signal(s) {
	case SignalPause, SignalResume, SignalCancel:
		return Signal(s), nil
	default:
		return "", fault.Newf(fault.KindValidation, "workflow.signal", "unknown signal %q", s)
	}
}

// Instance is one workflow run. The row is the source of truth; the engine
// goroutine is just its executor.
type Instance struct {
	ID              string         `db:"id" json:"id"`
	Kind            string         `db:"kind" json:"kind"`
	BOMID           *string        `db:"bom_id" json:"bom_id,omitempty"`
	OrganizationID  string         `db:"organization_id" json:"organization_id"`
	State           string         `db:"state" json:"state"`
	PauseRequested  bool           `db:"pause_requested" json:"pause_requested"`
	CancelRequested bool           `db:"cancel_requested" json:"cancel_requested"`
	NextBatch       int            `db:"next_batch" json:"next_batch"`
	Enriched        int            `db:"enriched" json:"enriched"`
	Failed          int            `db:"failed" json:"failed"`
	Skipped         int            `db:"skipped" json:"skipped"`
	Total           int            `db:"total" json:"total"`
	Settings        types.JSONText `db:"settings" json:"settings,omitempty"`
	Input           types.JSONText `db:"input" json:"input,omitempty"`
	LastError       string         `db:"last_error" json:"last_error,omitempty"`
	StartedAt       time.Time      `db:"started_at" json:"started_at"`
	DeadlineAt      *time.Time     `db:"deadline_at" json:"deadline_at,omitempty"`
	HeartbeatAt     time.Time      `db:"heartbeat_at" json:"heartbeat_at"`
	FinishedAt      *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
}

// Terminal reports whether the instance reached a final state.
func (in *Instance) Terminal() bool {
	switch in.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Percent is line completion in [0,100].
func (in *Instance) Percent() float64 {
	if in.Total == 0 {
		return 0
	}
	return float64(in.Enriched+in.Failed+in.Skipped) / float64(in.Total) * 100
}

// Counters is the per-status line tally a checkpoint persists.
type Counters struct {
	Enriched int
	Failed   int
	Skipped  int
	Total    int
}

// Event is one row of the append-only instance history.
type Event struct {
	ID         int64          `db:"id" json:"id"`
	WorkflowID string         `db:"workflow_id" json:"workflow_id"`
	Seq        int            `db:"seq" json:"seq"`
	EventType  string         `db:"event_type" json:"event_type"`
	Payload    types.JSONText `db:"payload" json:"payload,omitempty"`
	RecordedAt time.Time      `db:"recorded_at" json:"recorded_at"`
}

// Pacing is the settings snapshot frozen into the instance row at start.
// Mid-run settings changes affect only future workflows.
type Pacing struct {
	BatchSize           int     `json:"batch_size"`
	DelayPerComponentMs int64   `json:"delay_per_component_ms"`
	DelayPerBatchMs     int64   `json:"delay_per_batch_ms"`
	DelaysEnabled       bool    `json:"delays_enabled"`
	QualityThreshold    float64 `json:"quality_threshold"`
	PromoteThreshold    float64 `json:"promote_threshold"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	SnapshotTTLSec      int64   `json:"snapshot_ttl_seconds"`
	AuditEnabled        bool    `json:"audit_enabled"`
}

// PacingFrom freezes the runtime settings relevant to one workflow.
func PacingFrom(s config.Settings) Pacing {
	return Pacing{
		BatchSize:           s.BatchSize,
		DelayPerComponentMs: s.DelayPerComponent.Milliseconds(),
		DelayPerBatchMs:     s.DelayPerBatch.Milliseconds(),
		DelaysEnabled:       s.DelaysEnabled,
		QualityThreshold:    s.QualityThreshold,
		PromoteThreshold:    s.PromoteThreshold,
		ConfidenceThreshold: s.ConfidenceThreshold,
		SnapshotTTLSec:      int64(s.SnapshotTTL.Seconds()),
		AuditEnabled:        s.AuditEnabled,
	}
}

func (p Pacing) ComponentDelay() time.Duration {
	return time.Duration(p.DelayPerComponentMs) * time.Millisecond
}

func (p Pacing) BatchDelay() time.Duration {
	return time.Duration(p.DelayPerBatchMs) * time.Millisecond
}

func (p Pacing) SnapshotTTL() time.Duration {
	return time.Duration(p.SnapshotTTLSec) * time.Second
}

// EnrichmentInput is the bom.parsed payload frozen into the instance row.
type EnrichmentInput struct {
	BOMID          string `json:"bom_id"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id,omitempty"`
	Source         string `json:"source"`
	BOMName        string `json:"bom_name"`
	UploadedBy     string `json:"uploaded_by"`
	ParsedS3Key    string `json:"parsed_s3_key"`
	Label          string `json:"label"`
}

// SingleInput is the input of a single-component run.
type SingleInput struct {
	MPN            string `json:"mpn"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Force          bool   `json:"force,omitempty"`
	RequestedBy    string `json:"requested_by,omitempty"`
}
