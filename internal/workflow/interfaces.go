package workflow

import (
	"context"
	"time"

	"github.com/partstream/backend/internal/audit"
	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/suppliers"
)

// Store is the persistence surface the engine and runners need.
type Store interface {
	Create(ctx context.Context, in *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	ListActive(ctx context.Context) ([]Instance, error)
	MarkPauseRequested(ctx context.Context, id string, want bool) error
	MarkCancelRequested(ctx context.Context, id string) error
	SetState(ctx context.Context, id, state string) error
	SaveCheckpoint(ctx context.Context, id string, nextBatch int, c Counters) error
	Heartbeat(ctx context.Context, id string) error
	Finish(ctx context.Context, id, state, lastError string) error
	AppendEvent(ctx context.Context, workflowID, eventType string, payload interface{}) error
}

var _ Store = (*Repository)(nil)

// SupplierSearcher is the gateway facade the per-line activity calls.
type SupplierSearcher interface {
	Search(ctx context.Context, mpn, manufacturer string, minConfidence float64) (*suppliers.SearchOutcome, error)
}

// CatalogPrefilter answers "does a good-enough, fresh-enough row already
// exist" for one or many parts.
type CatalogPrefilter interface {
	BulkLookup(ctx context.Context, keys []catalog.Key, minQuality float64) (map[catalog.Key]*catalog.Component, error)
}

// DecisionApplier lands a routed component in the catalog or the Redis
// staging tier.
type DecisionApplier interface {
	Apply(ctx context.Context, c *enrich.Component, d enrich.Decision, lineID, bomID string, ttl time.Duration) (catalog.UpsertResult, error)
}

// EvidenceWriter is the phase-one audit surface: per-line objects plus the
// original-BOM CSV written at workflow start.
type EvidenceWriter interface {
	WriteLineObjects(ctx context.Context, rec audit.LineRecord) error
	WriteOriginalCSV(ctx context.Context, bomID, label string, items []bom.LineItem) error
}

// EvidenceFinalizer folds the per-line objects into the finalized CSVs.
type EvidenceFinalizer interface {
	Finalize(ctx context.Context, bomID, label string) ([]string, error)
}

// UploadChecker verifies the parsed snapshot really exists before any
// supplier budget is spent.
type UploadChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// LineStore is the slice of the BOM repository a running workflow touches.
type LineStore interface {
	GetBOMUnscoped(ctx context.Context, id string) (*bom.BOM, error)
	SetBOMStatus(ctx context.Context, id, status string) error
	LineItemsUnscoped(ctx context.Context, bomID string) ([]bom.LineItem, error)
	PendingLineItems(ctx context.Context, bomID string) ([]bom.LineItem, error)
	ApplyLineUpdate(ctx context.Context, u bom.LineUpdate) error
	MarkLineStatus(ctx context.Context, lineID, status, source string) error
	BOMProgress(ctx context.Context, bomID string) (bom.Progress, error)
	RecordEnrichmentEvent(ctx context.Context, ev *bom.EnrichmentEvent) error
}

var _ LineStore = (*bom.Repository)(nil)

// GapFiller completes sparse descriptive fields on a normalized component
// before scoring. Implementations only write fields that are empty; supplier
// facts always win. Returns the name of the contributor, or "" when nothing
// was filled.
type GapFiller interface {
	Fill(ctx context.Context, c *enrich.Component) string
}
