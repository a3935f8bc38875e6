// Package ingest registers parsed BOM snapshots as enrichable BOMs. The
// upload pipeline parses customer files elsewhere and drops a row snapshot
// into object storage; registration maps its columns onto line items, writes
// the BOM in one transaction, and announces it on the bus so an enrichment
// workflow picks it up.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/partstream/backend/internal/audit"
	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
)

var validate = validator.New()

// Canonical line item fields a column mapping may target. Only mpn is
// mandatory; unmapped fields stay empty on the line.
const (
	FieldMPN          = "mpn"
	FieldManufacturer = "manufacturer"
	FieldQuantity     = "quantity"
	FieldReference    = "reference_designator"
	FieldDescription  = "description"
)

// RegisterRequest describes one parsed snapshot to register. ColumnMappings
// maps canonical fields to the snapshot's column headers, e.g.
// {"mpn": "Part Number", "quantity": "Qty"}.
type RegisterRequest struct {
	FileID         string            `json:"file_id" validate:"required"`
	OrganizationID string            `json:"organization_id" validate:"required,uuid4"`
	ProjectID      string            `json:"project_id,omitempty"`
	BOMName        string            `json:"bom_name,omitempty"`
	UploadedBy     string            `json:"uploaded_by,omitempty"`
	Source         string            `json:"source" validate:"required,oneof=customer staff_bulk snapshot"`
	ColumnMappings map[string]string `json:"column_mappings" validate:"required"`
}

// ParsedSnapshot is the stored output of the upload parser: one string map
// per row, keyed by the original column headers.
type ParsedSnapshot struct {
	FileID  string              `json:"file_id"`
	Headers []string            `json:"headers,omitempty"`
	Rows    []map[string]string `json:"rows"`
}

// Store is the slice of the BOM repository registration needs.
type Store interface {
	GetBOMByParsedKey(ctx context.Context, orgID, parsedKey string) (*bom.BOM, error)
	CreateBOMWithLines(ctx context.Context, b *bom.BOM, items []bom.LineItem) error
}

// SnapshotReader fetches parsed snapshots from object storage.
type SnapshotReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type Registrar struct {
	store     Store
	snapshots SnapshotReader
	publisher events.Publisher
	logger    *slog.Logger
}

func NewRegistrar(store Store, snapshots SnapshotReader, publisher events.Publisher, logger *slog.Logger) *Registrar {
	return &Registrar{
		store:     store,
		snapshots: snapshots,
		publisher: publisher,
		logger:    logger.With("component", "ingest"),
	}
}

// Register creates a BOM from the snapshot the request names and announces
// it. Registering the same snapshot twice does not duplicate the BOM: the
// existing one is re-announced and returned with created=false, which lets
// upload retries heal a lost announcement.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (b *bom.BOM, created bool, err error) {
	if err := validate.Struct(req); err != nil {
		return nil, false, fault.Wrap(fault.KindValidation, "ingest.register", err)
	}
	if strings.TrimSpace(req.ColumnMappings[FieldMPN]) == "" {
		return nil, false, fault.New(fault.KindValidation, "ingest.register", "column_mappings must map the mpn field")
	}

	key := audit.ParsedSnapshotKey(req.OrganizationID, req.FileID)

	existing, err := r.store.GetBOMByParsedKey(ctx, req.OrganizationID, key)
	if err == nil {
		r.logger.Info("🔄 Snapshot already registered, re-announcing",
			"bom_id", existing.ID, "file_id", req.FileID)
		if err := r.announce(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if fault.KindOf(err) != fault.KindNotFound {
		return nil, false, err
	}

	raw, err := r.snapshots.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	var snap ParsedSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fault.Wrap(fault.KindValidation, "ingest.register", err)
	}

	items, skipped := mapRows(snap.Rows, req.ColumnMappings)
	if len(items) == 0 {
		return nil, false, fault.Newf(fault.KindValidation, "ingest.register",
			"snapshot %s has no rows with a part number", req.FileID)
	}

	name := strings.TrimSpace(req.BOMName)
	if name == "" {
		name = req.FileID
	}
	meta, _ := json.Marshal(map[string]interface{}{
		"file_id":         req.FileID,
		"column_mappings": req.ColumnMappings,
		"rows_total":      len(snap.Rows),
		"rows_skipped":    skipped,
	})
	b = &bom.BOM{
		OrganizationID: req.OrganizationID,
		Name:           name,
		Source:         req.Source,
		TotalItems:     len(items),
		UploadedBy:     req.UploadedBy,
		ParsedS3Key:    key,
		Metadata:       meta,
	}
	if req.ProjectID != "" {
		b.ProjectID = &req.ProjectID
	}

	if err := r.store.CreateBOMWithLines(ctx, b, items); err != nil {
		return nil, false, err
	}
	if err := r.announce(ctx, b); err != nil {
		// The BOM is committed; a retry takes the re-announce path above.
		return nil, false, err
	}

	r.logger.Info("📦 BOM registered",
		"bom_id", b.ID, "org_id", b.OrganizationID, "lines", len(items), "skipped_rows", skipped)
	return b, true, nil
}

// mapRows projects snapshot rows onto line items through the column mapping.
// Rows without a part number are unusable and get dropped, not failed.
func mapRows(rows []map[string]string, mappings map[string]string) ([]bom.LineItem, int) {
	items := make([]bom.LineItem, 0, len(rows))
	skipped := 0
	for i, row := range rows {
		mpn := strings.TrimSpace(row[mappings[FieldMPN]])
		if mpn == "" {
			skipped++
			continue
		}
		item := bom.LineItem{
			LineNumber:          i + 1,
			MPN:                 mpn,
			Manufacturer:        strings.TrimSpace(row[mappings[FieldManufacturer]]),
			ReferenceDesignator: strings.TrimSpace(row[mappings[FieldReference]]),
			Description:         strings.TrimSpace(row[mappings[FieldDescription]]),
		}
		if q, err := strconv.Atoi(strings.TrimSpace(row[mappings[FieldQuantity]])); err == nil && q > 0 {
			item.Quantity = &q
		}
		items = append(items, item)
	}
	return items, skipped
}

func (r *Registrar) announce(ctx context.Context, b *bom.BOM) error {
	p := events.BOMParsed{
		BOMID:          b.ID,
		OrganizationID: b.OrganizationID,
		Source:         b.Source,
		BOMName:        b.Name,
		UploadedBy:     b.UploadedBy,
		ParsedS3Key:    b.ParsedS3Key,
	}
	if b.ProjectID != nil {
		p.ProjectID = *b.ProjectID
	}
	env, err := events.NewEnvelope(events.KeyBOMParsed, b.OrganizationID, p)
	if err != nil {
		return fault.Wrap(fault.KindPermanent, "ingest.announce", err)
	}
	if err := r.publisher.Publish(ctx, env); err != nil {
		return fault.Wrap(fault.KindTransient, "ingest.announce", err)
	}
	return nil
}
