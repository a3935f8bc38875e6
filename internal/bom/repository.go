package bom

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/fault"
)

// Repository is the Postgres store for BOMs, line items, and enrichment
// progress events. Reads are tenant-scoped: a row outside the caller's
// organization is indistinguishable from a missing row.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// orgScope returns the organization filter value, empty meaning unscoped.
func orgScope(ac auth.Context) string {
	if ac.ScopesAll() {
		return ""
	}
	return ac.OrgID
}

// ==========================================================================
// BOMs
// ==========================================================================

const insertBOMQuery = `
	INSERT INTO boms (id, organization_id, project_id, name, source, status,
	                  total_items, uploaded_by, parsed_s3_key, metadata, created_at, updated_at)
	VALUES (:id, :organization_id, :project_id, :name, :source, :status,
	        :total_items, :uploaded_by, :parsed_s3_key, :metadata, :created_at, :updated_at)`

func prepareBOM(b *BOM) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusParsed
	}
	if b.Source == "" {
		b.Source = SourceCustomer
	}
	if len(b.Metadata) == 0 {
		b.Metadata = []byte(`{}`)
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
}

func (r *Repository) CreateBOM(ctx context.Context, b *BOM) error {
	prepareBOM(b)
	_, err := r.db.NamedExecContext(ctx, insertBOMQuery, b)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.create", err)
	}
	return nil
}

// CreateBOMWithLines inserts the BOM and its line items in one transaction,
// so a half-registered BOM is never observable.
func (r *Repository) CreateBOMWithLines(ctx context.Context, b *BOM, items []LineItem) error {
	prepareBOM(b)
	for i := range items {
		items[i].BOMID = b.ID
	}
	prepareLineItems(items)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.register", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertBOMQuery, b); err != nil {
		return fault.Wrap(fault.KindTransient, "bom.register", err)
	}
	if len(items) > 0 {
		if _, err := tx.NamedExecContext(ctx, insertLineItemsQuery, items); err != nil {
			return fault.Wrap(fault.KindTransient, "bom.register", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.KindTransient, "bom.register", err)
	}
	return nil
}

func (r *Repository) GetBOM(ctx context.Context, ac auth.Context, id string) (*BOM, error) {
	var b BOM
	err := r.db.GetContext(ctx, &b, `
		SELECT * FROM boms
		WHERE id = $1 AND ($2 = '' OR organization_id::text = $2)`, id, orgScope(ac))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "bom.get", "bom %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.get", err)
	}
	return &b, nil
}

// GetBOMUnscoped loads a BOM without tenant scoping, for workflow internals
// that act on behalf of the owning tenant.
func (r *Repository) GetBOMUnscoped(ctx context.Context, id string) (*BOM, error) {
	var b BOM
	err := r.db.GetContext(ctx, &b, `SELECT * FROM boms WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "bom.get", "bom %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.get", err)
	}
	return &b, nil
}

// GetBOMByParsedKey finds the BOM registered for a parsed snapshot key.
// Registration uses it to stay idempotent across upload retries.
func (r *Repository) GetBOMByParsedKey(ctx context.Context, orgID, parsedKey string) (*BOM, error) {
	var b BOM
	err := r.db.GetContext(ctx, &b, `
		SELECT * FROM boms
		WHERE organization_id::text = $1 AND parsed_s3_key = $2
		ORDER BY created_at DESC
		LIMIT 1`, orgID, parsedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "bom.get", "no bom registered for %s", parsedKey)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.get", err)
	}
	return &b, nil
}

// ListFilter narrows ListBOMs. Zero values mean "any".
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

func (r *Repository) ListBOMs(ctx context.Context, ac auth.Context, f ListFilter) ([]BOM, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var out []BOM
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM boms
		WHERE ($1 = '' OR organization_id::text = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, orgScope(ac), f.Status, f.Limit, f.Offset)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.list", err)
	}
	return out, nil
}

func (r *Repository) CountBOMs(ctx context.Context, ac auth.Context, status string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM boms
		WHERE ($1 = '' OR organization_id::text = $1)
		  AND ($2 = '' OR status = $2)`, orgScope(ac), status)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "bom.count", err)
	}
	return n, nil
}

// SetBOMStatus is workflow-internal; callers already own the BOM.
func (r *Repository) SetBOMStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE boms SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.set_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.KindNotFound, "bom.set_status", "bom %s not found", id)
	}
	return nil
}

// DeleteBOM removes a BOM and, via FK cascade, its line items. The admin
// audit row is written in the same transaction and the whole delete aborts
// if it cannot be recorded.
func (r *Repository) DeleteBOM(ctx context.Context, ac auth.Context, id, reason string) error {
	b, err := r.GetBOM(ctx, ac, id)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.delete", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO admin_audit_log (id, organization_id, actor, action, resource_type, resource_id, reason)
		VALUES ($1, $2, $3, 'delete', 'bom', $4, $5)`,
		uuid.NewString(), b.OrganizationID, ac.UserID, id, reason)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.delete.audit", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM boms WHERE id = $1`, id); err != nil {
		return fault.Wrap(fault.KindTransient, "bom.delete", err)
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.KindTransient, "bom.delete", err)
	}
	return nil
}

// ==========================================================================
// Line items
// ==========================================================================

const insertLineItemsQuery = `
	INSERT INTO bom_line_items (id, bom_id, line_number, mpn, manufacturer, quantity,
	                            reference_designator, description, enrichment_status,
	                            enrichment_source, component_id, lifecycle_status,
	                            datasheet_url, specifications, pricing, compliance_status)
	VALUES (:id, :bom_id, :line_number, :mpn, :manufacturer, :quantity,
	        :reference_designator, :description, :enrichment_status,
	        :enrichment_source, :component_id, :lifecycle_status,
	        :datasheet_url, :specifications, :pricing, :compliance_status)`

func prepareLineItems(items []LineItem) {
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		if items[i].EnrichmentStatus == "" {
			items[i].EnrichmentStatus = LinePending
		}
		if len(items[i].Specifications) == 0 {
			items[i].Specifications = []byte(`{}`)
		}
		if len(items[i].Pricing) == 0 {
			items[i].Pricing = []byte(`{}`)
		}
		if len(items[i].ComplianceStatus) == 0 {
			items[i].ComplianceStatus = []byte(`{}`)
		}
	}
}

func (r *Repository) InsertLineItems(ctx context.Context, items []LineItem) error {
	if len(items) == 0 {
		return nil
	}
	prepareLineItems(items)

	_, err := r.db.NamedExecContext(ctx, insertLineItemsQuery, items)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.insert_lines", err)
	}
	return nil
}

func (r *Repository) ListLineItems(ctx context.Context, ac auth.Context, bomID string, limit, offset int) ([]LineItem, error) {
	// Existence check doubles as the tenant gate.
	if _, err := r.GetBOM(ctx, ac, bomID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []LineItem
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM bom_line_items
		WHERE bom_id = $1
		ORDER BY line_number
		LIMIT $2 OFFSET $3`, bomID, limit, offset)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.list_lines", err)
	}
	return out, nil
}

// LineItemsUnscoped returns every line of a BOM in line order, for workflow
// internals that act on behalf of the owning tenant.
func (r *Repository) LineItemsUnscoped(ctx context.Context, bomID string) ([]LineItem, error) {
	var out []LineItem
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM bom_line_items
		WHERE bom_id = $1
		ORDER BY line_number`, bomID)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.all_lines", err)
	}
	return out, nil
}

// PendingLineItems returns the lines a workflow still has to enrich, in
// line order.
func (r *Repository) PendingLineItems(ctx context.Context, bomID string) ([]LineItem, error) {
	var out []LineItem
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM bom_line_items
		WHERE bom_id = $1 AND enrichment_status = $2
		ORDER BY line_number`, bomID, LinePending)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.pending_lines", err)
	}
	return out, nil
}

// LineUpdate carries the enrichment outcome for one line.
type LineUpdate struct {
	ID               string  `db:"id"`
	EnrichmentStatus string  `db:"enrichment_status"`
	EnrichmentSource string  `db:"enrichment_source"`
	ComponentID      *string `db:"component_id"`
	LifecycleStatus  string  `db:"lifecycle_status"`
	DatasheetURL     string  `db:"datasheet_url"`
	Specifications   []byte  `db:"specifications"`
	Pricing          []byte  `db:"pricing"`
	ComplianceStatus []byte  `db:"compliance_status"`
}

func (r *Repository) ApplyLineUpdate(ctx context.Context, u LineUpdate) error {
	if len(u.Specifications) == 0 {
		u.Specifications = []byte(`{}`)
	}
	if len(u.Pricing) == 0 {
		u.Pricing = []byte(`{}`)
	}
	if len(u.ComplianceStatus) == 0 {
		u.ComplianceStatus = []byte(`{}`)
	}
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE bom_line_items SET
			enrichment_status = :enrichment_status,
			enrichment_source = :enrichment_source,
			component_id      = COALESCE(:component_id, component_id),
			lifecycle_status  = :lifecycle_status,
			datasheet_url     = :datasheet_url,
			specifications    = :specifications,
			pricing           = :pricing,
			compliance_status = :compliance_status,
			enriched_at       = now()
		WHERE id = :id`, u)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.update_line", err)
	}
	return nil
}

// MarkLineStatus flips just the enrichment status, for skip and failure
// paths that carry no data.
func (r *Repository) MarkLineStatus(ctx context.Context, lineID, status, source string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bom_line_items
		SET enrichment_status = $2, enrichment_source = $3, enriched_at = now()
		WHERE id = $1`, lineID, status, source)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.mark_line", err)
	}
	return nil
}

// BOMProgress tallies line statuses for one BOM.
func (r *Repository) BOMProgress(ctx context.Context, bomID string) (Progress, error) {
	var p Progress
	err := r.db.GetContext(ctx, &p, `
		SELECT
			COUNT(*) FILTER (WHERE enrichment_status = 'pending')  AS pending,
			COUNT(*) FILTER (WHERE enrichment_status = 'enriched') AS enriched,
			COUNT(*) FILTER (WHERE enrichment_status = 'failed')   AS failed,
			COUNT(*) FILTER (WHERE enrichment_status = 'skipped')  AS skipped,
			COUNT(*)                                               AS total
		FROM bom_line_items WHERE bom_id = $1`, bomID)
	if err != nil {
		return Progress{}, fault.Wrap(fault.KindTransient, "bom.progress", err)
	}
	return p, nil
}

// ==========================================================================
// Enrichment events
// ==========================================================================

func (r *Repository) RecordEnrichmentEvent(ctx context.Context, ev *EnrichmentEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = time.Now().UTC()

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO enrichment_events (id, bom_id, organization_id, workflow_id, state, source,
		                               enriched, failed, skipped, total, percent_complete, created_at)
		VALUES (:id, :bom_id, :organization_id, :workflow_id, :state, :source,
		        :enriched, :failed, :skipped, :total, :percent_complete, :created_at)`, ev)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "bom.record_event", err)
	}
	return nil
}

// LatestEnrichmentEvent is the canonical progress indicator for a BOM.
func (r *Repository) LatestEnrichmentEvent(ctx context.Context, ac auth.Context, bomID string) (*EnrichmentEvent, error) {
	var ev EnrichmentEvent
	err := r.db.GetContext(ctx, &ev, `
		SELECT * FROM enrichment_events
		WHERE bom_id = $1 AND ($2 = '' OR organization_id::text = $2)
		ORDER BY created_at DESC
		LIMIT 1`, bomID, orgScope(ac))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "bom.latest_event", "no enrichment events for bom %s", bomID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bom.latest_event", err)
	}
	return &ev, nil
}
