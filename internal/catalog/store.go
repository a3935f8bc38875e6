package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/fault"
)

// DefaultStalenessWindow bounds how long a catalog row keeps satisfying
// lookups and winning upserts before enrichment refreshes it.
const DefaultStalenessWindow = 30 * 24 * time.Hour

// Store is the Postgres catalog of promoted components.
type Store struct {
	db        *sqlx.DB
	staleness time.Duration
}

// NewStore builds a catalog store. staleness <= 0 uses the default window.
func NewStore(db *sqlx.DB, staleness time.Duration) *Store {
	if staleness <= 0 {
		staleness = DefaultStalenessWindow
	}
	return &Store{db: db, staleness: staleness}
}

func (s *Store) Lookup(ctx context.Context, mpn, manufacturer string) (*Component, error) {
	var c Component
	err := s.db.GetContext(ctx, &c, `
		SELECT * FROM catalog_components
		WHERE mpn = $1 AND manufacturer = $2`, mpn, manufacturer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "catalog.lookup", "component %s/%s not in catalog", mpn, manufacturer)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "catalog.lookup", err)
	}
	return &c, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*Component, error) {
	var c Component
	err := s.db.GetContext(ctx, &c, `SELECT * FROM catalog_components WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "catalog.get", "component %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "catalog.get", err)
	}
	return &c, nil
}

// BulkLookup is the enrichment pre-filter: it returns, for the given part
// identities, the catalog rows that are both fresh (verified inside the
// staleness window) and at or above minQuality. Pairs without such a row are
// absent from the result and must be enriched. Stale rows deliberately miss
// so the live supplier data can replace them.
func (s *Store) BulkLookup(ctx context.Context, keys []Key, minQuality float64) (map[Key]*Component, error) {
	out := make(map[Key]*Component, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cutoff := time.Now().UTC().Add(-s.staleness)
	args := []interface{}{minQuality, cutoff}
	tuples := make([]string, 0, len(keys))
	for _, k := range keys {
		tuples = append(tuples, fmt.Sprintf("($%d,$%d)", len(args)+1, len(args)+2))
		args = append(args, k.MPN, k.Manufacturer)
	}

	var rows []Component
	err := s.db.SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT * FROM catalog_components
		WHERE quality_score >= $1
		  AND last_verified_at > $2
		  AND (mpn, manufacturer) IN (%s)`, strings.Join(tuples, ",")), args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "catalog.bulk_lookup", err)
	}

	for i := range rows {
		c := rows[i]
		out[Key{MPN: c.MPN, Manufacturer: c.Manufacturer}] = &c
	}
	return out, nil
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	Search string // substring match on mpn or manufacturer
	Limit  int
	Offset int
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]Component, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var out []Component
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM catalog_components
		WHERE ($1 = '' OR mpn ILIKE '%' || $1 || '%' OR manufacturer ILIKE '%' || $1 || '%')
		ORDER BY last_verified_at DESC
		LIMIT $2 OFFSET $3`, f.Search, f.Limit, f.Offset)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "catalog.list", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM catalog_components`); err != nil {
		return 0, fault.Wrap(fault.KindTransient, "catalog.count", err)
	}
	return n, nil
}

// UpsertResult reports what the promotion protocol did with one component.
type UpsertResult struct {
	ComponentID string
	Overwrote   bool // existing row was replaced
	Kept        bool // existing row won; line annotated with its id
}

// Upsert applies the promotion write for one production-quality component:
// insert it, or overwrite the existing (mpn, manufacturer) row when the
// incoming copy scores higher or the row has gone stale. When the stored row
// wins it stays untouched and only its id flows back to the line item. The
// catalog write and the line-item component_id update share one transaction.
// Callers hold enrichment:{mpn} across this call so concurrent workflows
// cannot interleave on the same part.
func (s *Store) Upsert(ctx context.Context, c *enrich.Component, lineID string) (UpsertResult, error) {
	params := []byte(`{}`)
	if len(c.Parameters) > 0 {
		var err error
		if params, err = json.Marshal(c.Parameters); err != nil {
			return UpsertResult{}, fault.Wrap(fault.KindValidation, "catalog.upsert", err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fault.Wrap(fault.KindTransient, "catalog.upsert", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var existing Component
	err = tx.GetContext(ctx, &existing, `
		SELECT * FROM catalog_components
		WHERE mpn = $1 AND manufacturer = $2
		FOR UPDATE`, c.MPN, c.Manufacturer)

	var res UpsertResult
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res.ComponentID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO catalog_components (id, mpn, manufacturer, category, description,
			                                quality_score, lifecycle_status, datasheet_url, image_url,
			                                parameters, rohs_compliant, reach_compliant,
			                                last_verified_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
			res.ComponentID, c.MPN, c.Manufacturer, c.Category, c.Description,
			c.QualityScore, c.LifecycleStatus, c.DatasheetURL, c.ImageURL,
			params, c.RoHSCompliant, c.ReachCompliant, now)
		if err != nil {
			return UpsertResult{}, fault.Wrap(fault.KindTransient, "catalog.upsert.insert", err)
		}

	case err != nil:
		return UpsertResult{}, fault.Wrap(fault.KindTransient, "catalog.upsert.select", err)

	default:
		res.ComponentID = existing.ID
		stale := now.Sub(existing.LastVerifiedAt) > s.staleness
		if c.QualityScore > existing.QualityScore || stale {
			res.Overwrote = true
			_, err = tx.ExecContext(ctx, `
				UPDATE catalog_components SET
					category = $2, description = $3, quality_score = $4,
					lifecycle_status = $5, datasheet_url = $6, image_url = $7,
					parameters = $8, rohs_compliant = $9, reach_compliant = $10,
					last_verified_at = $11
				WHERE id = $1`,
				existing.ID, c.Category, c.Description, c.QualityScore,
				c.LifecycleStatus, c.DatasheetURL, c.ImageURL,
				params, c.RoHSCompliant, c.ReachCompliant, now)
			if err != nil {
				return UpsertResult{}, fault.Wrap(fault.KindTransient, "catalog.upsert.update", err)
			}
		} else {
			res.Kept = true
		}
	}

	if lineID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bom_line_items SET component_id = $2 WHERE id = $1`, lineID, res.ComponentID); err != nil {
			return UpsertResult{}, fault.Wrap(fault.KindTransient, "catalog.upsert.line", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fault.Wrap(fault.KindTransient, "catalog.upsert", err)
	}
	return res, nil
}
