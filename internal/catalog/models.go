// Package catalog holds the shared component catalog and the transient
// Redis staging tier that feeds it. Components land here through the
// promotion protocol: production-quality results go straight to Postgres,
// near-misses wait in Redis where an admin can inspect and promote them.
package catalog

import (
	"encoding/json"
	"time"

	"github.com/partstream/backend/internal/enrich"
)

// Sync status values for snapshot rows.
const (
	SnapshotActive   = "active"
	SnapshotExpired  = "expired"
	SnapshotPromoted = "promoted"
)

// Component is one row of the shared catalog. Rows are tenant-agnostic:
// every organization's enrichment reads them, and only the promotion
// protocol writes them.
type Component struct {
	ID              string    `db:"id" json:"id"`
	MPN             string    `db:"mpn" json:"mpn"`
	Manufacturer    string    `db:"manufacturer" json:"manufacturer"`
	Category        string    `db:"category" json:"category,omitempty"`
	Description     string    `db:"description" json:"description,omitempty"`
	QualityScore    float64   `db:"quality_score" json:"quality_score"`
	LifecycleStatus string    `db:"lifecycle_status" json:"lifecycle_status"`
	DatasheetURL    string    `db:"datasheet_url" json:"datasheet_url,omitempty"`
	ImageURL        string    `db:"image_url" json:"image_url,omitempty"`
	Parameters      []byte    `db:"parameters" json:"parameters,omitempty"`
	RoHSCompliant   *bool     `db:"rohs_compliant" json:"rohs_compliant,omitempty"`
	ReachCompliant  *bool     `db:"reach_compliant" json:"reach_compliant,omitempty"`
	LastVerifiedAt  time.Time `db:"last_verified_at" json:"last_verified_at"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Normalized renders the row in the supplier-agnostic component shape, so
// catalog hits flow through the same line-update and audit paths as fresh
// supplier results.
func (c *Component) Normalized() *enrich.Component {
	out := &enrich.Component{
		MPN:             c.MPN,
		Manufacturer:    c.Manufacturer,
		Category:        c.Category,
		Description:     c.Description,
		QualityScore:    c.QualityScore,
		LifecycleStatus: c.LifecycleStatus,
		DatasheetURL:    c.DatasheetURL,
		ImageURL:        c.ImageURL,
		Source:          enrich.SourceCatalog,
		MatchConfidence: 1,
		EnrichedAt:      c.LastVerifiedAt,
	}
	if len(c.Parameters) > 0 {
		_ = json.Unmarshal(c.Parameters, &out.Parameters)
	}
	if c.RoHSCompliant != nil {
		v := *c.RoHSCompliant
		out.RoHSCompliant = &v
	}
	if c.ReachCompliant != nil {
		v := *c.ReachCompliant
		out.ReachCompliant = &v
	}
	return out
}

// Key identifies a catalog row. (mpn, manufacturer) is unique in the table.
type Key struct {
	MPN          string
	Manufacturer string
}

// Snapshot mirrors one transient Redis staging/rejected entry into Postgres
// so admins can inspect, and promote, entries even after they fall out of
// the cache. expires_at is authoritative; expired rows are purged 7 days
// after expiry.
type Snapshot struct {
	RedisKey      string     `db:"redis_key" json:"redis_key"`
	LineID        *string    `db:"line_id" json:"line_id,omitempty"`
	MPN           string     `db:"mpn" json:"mpn"`
	Manufacturer  string     `db:"manufacturer" json:"manufacturer"`
	QualityScore  float64    `db:"quality_score" json:"quality_score"`
	ComponentData []byte     `db:"component_data" json:"component_data"`
	Reason        string     `db:"reason" json:"reason,omitempty"`
	SyncStatus    string     `db:"sync_status" json:"sync_status"`
	ExpiresAt     *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	FirstSeenAt   time.Time  `db:"first_seen_at" json:"first_seen_at"`
	LastSyncedAt  time.Time  `db:"last_synced_at" json:"last_synced_at"`
}
