package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/locks"
)

const (
	promoteLockTTL  = 30 * time.Second
	promoteLockWait = 5 * time.Second
)

// Promoter applies routing decisions to storage: durable catalog writes for
// production-quality components, TTL'd Redis entries for the staging and
// rejected bands, plus the manual promotion path admins use to lift a
// staging snapshot into the catalog after the fact.
type Promoter struct {
	store     *Store
	staging   *StagingStore
	snapshots *SnapshotRepo
	locker    locks.Locker
	publisher events.Publisher
	logger    *slog.Logger
}

func NewPromoter(store *Store, staging *StagingStore, snapshots *SnapshotRepo, locker locks.Locker, publisher events.Publisher) *Promoter {
	return &Promoter{
		store:     store,
		staging:   staging,
		snapshots: snapshots,
		locker:    locker,
		publisher: publisher,
		logger:    slog.Default(),
	}
}

// Apply lands one enriched component where its decision routed it. The
// caller (the per-line enrichment activity) already holds enrichment:{mpn},
// so no locking happens here. ttl is the cache lifetime for the staging and
// rejected bands.
func (p *Promoter) Apply(ctx context.Context, c *enrich.Component, d enrich.Decision, lineID, bomID string, ttl time.Duration) (UpsertResult, error) {
	switch d.Route {
	case enrich.RouteCatalog:
		return p.store.Upsert(ctx, c, lineID)

	case enrich.RouteStaging, enrich.RouteRejected:
		entry := &Entry{
			MPN:          c.MPN,
			Manufacturer: c.Manufacturer,
			LineID:       lineID,
			BOMID:        bomID,
			QualityScore: d.Score.Total,
			Route:        string(d.Route),
			Reason:       d.Reason,
			Component:    c,
		}
		return UpsertResult{}, p.staging.Put(ctx, entry, ttl)

	default:
		return UpsertResult{}, fault.Newf(fault.KindPermanent, "promoter.apply", "unknown route %q", d.Route)
	}
}

// Promote manually lifts a snapshot into the catalog. It runs the same
// upsert as automatic promotion, under the same enrichment:{mpn} lock, then
// marks the snapshot promoted. Promoted is terminal: a second promote call
// is a conflict, not a retry.
func (p *Promoter) Promote(ctx context.Context, ac auth.Context, redisKey, reason string) (*Component, error) {
	if reason == "" {
		return nil, fault.Newf(fault.KindValidation, "promoter.promote", "promotion requires a reason")
	}

	snap, err := p.snapshots.Get(ctx, redisKey)
	if err != nil {
		return nil, err
	}
	if snap.SyncStatus == SnapshotPromoted {
		return nil, fault.Newf(fault.KindConflict, "promoter.promote", "snapshot %s already promoted", redisKey)
	}

	var comp enrich.Component
	if err := json.Unmarshal(snap.ComponentData, &comp); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "promoter.promote", err)
	}
	if comp.MPN == "" {
		comp.MPN = snap.MPN
	}
	if comp.Manufacturer == "" {
		comp.Manufacturer = snap.Manufacturer
	}
	comp.QualityScore = snap.QualityScore

	lease, err := p.locker.Acquire(ctx, locks.ComponentKey(comp.MPN), promoteLockTTL, promoteLockWait)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "promoter.promote", err)
	}
	defer lease.Release(ctx)

	lineID := ""
	if snap.LineID != nil {
		lineID = *snap.LineID
	}
	res, err := p.store.Upsert(ctx, &comp, lineID)
	if err != nil {
		return nil, err
	}
	if err := p.snapshots.MarkPromoted(ctx, redisKey); err != nil {
		return nil, err
	}

	p.logger.Info("[Promoter] ✅ snapshot promoted to catalog",
		"redis_key", redisKey, "component_id", res.ComponentID,
		"mpn", comp.MPN, "by", ac.UserID, "reason", reason)

	if p.publisher != nil {
		payload := events.SnapshotPromoted{
			RedisKey:     redisKey,
			MPN:          comp.MPN,
			Manufacturer: comp.Manufacturer,
			ComponentID:  res.ComponentID,
			PromotedBy:   ac.UserID,
			Reason:       reason,
		}
		env, err := events.NewEnvelope(events.KeySnapshotPromoted, ac.OrgID, payload)
		if err == nil {
			if perr := p.publisher.Publish(ctx, env); perr != nil {
				p.logger.Warn("[Promoter] promotion event publish failed", "error", perr)
			}
		}
	}

	return p.store.GetByID(ctx, res.ComponentID)
}

// PromoteByIdentity resolves the snapshot key from a part identity first,
// for CLI callers that know the part but not the raw Redis key.
func (p *Promoter) PromoteByIdentity(ctx context.Context, ac auth.Context, mpn, manufacturer, reason string) (*Component, error) {
	return p.Promote(ctx, ac, DataKey(mpn, manufacturer), reason)
}
