// Package scheduler implements "shift" (spec.md §4.7): pick the next
// eligible delivery for a zone, claim it durably and in-memory, load its
// body metadata, and check it against the suppression list.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
	"github.com/chasquid-relay/zoneq/internal/locktable"
	"github.com/chasquid-relay/zoneq/internal/log"
	"github.com/chasquid-relay/zoneq/internal/metrics"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/suppression"
	"github.com/chasquid-relay/zoneq/internal/ttlcache"
	"github.com/chasquid-relay/zoneq/internal/zone"
)

// DomainConfigFunc returns the effective per-remote-domain configuration,
// mirroring the RPC GET command's getDomainConfig argument (spec.md
// §4.13).
type DomainConfigFunc func(domain string) (maxConnections int)

// MetaLoader is the subset of blobstore.Store the scheduler needs. Tests
// substitute an in-memory fake instead of a live GridFS bucket.
type MetaLoader interface {
	GetMeta(ctx context.Context, id string) (*blobstore.BodyMeta, error)
}

// DeliveryWithMeta is the row the scheduler hands back, with body
// metadata merged in per spec.md §4.7 step 7 (metadata keys must not
// overwrite sendingZone).
type DeliveryWithMeta struct {
	*queuestore.Delivery
	Meta *blobstore.BodyMeta
}

// maxClaimAttempts bounds the step 2-4 retry loop spec.md §4.7 step 4
// allows when the in-memory lock fails after a successful DB claim.
const maxClaimAttempts = 5

// emptyZoneTTL is the back-off applied when a zone has no eligible work,
// per spec.md §4.3/§4.7 step 1/3.
const emptyZoneTTL = 5 * time.Second

// lockTTL is the in-memory lock table TTL, per spec.md §4.7 step 4.
const lockTTL = 3600 * time.Second

// Scheduler implements shift.
type Scheduler struct {
	Store        queuestore.Store
	Blobs        MetaLoader
	Locks        *locktable.Table
	Empty        *ttlcache.Cache
	Zones        *zone.Table
	Suppression  suppression.Checker
	Metrics      *metrics.Registry
	InstanceID   string
}

// Shift implements spec.md §4.7. It returns (nil, nil) when there is
// nothing eligible right now.
func (s *Scheduler) Shift(ctx context.Context, zoneName string) (*DeliveryWithMeta, error) {
	if s.Empty.Has(ttlcache.EmptyZoneKey(zoneName)) {
		return nil, nil
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		d, contended, err := s.claimOnce(ctx, zoneName)
		if err != nil {
			return nil, err
		}
		if contended {
			continue
		}
		if d == nil {
			return nil, nil
		}

		result, retry, err := s.afterClaim(ctx, zoneName, d)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return result, nil
	}

	// Repeated in-memory lock contention on this zone; back off briefly
	// rather than busy-looping, per spec.md §4.7 step 4.
	return nil, nil
}

// claimOnce performs spec.md §4.7 steps 2-4: the durable claim plus the
// in-memory lock attempt. It returns (nil, false, nil) if the DB claim
// itself found nothing, and marks the zone empty in that case.
// claimOnce returns (delivery, contended, err). contended=true means the
// caller should retry claimOnce (in-memory lock lost the race after a
// successful DB claim); delivery=nil with contended=false and err=nil
// means the zone has no eligible work right now.
func (s *Scheduler) claimOnce(ctx context.Context, zoneName string) (*queuestore.Delivery, bool, error) {
	now := time.Now()
	skip := s.Locks.ListSkipDomains(zoneName)

	d, err := s.Store.Claim(ctx, zoneName, s.InstanceID, skip, now)
	if err != nil {
		if err == queuestore.ErrNotFound {
			s.Empty.Set(ttlcache.EmptyZoneKey(zoneName), emptyZoneTTL)
			if s.Metrics != nil {
				s.Metrics.ShiftTotal.WithLabelValues(zoneName, "empty").Inc()
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claiming from %q: %w", zoneName, err)
	}

	key := queuestore.LockKey(d.ID, d.Seq)
	maxConn := s.Zones.MaxConnections(d.Domain)
	if !s.Locks.Lock(key, zoneName, d.Domain, s.InstanceID, maxConn, lockTTL) {
		// Domain saturated in this master after the DB claim succeeded.
		// Per spec.md §4.7 step 4, implementations MAY mark it unlocked
		// on disk and let another shift re-pick it, rather than holding a
		// DB lock nothing is using.
		if err := s.Store.Update(ctx, d.ID, d.Seq, map[string]interface{}{
			"locked": false, "assigned": queuestore.Unassigned,
		}); err != nil {
			log.Errorf("scheduler: failed to release contended claim %s.%s: %v", d.ID, d.Seq, err)
		}
		return nil, true, nil
	}
	d.Lock = key
	return d, false, nil
}

// afterClaim performs spec.md §4.7 steps 5-7: load metadata (detecting a
// GC'd body), check suppression, and merge metadata onto the row. retry=
// true means the caller should loop back to claimOnce.
func (s *Scheduler) afterClaim(ctx context.Context, zoneName string, d *queuestore.Delivery) (*DeliveryWithMeta, bool, error) {
	meta, err := s.Blobs.GetMeta(ctx, d.ID)
	if err != nil {
		// Body was GC'd: delete all rows for this id, release the
		// in-memory lock, and let the caller retry.
		if delErr := s.Store.DeleteAllForID(ctx, d.ID); delErr != nil {
			log.Errorf("scheduler: failed to delete orphaned rows for %q: %v", d.ID, delErr)
		}
		s.Locks.Release(d.Lock)
		log.Infof("scheduler: DELETED %s.%s: body missing", d.ID, d.Seq)
		return nil, true, nil
	}

	if s.Suppression != nil {
		suppressed, err := s.Suppression.IsSuppressed(ctx, d.Recipient, d.Domain)
		if err != nil {
			log.Errorf("scheduler: suppression check failed for %s: %v", d.Recipient, err)
		} else if suppressed {
			if err := s.Store.Release(ctx, d.ID, d.Seq); err != nil {
				log.Errorf("scheduler: failed to release suppressed row %s.%s: %v", d.ID, d.Seq, err)
			}
			s.Locks.Release(d.Lock)
			return nil, true, nil
		}
	}

	if s.Metrics != nil {
		s.Metrics.ShiftTotal.WithLabelValues(zoneName, "hit").Inc()
	}

	return &DeliveryWithMeta{Delivery: d, Meta: meta}, false, nil
}
