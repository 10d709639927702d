// Package filter narrows a registry snapshot to the cohort of an attendance session.
package filter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/metrics"
	"github.com/kozaktomas/rollcall/internal/registry"
	"go.uber.org/zap"
)

// Warnings attached to a degraded result.
const (
	WarningCohortUnavailable = "cohort_unavailable"
	WarningCohortEmpty       = "cohort_empty"
)

// Result is the candidate set for one request.
type Result struct {
	Identities []*registry.Identity
	// Scoped is true when the candidates were restricted to a session cohort.
	Scoped bool
	// Warning is set when scoping was requested but could not be applied.
	Warning string
}

// Options configures a CandidateFilter.
type Options struct {
	CacheTTL time.Duration // 0 disables the cohort cache
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// CandidateFilter resolves session cohorts and intersects them with a snapshot.
type CandidateFilter struct {
	cohorts database.CohortReader
	cache   *ristretto.Cache
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates a filter over a cohort reader. A nil reader disables scoping entirely.
func New(cohorts database.CohortReader, opts Options) (*CandidateFilter, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f := &CandidateFilter{
		cohorts: cohorts,
		ttl:     opts.CacheTTL,
		log:     opts.Logger.Named("filter"),
		metrics: opts.Metrics,
	}
	if opts.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("creating cohort cache: %w", err)
		}
		f.cache = cache
	}
	return f, nil
}

// Filter returns the candidates for a request. An empty sessionID yields the whole snapshot.
// Lookup failures and empty cohorts degrade to the whole snapshot with a warning; a cohort whose
// members are all missing from the snapshot yields no candidates.
func (f *CandidateFilter) Filter(ctx context.Context, snap *registry.Snapshot, sessionID string) Result {
	all := snap.Identities()
	if sessionID == "" || f.cohorts == nil {
		return Result{Identities: all}
	}

	members, err := f.cohort(ctx, sessionID)
	if err != nil {
		level := f.log.Warn
		if errors.Is(err, database.ErrSessionNotFound) {
			level = f.log.Info
		}
		level("cohort lookup failed, using all identities", zap.String("session_id", sessionID), zap.Error(err))
		return Result{Identities: all, Warning: WarningCohortUnavailable}
	}
	if len(members) == 0 {
		f.log.Info("session cohort is empty, using all identities", zap.String("session_id", sessionID))
		return Result{Identities: all, Warning: WarningCohortEmpty}
	}

	set := make(map[string]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}
	scoped := make([]*registry.Identity, 0, min(len(members), len(all)))
	for _, ident := range all {
		if _, ok := set[ident.ID]; ok {
			scoped = append(scoped, ident)
		}
	}
	return Result{Identities: scoped, Scoped: true}
}

// Reset drops every cached cohort so the next request per session reads the store.
func (f *CandidateFilter) Reset() {
	if f.cache != nil {
		f.cache.Clear()
	}
}

// Close releases the cohort cache.
func (f *CandidateFilter) Close() {
	if f.cache != nil {
		f.cache.Close()
	}
}

func (f *CandidateFilter) cohort(ctx context.Context, sessionID string) ([]string, error) {
	if f.cache != nil {
		if v, ok := f.cache.Get(sessionID); ok {
			f.metrics.IncCohortLookup("hit")
			return v.([]string), nil
		}
	}

	members, err := f.cohorts.SessionCohort(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			f.metrics.IncCohortLookup("unknown")
		} else {
			f.metrics.IncCohortLookup("error")
		}
		return nil, err
	}
	f.metrics.IncCohortLookup("miss")

	if f.cache != nil {
		f.cache.SetWithTTL(sessionID, members, int64(len(members)+1), f.ttl)
	}
	return members, nil
}
