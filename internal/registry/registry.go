// Package registry holds the in-memory set of enrolled identities used for matching.
//
// The registry serves immutable snapshots. A snapshot expires after a TTL or when Invalidate is
// called; the next caller triggers a reload that every concurrent caller shares. A failed reload
// keeps serving the previous snapshot, flagged as stale, and retries after a backoff.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrSourceUnavailable is returned when identities cannot be fetched and no snapshot is available.
var ErrSourceUnavailable = errors.New("identity source unavailable")

const reloadKey = "reload"

// Source loads active identities from persistent storage.
type Source interface {
	LoadActiveIdentities(ctx context.Context) ([]database.StoredIdentity, error)
}

// Purger is implemented by sources that keep their own cache and can drop it on invalidation.
type Purger interface {
	Purge(ctx context.Context) error
}

// Options configures a Registry.
type Options struct {
	TTL              time.Duration
	RetryBackoff     time.Duration
	ANNMinIdentities int // build an HNSW shortlist index at or above this many identities; 0 disables
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Stats describes the registry state for health and stats endpoints.
type Stats struct {
	Loaded      bool      `json:"loaded"`
	Identities  int       `json:"identities"`
	Embeddings  int       `json:"embeddings"`
	Dim         int       `json:"dim"`
	LoadedAt    time.Time `json:"loaded_at"`
	AgeSeconds  float64   `json:"age_seconds"`
	Generation  uint64    `json:"generation"`
	Indexed     bool      `json:"indexed"`
	Reloads     int64     `json:"reloads"`
	Failures    int64     `json:"failures"`
	StaleServes int64     `json:"stale_serves"`
	LastError   string    `json:"last_error,omitempty"`
}

// Registry serves identity snapshots.
type Registry struct {
	source Source
	opts   Options
	log    *zap.Logger

	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	group      singleflight.Group

	mu          sync.Mutex
	lastErr     error
	lastFailure time.Time

	reloads     atomic.Int64
	failures    atomic.Int64
	staleServes atomic.Int64
}

// New creates a registry. Nothing is loaded until the first Current or Load call.
func New(source Source, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		source: source,
		opts:   opts,
		log:    opts.Logger.Named("registry"),
	}
}

// Current returns the snapshot to match against. stale reports that the snapshot is past its
// TTL or invalidated and could not be refreshed.
//
// A fresh snapshot is returned without blocking. Otherwise the caller joins the single in-flight
// reload; the reload itself runs detached from ctx. If ctx ends first, the caller gets the
// previous snapshot as stale.
func (r *Registry) Current(ctx context.Context) (snap *Snapshot, stale bool, err error) {
	prev := r.current.Load()
	if r.fresh(prev) {
		return prev, false, nil
	}

	if prev != nil && r.inBackoff() {
		r.markStale()
		return prev, true, nil
	}

	ch := r.group.DoChan(reloadKey, func() (any, error) {
		return r.reloadIfStale(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*Snapshot), false, nil
		}
		if cur := r.current.Load(); cur != nil {
			r.markStale()
			return cur, true, nil
		}
		return nil, false, res.Err
	case <-ctx.Done():
		if prev != nil {
			r.markStale()
			return prev, true, nil
		}
		return nil, false, ctx.Err()
	}
}

// Load blocks until a snapshot at least as new as the latest Invalidate is installed, fetching
// one if needed. Unlike Current it returns the reload error instead of a stale snapshot.
func (r *Registry) Load(ctx context.Context) (*Snapshot, error) {
	target := r.generation.Load()
	for {
		ch := r.group.DoChan(reloadKey, func() (any, error) {
			return r.reloadIfStale(context.WithoutCancel(ctx))
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			snap := res.Val.(*Snapshot)
			// A reload that started before the invalidation carries the older generation.
			if snap.Generation >= target {
				return snap, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Invalidate marks the current snapshot as outdated so the next access reloads it.
// When the source keeps its own cache it is purged as well; a purge failure is returned
// but the invalidation still takes effect.
func (r *Registry) Invalidate(ctx context.Context) error {
	gen := r.generation.Add(1)
	r.mu.Lock()
	r.lastFailure = time.Time{}
	r.mu.Unlock()

	r.log.Info("registry invalidated", zap.Uint64("generation", gen))

	if p, ok := r.source.(Purger); ok {
		if err := p.Purge(ctx); err != nil {
			r.log.Warn("purging identity cache failed", zap.Error(err))
			return fmt.Errorf("purging identity cache: %w", err)
		}
	}
	return nil
}

// Stats returns a point-in-time view of the registry.
func (r *Registry) Stats() Stats {
	st := Stats{
		Generation:  r.generation.Load(),
		Reloads:     r.reloads.Load(),
		Failures:    r.failures.Load(),
		StaleServes: r.staleServes.Load(),
	}
	r.mu.Lock()
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()

	if snap := r.current.Load(); snap != nil {
		st.Loaded = true
		st.Identities = snap.Len()
		st.Embeddings = snap.EmbeddingCount()
		st.Dim = snap.Dim
		st.LoadedAt = snap.LoadedAt
		st.AgeSeconds = snap.Age(r.opts.Now()).Seconds()
		st.Indexed = snap.Index() != nil
	}
	return st
}

// Peek returns the installed snapshot without triggering a reload. It is nil before the first load.
func (r *Registry) Peek() *Snapshot {
	return r.current.Load()
}

func (r *Registry) fresh(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	if snap.Generation < r.generation.Load() {
		return false
	}
	return snap.Age(r.opts.Now()) < r.opts.TTL
}

func (r *Registry) inBackoff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastFailure.IsZero() {
		return false
	}
	return r.opts.Now().Sub(r.lastFailure) < r.opts.RetryBackoff
}

func (r *Registry) markStale() {
	r.staleServes.Add(1)
	r.opts.Metrics.IncStaleServe()
}

// reloadIfStale runs inside the singleflight call. Callers that queued behind a reload that
// just finished find a fresh snapshot here and return it without fetching again.
func (r *Registry) reloadIfStale(ctx context.Context) (*Snapshot, error) {
	if snap := r.current.Load(); r.fresh(snap) {
		return snap, nil
	}
	return r.reload(ctx)
}

func (r *Registry) reload(ctx context.Context) (*Snapshot, error) {
	gen := r.generation.Load()
	start := r.opts.Now()

	stored, err := r.source.LoadActiveIdentities(ctx)
	elapsed := r.opts.Now().Sub(start)
	if err != nil {
		r.failures.Add(1)
		r.mu.Lock()
		r.lastErr = err
		r.lastFailure = r.opts.Now()
		r.mu.Unlock()

		r.opts.Metrics.ObserveReload(false, elapsed, 0)
		r.log.Warn("identity reload failed",
			zap.Error(err),
			zap.Bool("serving_stale", r.current.Load() != nil),
			zap.Duration("retry_after", r.opts.RetryBackoff))
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	identities := fromStored(stored, r.log)
	snap := newSnapshot(identities, r.opts.Now(), gen, r.opts.ANNMinIdentities)
	r.current.Store(snap)
	r.reloads.Add(1)

	r.mu.Lock()
	r.lastErr = nil
	r.lastFailure = time.Time{}
	r.mu.Unlock()

	r.opts.Metrics.ObserveReload(true, elapsed, snap.Len())
	r.log.Info("identity registry loaded",
		zap.Int("identities", snap.Len()),
		zap.Int("embeddings", snap.EmbeddingCount()),
		zap.Int("dim", snap.Dim),
		zap.Bool("indexed", snap.Index() != nil),
		zap.Uint64("generation", gen),
		zap.Duration("took", elapsed))
	return snap, nil
}
