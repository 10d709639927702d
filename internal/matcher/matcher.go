// Package matcher ranks candidate identities by embedding distance to a probe.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/kozaktomas/rollcall/internal/embedding"
	"github.com/kozaktomas/rollcall/internal/registry"
)

// Candidate is one ranked identity.
type Candidate struct {
	IdentityID  string  `json:"identity_id"`
	DisplayName string  `json:"display_name"`
	Distance    float64 `json:"distance"`
	Confidence  float64 `json:"confidence"`
}

// Match scores every candidate by the smallest distance between the probe and any of its
// embeddings and returns them nearest first. Ties keep candidate order.
func Match(ctx context.Context, probe embedding.Vector, candidates []*registry.Identity) ([]Candidate, error) {
	ranked := make([]Candidate, 0, len(candidates))
	for _, ident := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := score(probe, ident)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})
	return ranked, nil
}

// Shortlist ranks only the identities owning the k embeddings nearest to the probe in the
// snapshot index, scoring each of them exactly. It falls back to a full scan when the snapshot
// has no index, or when the index yields no runner-up for a snapshot that has one.
func Shortlist(ctx context.Context, probe embedding.Vector, snap *registry.Snapshot, k int) ([]Candidate, error) {
	idx := snap.Index()
	if idx == nil {
		return Match(ctx, probe, snap.Identities())
	}
	if probe.Dim() != snap.Dim {
		return nil, fmt.Errorf("%w: probe %d vs registry %d", embedding.ErrDimensionMismatch, probe.Dim(), snap.Dim)
	}

	positions := idx.Shortlist(probe, k)
	if len(positions) < 2 && snap.Len() >= 2 {
		return Match(ctx, probe, snap.Identities())
	}
	// Restore snapshot order so tie-breaking matches the full scan.
	sort.Ints(positions)
	candidates := make([]*registry.Identity, len(positions))
	for i, pos := range positions {
		candidates[i] = snap.At(pos)
	}
	return Match(ctx, probe, candidates)
}

func score(probe embedding.Vector, ident *registry.Identity) (Candidate, error) {
	best := -1.0
	for _, emb := range ident.Embeddings {
		d, err := embedding.Distance(probe, emb)
		if err != nil {
			return Candidate{}, fmt.Errorf("identity %s: %w", ident.ID, err)
		}
		if best < 0 || d < best {
			best = d
		}
	}
	if best < 0 {
		return Candidate{}, fmt.Errorf("identity %s has no embeddings", ident.ID)
	}
	return Candidate{
		IdentityID:  ident.ID,
		DisplayName: ident.DisplayName,
		Distance:    best,
		Confidence:  embedding.Confidence(best),
	}, nil
}
