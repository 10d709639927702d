package registry

import (
	"slices"
	"strings"
	"time"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/embedding"
	"go.uber.org/zap"
)

// Identity is an enrolled person as held by a snapshot.
type Identity struct {
	ID          string
	DisplayName string
	ExternalRef string
	Embeddings  []embedding.Vector
	EnrolledAt  time.Time
}

// Snapshot is an immutable view of all active identities. It is never modified after
// construction, so any number of requests may read it concurrently.
type Snapshot struct {
	identities []*Identity
	byID       map[string]*Identity
	embeddings int
	index      *Index

	LoadedAt   time.Time
	Dim        int
	Generation uint64
}

// NewSnapshot builds a snapshot from identities, for callers that already hold them in memory.
func NewSnapshot(identities []Identity, loadedAt time.Time) *Snapshot {
	ptrs := make([]*Identity, len(identities))
	for i := range identities {
		ident := identities[i]
		ptrs[i] = &ident
	}
	return newSnapshot(ptrs, loadedAt, 0, 0)
}

func newSnapshot(identities []*Identity, loadedAt time.Time, generation uint64, annMin int) *Snapshot {
	s := &Snapshot{
		identities: identities,
		byID:       make(map[string]*Identity, len(identities)),
		LoadedAt:   loadedAt,
		Generation: generation,
	}
	for _, ident := range identities {
		s.byID[ident.ID] = ident
		s.embeddings += len(ident.Embeddings)
		if s.Dim == 0 && len(ident.Embeddings) > 0 {
			s.Dim = ident.Embeddings[0].Dim()
		}
	}
	if annMin > 0 && len(identities) >= annMin {
		s.index = buildIndex(identities)
	}
	return s
}

// fromStored converts store rows into snapshot identities. Identities without embeddings or
// with embeddings of a different dimension than the first accepted identity are skipped.
func fromStored(stored []database.StoredIdentity, logger *zap.Logger) []*Identity {
	identities := make([]*Identity, 0, len(stored))
	seen := make(map[string]struct{}, len(stored))
	dim := 0

	for _, s := range stored {
		if _, dup := seen[s.ID]; dup {
			logger.Warn("skipping duplicate identity", zap.String("identity_id", s.ID))
			continue
		}
		if len(s.Embeddings) == 0 {
			logger.Warn("skipping identity without embeddings", zap.String("identity_id", s.ID))
			continue
		}

		vecs := make([]embedding.Vector, len(s.Embeddings))
		for i, e := range s.Embeddings {
			vecs[i] = embedding.Vector(e.Embedding)
		}
		if !embedding.SameDim(vecs) {
			logger.Warn("skipping identity with mixed embedding dimensions", zap.String("identity_id", s.ID))
			continue
		}
		if dim == 0 {
			dim = vecs[0].Dim()
		} else if vecs[0].Dim() != dim {
			logger.Warn("skipping identity with foreign embedding dimension",
				zap.String("identity_id", s.ID),
				zap.Int("dim", vecs[0].Dim()),
				zap.Int("snapshot_dim", dim))
			continue
		}

		seen[s.ID] = struct{}{}
		identities = append(identities, &Identity{
			ID:          s.ID,
			DisplayName: s.DisplayName,
			ExternalRef: s.ExternalRef,
			Embeddings:  vecs,
			EnrolledAt:  s.EnrolledAt,
		})
	}
	return identities
}

// Identities returns the identities in insertion order. The slice is a copy; the identities
// themselves are shared and must not be modified.
func (s *Snapshot) Identities() []*Identity {
	if s == nil {
		return nil
	}
	return slices.Clone(s.identities)
}

// Len returns the number of identities.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.identities)
}

// EmbeddingCount returns the total number of embeddings across identities.
func (s *Snapshot) EmbeddingCount() int {
	if s == nil {
		return 0
	}
	return s.embeddings
}

// Get returns the identity with the given ID.
func (s *Snapshot) Get(id string) (*Identity, bool) {
	if s == nil {
		return nil, false
	}
	ident, ok := s.byID[id]
	return ident, ok
}

// Index returns the shortlist index, or nil when the snapshot is below the ANN threshold.
func (s *Snapshot) Index() *Index {
	if s == nil {
		return nil
	}
	return s.index
}

// At returns the identity at a snapshot position, as reported by Index.Shortlist.
func (s *Snapshot) At(pos int) *Identity {
	return s.identities[pos]
}

// Age returns how long ago the snapshot was loaded.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.LoadedAt)
}

// FindByName returns identities whose normalized display name contains the normalized query,
// in insertion order. An empty query matches nothing.
func (s *Snapshot) FindByName(query string) []*Identity {
	q := NormalizeName(query)
	if q == "" || s == nil {
		return nil
	}
	var out []*Identity
	for _, ident := range s.identities {
		if strings.Contains(NormalizeName(ident.DisplayName), q) {
			out = append(out, ident)
		}
	}
	return out
}
