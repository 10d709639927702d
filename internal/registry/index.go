package registry

import (
	"github.com/coder/hnsw"
	"github.com/kozaktomas/rollcall/internal/embedding"
)

// HNSW parameters for the shortlist graph.
const (
	hnswMaxNeighbors = 16
	hnswEfSearch     = 64
)

// Index is an approximate nearest-neighbour graph over every embedding of a snapshot.
// It is built once with the snapshot and only read afterwards.
type Index struct {
	graph *hnsw.Graph[int64]
	owner []int // node key -> position in Snapshot.identities
}

// buildIndex adds every embedding of every identity to a Euclidean HNSW graph.
func buildIndex(identities []*Identity) *Index {
	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.EfSearch = hnswEfSearch
	g.Distance = hnsw.EuclideanDistance

	idx := &Index{graph: g}
	for pos, ident := range identities {
		for _, emb := range ident.Embeddings {
			key := int64(len(idx.owner))
			idx.owner = append(idx.owner, pos)
			g.Add(hnsw.MakeNode(key, []float32(emb)))
		}
	}
	return idx
}

// Len returns the number of indexed embeddings.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.owner)
}

// Shortlist returns snapshot positions of the identities owning the k embeddings nearest to
// probe, deduplicated, in the order the graph returned them. When those embeddings belong to
// fewer than two identities, k is doubled until a runner-up appears or the index is exhausted.
func (idx *Index) Shortlist(probe embedding.Vector, k int) []int {
	if idx == nil || k <= 0 || len(idx.owner) == 0 {
		return nil
	}

	k = min(k, len(idx.owner))
	for {
		positions := idx.search(probe, k)
		if len(positions) >= 2 || k >= len(idx.owner) {
			return positions
		}
		k = min(k*2, len(idx.owner))
	}
}

func (idx *Index) search(probe embedding.Vector, k int) []int {
	neighbors := idx.graph.Search([]float32(probe), k)
	seen := make(map[int]struct{}, len(neighbors))
	positions := make([]int, 0, len(neighbors))
	for _, n := range neighbors {
		pos := idx.owner[n.Key]
		if _, ok := seen[pos]; ok {
			continue
		}
		seen[pos] = struct{}{}
		positions = append(positions, pos)
	}
	return positions
}
