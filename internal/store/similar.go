package store

import (
	"errors"
	"math"
	"sync"

	"github.com/coder/hnsw"
)

const hnswMaxNeighbors = 16

// SimilarIndex is an in-memory HNSW graph over description embeddings, used
// for "more like this" lookups without scanning the vector table.
type SimilarIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
}

func NewSimilarIndex() *SimilarIndex {
	return &SimilarIndex{}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

// Rebuild replaces the index contents with the given embeddings.
func (ix *SimilarIndex) Rebuild(embeddings []StoredEmbedding) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(embeddings) == 0 {
		ix.graph = nil
		return
	}
	g := newGraph()
	for _, e := range embeddings {
		if len(e.Vector) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(e.ImageID, e.Vector))
	}
	ix.graph = g
}

// Add inserts or replaces one image's embedding.
func (ix *SimilarIndex) Add(imageID string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.graph == nil {
		ix.graph = newGraph()
	}
	ix.graph.Add(hnsw.MakeNode(imageID, vector))
}

// Delete removes an image from the index.
func (ix *SimilarIndex) Delete(imageID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.graph != nil {
		ix.graph.Delete(imageID)
	}
}

// Count returns the number of indexed images.
func (ix *SimilarIndex) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.graph == nil {
		return 0
	}
	return ix.graph.Len()
}

// Neighbor is one similarity hit.
type Neighbor struct {
	ImageID  string  `json:"image_id"`
	Distance float64 `json:"distance"`
}

// Search returns the k nearest images to the query vector with their cosine
// distances.
func (ix *SimilarIndex) Search(vector []float32, k int) ([]Neighbor, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil {
		return nil, errors.New("similarity index is empty")
	}

	nodes := ix.graph.Search(vector, k)
	out := make([]Neighbor, len(nodes))
	for i, n := range nodes {
		out[i] = Neighbor{ImageID: n.Key, Distance: cosineDistance(vector, n.Value)}
	}
	return out, nil
}

// cosineDistance is 1 - cosine similarity, clamped to [0, 2]. Invalid or zero
// vectors map to the maximum distance.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2.0
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	similarity = math.Max(-1, math.Min(1, similarity))
	return 1 - similarity
}
