// Package search indexes record embeddings for semantic retrieval.
//
// An Index stores one point per record, keyed by a deterministic UUID derived
// from the record kind and natural key, so re-enriching a redelivered record
// overwrites its point instead of duplicating it. Search returns object keys
// and scores only; callers hydrate the record from storage.
package search

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// pointNamespace scopes SHA-1 point IDs to this index.
var pointNamespace = uuid.MustParse("6f3a6c1e-3c1b-5d0e-9a57-6c1f0b2e7d41")

// PointID returns the stable point ID for a record.
func PointID(kind model.Kind, naturalKey string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(string(kind)+":"+naturalKey))
}

// Point is one embedded record.
type Point struct {
	ID            uuid.UUID
	Kind          model.Kind
	NaturalKey    string
	ObjectKey     string
	Timestamp     time.Time
	CompanyDomain string
	OpportunityID string
	Embedding     []float32
}

// Filter narrows a search. Zero fields match everything.
type Filter struct {
	Kind          model.Kind
	CompanyDomain string
	OpportunityID string
}

func (f Filter) matches(p Point) bool {
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	if f.CompanyDomain != "" && p.CompanyDomain != f.CompanyDomain {
		return false
	}
	if f.OpportunityID != "" && p.OpportunityID != f.OpportunityID {
		return false
	}
	return true
}

// Result is one search hit.
type Result struct {
	ID         uuid.UUID
	Kind       model.Kind
	NaturalKey string
	ObjectKey  string
	Score      float32
}

// Index is a vector index over records. Implementations must be safe for
// concurrent use.
type Index interface {
	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to limit hits ordered by descending similarity.
	Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error

	// Close releases connections held by the index.
	Close() error
}

// DefaultLimit is used when a search passes a non-positive limit.
const DefaultLimit = 10

// MemoryIndex is a brute-force cosine index held in process memory.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[uuid.UUID]Point
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[uuid.UUID]Point)}
}

func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		p.Embedding = append([]float32(nil), p.Embedding...)
		m.points[p.ID] = p
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, embedding []float32, filter Filter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.mu.RLock()
	results := make([]Result, 0, len(m.points))
	for _, p := range m.points {
		if !filter.matches(p) {
			continue
		}
		results = append(results, Result{
			ID:         p.ID,
			Kind:       p.Kind,
			NaturalKey: p.NaturalKey,
			ObjectKey:  p.ObjectKey,
			Score:      cosine(embedding, p.Embedding),
		})
	}
	m.mu.RUnlock()
	return Rank(results, limit), nil
}

// Len returns the number of stored points.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func (m *MemoryIndex) Healthy(context.Context) error { return nil }
func (m *MemoryIndex) Close() error                  { return nil }

// Rank sorts results by descending score, breaking ties by object key, and
// truncates to limit.
func Rank(results []Result, limit int) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ObjectKey < results[j].ObjectKey
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
