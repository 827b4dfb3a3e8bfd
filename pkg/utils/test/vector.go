package testutils

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/vector"
)

// MockVectorDriver is an in-memory vector driver with real cosine ranking
// and payload filtering, so search-order assertions hold in tests.
type MockVectorDriver struct {
	mu     sync.Mutex
	points map[string]vector.Point

	// FailUpsert and FailDelete force follower-step failures for saga
	// compensation tests.
	FailUpsert bool
	FailDelete bool
}

func NewMockVectorDriver() *MockVectorDriver {
	return &MockVectorDriver{points: make(map[string]vector.Point)}
}

func (m *MockVectorDriver) Upsert(_ context.Context, points []vector.Point) error {
	if m.FailUpsert {
		return vector.ErrConnection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *MockVectorDriver) Delete(_ context.Context, ids []string) error {
	if m.FailDelete {
		return vector.ErrConnection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *MockVectorDriver) Search(_ context.Context, f vector.Filter, query []float32, topK int) ([]vector.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []vector.Result
	for _, p := range m.points {
		if p.Owner != f.Owner {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		results = append(results, vector.Result{ID: p.ID, Score: cosine(query, p.Vector)})
	}

	sort.Slice(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MockVectorDriver) ListIDs(_ context.Context, owner memory.Owner) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, p := range m.points {
		if p.Owner == owner {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockVectorDriver) Close() error {
	return nil
}

// Len reports the stored point count.
func (m *MockVectorDriver) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
