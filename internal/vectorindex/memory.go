package vectorindex

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/example/cattleid/internal/embedding"
)

// Memory is a brute-force cosine index. Writes replace an immutable
// snapshot under a mutex; reads are lock-free against the latest snapshot,
// so concurrent queries never observe a partially applied upsert.
type Memory struct {
	writeMu sync.Mutex
	state   atomic.Value // holds *memoryState
}

type memoryState struct {
	records []Record
	dim     int // fixed by the first upsert
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	m := &Memory{}
	m.state.Store(&memoryState{})
	return m
}

// Upsert inserts rec or replaces an existing record with the same ID. The
// first upsert fixes the index dimensionality.
func (m *Memory) Upsert(_ context.Context, rec Record) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.state.Load().(*memoryState)
	dim := old.dim
	if len(old.records) == 0 {
		dim = len(rec.Vector)
	} else if len(rec.Vector) != dim {
		return &embedding.DimensionMismatchError{Left: len(rec.Vector), Right: dim}
	}

	stored := rec
	stored.Vector = append([]float32(nil), rec.Vector...)

	next := make([]Record, 0, len(old.records)+1)
	replaced := false
	for _, r := range old.records {
		if r.ID == rec.ID {
			next = append(next, stored)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, stored)
	}

	m.state.Store(&memoryState{records: next, dim: dim})
	return nil
}

// Query scans every record and returns the topK candidates by descending
// cosine similarity.
func (m *Memory) Query(_ context.Context, vector []float32, topK int) ([]Match, error) {
	state := m.state.Load().(*memoryState)
	if len(state.records) == 0 || topK <= 0 {
		return nil, nil
	}
	if len(vector) != state.dim {
		return nil, &embedding.DimensionMismatchError{Left: len(vector), Right: state.dim}
	}

	matches := make([]Match, 0, len(state.records))
	for _, r := range state.records {
		score, err := embedding.CosineSimilarity(vector, r.Vector)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{
			ID:    r.ID,
			Score: score,
			Name:  r.Name,
			Lat:   r.Lat,
			Lon:   r.Lon,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}
