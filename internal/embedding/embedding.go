// Package embedding post-processes raw feature vectors and computes the
// similarity metric used for matching. All stored and queried vectors are
// unit-normalized so cosine similarity and Euclidean distance agree on
// ordering.
package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerateEmbedding reports a vector whose L2 norm is zero or
// non-finite, typically the product of a blank image or corrupted model
// output. Such a vector must never be stored or compared.
var ErrDegenerateEmbedding = errors.New("embedding: degenerate vector with zero or non-finite norm")

// DimensionMismatchError reports two vectors of different lengths. This is
// a configuration error and should not occur in production.
type DimensionMismatchError struct {
	Left  int
	Right int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding: dimension mismatch: %d vs %d", e.Left, e.Right)
}

// Normalize returns v scaled to unit L2 norm. The input is not modified.
func Normalize(v []float32) ([]float32, error) {
	norm := l2norm(v)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, ErrDegenerateEmbedding
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b. Both
// inputs are re-normalized defensively, which is a no-op for vectors that
// are already unit length.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Left: len(a), Right: len(b)}
	}

	normA := l2norm(a)
	normB := l2norm(b)
	if normA == 0 || normB == 0 ||
		math.IsNaN(normA) || math.IsInf(normA, 0) ||
		math.IsNaN(normB) || math.IsInf(normB, 0) {
		return 0, ErrDegenerateEmbedding
	}

	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB), nil
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
