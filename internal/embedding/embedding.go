// Package embedding defines the face embedding vector and the distance metric used to compare them.
package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two vectors of different dimensionality are compared.
// Extraction always produces vectors of the same dimension, so this signals an internal inconsistency.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Vector is an immutable face embedding of fixed dimension.
type Vector []float32

// Dim returns the dimensionality of the vector.
func (v Vector) Dim() int {
	return len(v)
}

// Distance computes the Euclidean (L2) distance between two embeddings.
func Distance(a, b Vector) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Confidence converts a distance to a confidence in [0, 1].
// The distance is clamped to [0, 1] first; compliant extractors keep same-identity
// distances well below 1.0 and cross-identity distances near or above it.
func Confidence(distance float64) float64 {
	if math.IsNaN(distance) {
		return 0
	}
	return 1 - min(max(distance, 0), 1)
}

// SameDim reports whether all vectors share the dimensionality of the first one.
func SameDim(vectors []Vector) bool {
	if len(vectors) == 0 {
		return true
	}
	dim := len(vectors[0])
	for _, v := range vectors[1:] {
		if len(v) != dim {
			return false
		}
	}
	return true
}
