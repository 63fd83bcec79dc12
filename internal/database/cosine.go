package database

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// CosineSimilarity returns the cosine similarity of two vectors in [-1, 1].
// Mismatched lengths, empty input and zero-magnitude vectors all yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	dot := float64(vek32.Dot(a, b))
	normA := float64(vek32.Dot(a, a))
	normB := float64(vek32.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return similarity
}

// CosineDistance computes 1 - CosineSimilarity.
// Returns 2 (maximum distance) for inputs CosineSimilarity cannot compare.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}
	if vek32.Dot(a, a) == 0 || vek32.Dot(b, b) == 0 {
		return 2.0
	}
	return 1 - CosineSimilarity(a, b)
}
