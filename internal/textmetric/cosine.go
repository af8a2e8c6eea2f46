package textmetric

import "math"

// CosineSimilarity returns the cosine of the angle between two vectors.
// Mismatched lengths or a zero-norm vector yield NaN; callers treat NaN
// samples as skips.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 minus cosine similarity; NaN propagates.
func CosineDistance(a, b []float64) float64 {
	return 1 - CosineSimilarity(a, b)
}
