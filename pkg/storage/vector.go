package storage

import "math"

// CosineSimilarity calculates the cosine similarity between two vectors.
//
// The result ranges from -1 (opposite) to 1 (identical). Vectors with
// mismatched dimensions or zero norm yield 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
