package vectorstore

import "math"

// Similarity scores two vectors under the given metric. Higher is more similar.
// Euclidean distance is mapped into 0..1 as 1/(1+d).
func Similarity(a, b []float32, metric DistanceMetric) (score float32, distance float32) {
	switch metric {
	case DistanceMetricDotProduct:
		s := DotProduct(a, b)
		return s, -s
	case DistanceMetricEuclidean:
		d := EuclideanDistance(a, b)
		return 1.0 / (1.0 + d), d
	default:
		s := CosineSimilarity(a, b)
		return s, 1 - s
	}
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
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

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var result float32
	for i := range a {
		result += a[i] * b[i]
	}
	return result
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return float32(math.Sqrt(sum))
}

// MatchesFilter evaluates a metadata filter against a document's metadata.
// Must is an AND of equalities; a nil or empty filter matches everything.
func MatchesFilter(metadata map[string]interface{}, filter *MetadataFilter) bool {
	if filter == nil {
		return true
	}

	for key, expected := range filter.Must {
		actual, exists := metadata[key]
		if !exists || actual != expected {
			return false
		}
	}

	if len(filter.Should) > 0 {
		matchedAny := false
		for key, expected := range filter.Should {
			if actual, exists := metadata[key]; exists && actual == expected {
				matchedAny = true
				break
			}
		}
		if !matchedAny {
			return false
		}
	}

	for key, rejected := range filter.MustNot {
		if actual, exists := metadata[key]; exists && actual == rejected {
			return false
		}
	}

	return true
}
