// Package vector provides the small dense-vector kernels shared by the
// embedding, clustering and evaluation packages.
//
// All functions accumulate in float64 even for float32 inputs so that
// distance sums over a few hundred dimensions stay stable.
//
// Main Functions:
//   - Norm / SquaredNorm: L2 magnitude of a row
//   - SquaredEuclidean: squared L2 distance, unrolled for the hot path
//   - Euclidean: L2 distance (silhouette)
//   - DotProduct / CosineSimilarity: inner products on embeddings
//   - Normalize / NormalizeInPlace: unit-length rows (prototypes)
//   - Scale: in-place multiplication (long-row halving)
package vector

import "math"

// SquaredNorm returns the sum of squares of v.
func SquaredNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return sum
}

// Norm returns the L2 magnitude of v.
//
// Example:
//
//	Norm([]float32{3, 4}) // 5
func Norm(v []float32) float64 {
	return math.Sqrt(SquaredNorm(v))
}

// SquaredEuclidean returns ‖a-b‖². Mismatched lengths return +Inf so that a
// caller doing nearest-centroid search never picks the broken pair.
//
// The loop is unrolled by four; this is the inner kernel of every
// assignment and silhouette pass.
func SquaredEuclidean(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}

	var sum float64
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := float64(a[i] - b[i])
		d1 := float64(a[i+1] - b[i+1])
		d2 := float64(a[i+2] - b[i+2])
		d3 := float64(a[i+3] - b[i+3])
		sum += d0*d0 + d1*d1 + d2*d2 + d3*d3
	}
	for ; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}

// Euclidean returns ‖a-b‖.
func Euclidean(a, b []float32) float64 {
	return math.Sqrt(SquaredEuclidean(a, b))
}

// DotProduct calculates the dot product of two float32 vectors.
// Returns 0 for mismatched lengths.
//
// For normalized vectors, dot product equals cosine similarity.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	dot := DotProduct(a, b)  // Returns 32.0
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns value in range [-1, 1]; empty, mismatched or zero vectors give 0.
func CosineSimilarity(a, b []float32) float64 {
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

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns a unit-length copy of vec. A zero vector yields a zero
// copy; callers that must reject zero rows check Norm first.
func Normalize(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace normalizes v to unit length and returns the original norm.
// Zero vectors are left untouched and 0 is returned.
//
// WARNING: Modifies the input slice. Use Normalize() to preserve original.
func NormalizeInPlace(v []float32) float64 {
	norm := Norm(v)
	if norm == 0 {
		return 0
	}
	inv := 1.0 / norm
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return norm
}

// Scale multiplies every element of v by f in place.
func Scale(v []float32, f float32) {
	for i := range v {
		v[i] *= f
	}
}
