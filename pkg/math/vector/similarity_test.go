package vector

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		epsilon  float64
	}{
		{
			name:     "identical vectors",
			a:        []float32{1.0, 0.0, 0.0},
			b:        []float32{1.0, 0.0, 0.0},
			expected: 1.0,
			epsilon:  0.001,
		},
		{
			name:     "orthogonal vectors",
			a:        []float32{1.0, 0.0, 0.0},
			b:        []float32{0.0, 1.0, 0.0},
			expected: 0.0,
			epsilon:  0.001,
		},
		{
			name:     "opposite vectors",
			a:        []float32{1.0, 0.0, 0.0},
			b:        []float32{-1.0, 0.0, 0.0},
			expected: -1.0,
			epsilon:  0.001,
		},
		{
			name:     "similar vectors",
			a:        []float32{1.0, 2.0, 3.0},
			b:        []float32{4.0, 5.0, 6.0},
			expected: 0.9746318461970762,
			epsilon:  0.001,
		},
		{
			name:     "mismatched dimensions",
			a:        []float32{1.0, 2.0},
			b:        []float32{1.0, 2.0, 3.0},
			expected: 0,
			epsilon:  0.001,
		},
		{
			name:     "zero vector",
			a:        []float32{0.0, 0.0, 0.0},
			b:        []float32{1.0, 2.0, 3.0},
			expected: 0,
			epsilon:  0.001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.epsilon {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSquaredEuclidean(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
	}{
		{"same point", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"unit apart", []float32{0, 0}, []float32{1, 0}, 1},
		{"unrolled tail", []float32{1, 1, 1, 1, 1}, []float32{0, 0, 0, 0, 0}, 5},
		{"three four five", []float32{0, 0}, []float32{3, 4}, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SquaredEuclidean(tt.a, tt.b)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("SquaredEuclidean() = %v, want %v", got, tt.expected)
			}
		})
	}

	t.Run("mismatched lengths", func(t *testing.T) {
		if !math.IsInf(SquaredEuclidean([]float32{1}, []float32{1, 2}), 1) {
			t.Error("expected +Inf for mismatched lengths")
		}
	})
}

func TestNormalize(t *testing.T) {
	original := []float32{3, 4}
	got := Normalize(original)

	if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
		t.Errorf("Normalize() = %v, want [0.6 0.8]", got)
	}
	if original[0] != 3 || original[1] != 4 {
		t.Error("Normalize() modified its input")
	}
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{0, 2, 0}
	norm := NormalizeInPlace(v)
	if norm != 2 {
		t.Errorf("returned norm = %v, want 2", norm)
	}
	if math.Abs(Norm(v)-1) > 1e-6 {
		t.Errorf("Norm after normalize = %v, want 1", Norm(v))
	}

	zero := []float32{0, 0}
	if NormalizeInPlace(zero) != 0 || zero[0] != 0 || zero[1] != 0 {
		t.Error("zero vector should be left untouched")
	}
}

func TestDotProductAndScale(t *testing.T) {
	a := []float32{1, 2, 3}
	if got := DotProduct(a, []float32{4, 5, 6}); got != 32 {
		t.Errorf("DotProduct() = %v, want 32", got)
	}
	Scale(a, 0.5)
	if a[0] != 0.5 || a[2] != 1.5 {
		t.Errorf("Scale() = %v", a)
	}
}
