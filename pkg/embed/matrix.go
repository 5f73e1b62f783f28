package embed

import (
	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/math/vector"
	"gonum.org/v1/gonum/mat"
)

// DefaultNormThreshold is the row norm above which HalveLongRows halves a
// row.
const DefaultNormThreshold = 1.5

// Matrix is a dense row-major float32 matrix with Rows×Dims values.
type Matrix struct {
	Rows int
	Dims int
	Data []float32
}

// NewMatrix allocates a zero matrix.
func NewMatrix(rows, dims int) *Matrix {
	return &Matrix{Rows: rows, Dims: dims, Data: make([]float32, rows*dims)}
}

// FromRows copies equal-width rows into a Matrix.
func FromRows(rows [][]float32) (*Matrix, error) {
	if len(rows) == 0 {
		return &Matrix{}, nil
	}
	dims := len(rows[0])
	m := &Matrix{Rows: len(rows), Dims: dims, Data: make([]float32, 0, len(rows)*dims)}
	for i, r := range rows {
		if len(r) != dims {
			return nil, errors.Newf("row %d has %d values, want %d", i, len(r), dims)
		}
		m.Data = append(m.Data, r...)
	}
	return m, nil
}

// Row returns row i, sharing memory with the matrix.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Dims : (i+1)*m.Dims]
}

// HalveLongRows halves, in place, every row whose L2 norm exceeds
// threshold, and returns how many rows changed.
func (m *Matrix) HalveLongRows(threshold float64) int {
	changed := 0
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		if vector.Norm(row) > threshold {
			vector.Scale(row, 0.5)
			changed++
		}
	}
	return changed
}

// Dense converts the matrix to a float64 gonum matrix.
func (m *Matrix) Dense() *mat.Dense {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(m.Rows, m.Dims, data)
}

// FromDense converts a gonum matrix back to float32.
func FromDense(d *mat.Dense) *Matrix {
	r, c := d.Dims()
	m := NewMatrix(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Data[i*c+j] = float32(d.At(i, j))
		}
	}
	return m
}
