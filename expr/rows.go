// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package expr

// Rows is a row-compressed copy of a Matrix, used by stages that compute
// per-gene statistics.  Iterating a gene's entries in Rows is sequential,
// which lets per-gene loops be split across goroutines without any
// cross-shard reduction.
type Rows struct {
	nCells int
	rowPtr []int
	colIdx []int32
	values []float64
}

// Rows transposes m's storage.  Within each row, column indices are
// increasing.
func (m *Matrix) Rows() *Rows {
	nGenes := m.NumGenes()
	rowPtr := make([]int, nGenes+1)
	for _, r := range m.rowIdx {
		rowPtr[r+1]++
	}
	for i := 0; i < nGenes; i++ {
		rowPtr[i+1] += rowPtr[i]
	}
	next := append([]int(nil), rowPtr[:nGenes]...)
	colIdx := make([]int32, len(m.rowIdx))
	values := make([]float64, len(m.values))
	for j := 0; j < m.NumCells(); j++ {
		rows, vals := m.Column(j)
		for k, r := range rows {
			colIdx[next[r]] = int32(j)
			values[next[r]] = vals[k]
			next[r]++
		}
	}
	return &Rows{nCells: m.NumCells(), rowPtr: rowPtr, colIdx: colIdx, values: values}
}

// NumCells returns the number of columns of the source matrix.
func (r *Rows) NumCells() int { return r.nCells }

// NumGenes returns the number of rows.
func (r *Rows) NumGenes() int { return len(r.rowPtr) - 1 }

// Row returns the nonzero entries of gene i.  The slices alias internal
// storage.
func (r *Rows) Row(i int) (cols []int32, values []float64) {
	start, end := r.rowPtr[i], r.rowPtr[i+1]
	return r.colIdx[start:end], r.values[start:end]
}

// Detected returns the number of cells in which gene i is nonzero.
func (r *Rows) Detected(i int) int { return r.rowPtr[i+1] - r.rowPtr[i] }
