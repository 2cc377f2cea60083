// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package expr

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// Gene identifies one row of a Matrix.  ID is the stable identifier (for
// 10x data, the Ensembl ID); Name is the display symbol that QC patterns and
// feature lists refer to.  Both are unique within a Matrix.
type Gene struct {
	ID   string
	Name string
}

// Matrix is an immutable sparse gene x cell expression matrix.  Genes are
// rows and cells are columns.  Storage is column-compressed: the nonzero
// entries of cell j are rowIdx[colPtr[j]:colPtr[j+1]] with the matching
// values, and row indices are strictly increasing within a column.
//
// The same type carries raw counts and normalized values.  All values are
// non-negative; scaled (z-scored) data is dense and lives in norm.Scaled.
type Matrix struct {
	Genes []Gene
	Cells []string

	colPtr []int
	rowIdx []int32
	values []float64

	geneByName map[string]int
	geneByID   map[string]int
}

// New creates a Matrix from column-compressed arrays.  The arrays are owned
// by the Matrix afterwards and must not be modified by the caller.
func New(genes []Gene, cells []string, colPtr []int, rowIdx []int32, values []float64) (*Matrix, error) {
	m := &Matrix{
		Genes:  genes,
		Cells:  cells,
		colPtr: colPtr,
		rowIdx: rowIdx,
		values: values,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matrix) validate() error {
	if len(m.colPtr) != len(m.Cells)+1 {
		return errors.E(MalformedInput, fmt.Sprintf("matrix has %d column pointers for %d cells", len(m.colPtr), len(m.Cells)))
	}
	if len(m.rowIdx) != len(m.values) {
		return errors.E(MalformedInput, fmt.Sprintf("matrix has %d row indices but %d values", len(m.rowIdx), len(m.values)))
	}
	if m.colPtr[0] != 0 || m.colPtr[len(m.Cells)] != len(m.values) {
		return errors.E(MalformedInput, "matrix column pointers do not span the value array")
	}
	nGenes := len(m.Genes)
	for j := range m.Cells {
		start, end := m.colPtr[j], m.colPtr[j+1]
		if end < start {
			return errors.E(MalformedInput, fmt.Sprintf("cell %d: decreasing column pointer", j))
		}
		prev := int32(-1)
		for k := start; k < end; k++ {
			r := m.rowIdx[k]
			if r <= prev || int(r) >= nGenes {
				return errors.E(MalformedInput, fmt.Sprintf("cell %d: row index %d out of order or out of range [0,%d)", j, r, nGenes))
			}
			if m.values[k] < 0 {
				return errors.E(MalformedInput, fmt.Sprintf("negative value %v at gene %d, cell %d", m.values[k], r, j))
			}
			prev = r
		}
	}
	m.geneByName = make(map[string]int, nGenes)
	m.geneByID = make(map[string]int, nGenes)
	for i, g := range m.Genes {
		if _, ok := m.geneByName[g.Name]; ok {
			return errors.E(MalformedInput, "duplicate gene name", g.Name)
		}
		if _, ok := m.geneByID[g.ID]; ok {
			return errors.E(MalformedInput, "duplicate gene ID", g.ID)
		}
		m.geneByName[g.Name] = i
		m.geneByID[g.ID] = i
	}
	seen := make(map[string]struct{}, len(m.Cells))
	for _, c := range m.Cells {
		if _, ok := seen[c]; ok {
			return errors.E(MalformedInput, "duplicate cell barcode", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Triplet is one (gene, cell, value) entry, with 0-based indices.
type Triplet struct {
	Gene, Cell int
	Value      float64
}

// FromTriplets builds a Matrix from coordinate entries.  Entries may appear
// in any order; repeated coordinates are summed and explicit zeros dropped.
func FromTriplets(genes []Gene, cells []string, entries []Triplet) (*Matrix, error) {
	nGenes, nCells := len(genes), len(cells)
	counts := make([]int, nCells+1)
	for _, e := range entries {
		if e.Gene < 0 || e.Gene >= nGenes || e.Cell < 0 || e.Cell >= nCells {
			return nil, errors.E(MalformedInput, fmt.Sprintf("entry (%d,%d) outside a %dx%d matrix", e.Gene, e.Cell, nGenes, nCells))
		}
		counts[e.Cell+1]++
	}
	for j := 0; j < nCells; j++ {
		counts[j+1] += counts[j]
	}
	sorted := make([]Triplet, len(entries))
	next := append([]int(nil), counts[:nCells]...)
	for _, e := range entries {
		sorted[next[e.Cell]] = e
		next[e.Cell]++
	}
	colPtr := make([]int, nCells+1)
	rowIdx := make([]int32, 0, len(entries))
	values := make([]float64, 0, len(entries))
	for j := 0; j < nCells; j++ {
		col := sorted[counts[j]:counts[j+1]]
		sort.Slice(col, func(a, b int) bool { return col[a].Gene < col[b].Gene })
		for k := 0; k < len(col); {
			r, v := col[k].Gene, col[k].Value
			for k++; k < len(col) && col[k].Gene == r; k++ {
				v += col[k].Value
			}
			if v != 0 {
				rowIdx = append(rowIdx, int32(r))
				values = append(values, v)
			}
		}
		colPtr[j+1] = len(values)
	}
	return New(genes, cells, colPtr, rowIdx, values)
}

// FromDense builds a Matrix from data[gene][cell].
func FromDense(genes []Gene, cells []string, data [][]float64) (*Matrix, error) {
	if len(data) != len(genes) {
		return nil, errors.E(MalformedInput, fmt.Sprintf("%d rows of data for %d genes", len(data), len(genes)))
	}
	var entries []Triplet
	for i, row := range data {
		if len(row) != len(cells) {
			return nil, errors.E(MalformedInput, fmt.Sprintf("gene %d: %d values for %d cells", i, len(row), len(cells)))
		}
		for j, v := range row {
			if v != 0 {
				entries = append(entries, Triplet{Gene: i, Cell: j, Value: v})
			}
		}
	}
	return FromTriplets(genes, cells, entries)
}

// NumGenes returns the number of rows.
func (m *Matrix) NumGenes() int { return len(m.Genes) }

// NumCells returns the number of columns.
func (m *Matrix) NumCells() int { return len(m.Cells) }

// NNZ returns the number of stored nonzero entries.
func (m *Matrix) NNZ() int { return len(m.values) }

// Column returns the nonzero entries of cell j.  The returned slices alias
// the matrix storage and must not be modified.
func (m *Matrix) Column(j int) (rows []int32, values []float64) {
	start, end := m.colPtr[j], m.colPtr[j+1]
	return m.rowIdx[start:end], m.values[start:end]
}

// At returns the value at (gene i, cell j).
func (m *Matrix) At(i, j int) float64 {
	rows, values := m.Column(j)
	k := sort.Search(len(rows), func(k int) bool { return int(rows[k]) >= i })
	if k < len(rows) && int(rows[k]) == i {
		return values[k]
	}
	return 0
}

// GeneIndex returns the row of the gene with the given name or ID, or -1.
// Names take precedence over IDs.
func (m *Matrix) GeneIndex(key string) int {
	if i, ok := m.geneByName[key]; ok {
		return i
	}
	if i, ok := m.geneByID[key]; ok {
		return i
	}
	return -1
}

// GeneNames returns the gene names in row order.
func (m *Matrix) GeneNames() []string {
	names := make([]string, len(m.Genes))
	for i, g := range m.Genes {
		names[i] = g.Name
	}
	return names
}

// ColumnSums returns the total value of each cell.
func (m *Matrix) ColumnSums() []float64 {
	sums := make([]float64, m.NumCells())
	for j := range sums {
		_, values := m.Column(j)
		for _, v := range values {
			sums[j] += v
		}
	}
	return sums
}

// WithValues returns a matrix with the same genes, cells and sparsity
// pattern as m but different stored values.  len(values) must equal NNZ.
func (m *Matrix) WithValues(values []float64) (*Matrix, error) {
	if len(values) != len(m.values) {
		return nil, errors.E(Parameter, fmt.Sprintf("got %d values for a matrix with %d nonzeros", len(values), len(m.values)))
	}
	for _, v := range values {
		if v < 0 {
			return nil, errors.E(MalformedInput, fmt.Sprintf("negative value %v", v))
		}
	}
	return &Matrix{
		Genes:      m.Genes,
		Cells:      m.Cells,
		colPtr:     m.colPtr,
		rowIdx:     m.rowIdx,
		values:     values,
		geneByName: m.geneByName,
		geneByID:   m.geneByID,
	}, nil
}

// Values returns a copy of the stored values in column-major order; it is
// the inverse of WithValues.
func (m *Matrix) Values() []float64 {
	return append([]float64(nil), m.values...)
}

// ColumnRange returns the half-open range of the value array that holds the
// entries of cell j.  Together with Values and WithValues it lets callers
// transform a matrix one cell at a time.
func (m *Matrix) ColumnRange(j int) (start, end int) {
	return m.colPtr[j], m.colPtr[j+1]
}

// SubsetCells returns a matrix holding only the given cells, in the given
// order.
func (m *Matrix) SubsetCells(keep []int) *Matrix {
	cells := make([]string, len(keep))
	colPtr := make([]int, len(keep)+1)
	n := 0
	for _, j := range keep {
		n += m.colPtr[j+1] - m.colPtr[j]
	}
	rowIdx := make([]int32, 0, n)
	values := make([]float64, 0, n)
	for k, j := range keep {
		cells[k] = m.Cells[j]
		rows, vals := m.Column(j)
		rowIdx = append(rowIdx, rows...)
		values = append(values, vals...)
		colPtr[k+1] = len(values)
	}
	return &Matrix{
		Genes:      m.Genes,
		Cells:      cells,
		colPtr:     colPtr,
		rowIdx:     rowIdx,
		values:     values,
		geneByName: m.geneByName,
		geneByID:   m.geneByID,
	}
}

// SubsetGenes returns a matrix holding only the given genes.  keep must be
// strictly increasing so that row order, and hence column sortedness, is
// preserved.
func (m *Matrix) SubsetGenes(keep []int) *Matrix {
	remap := make([]int32, m.NumGenes())
	for i := range remap {
		remap[i] = -1
	}
	genes := make([]Gene, len(keep))
	for k, i := range keep {
		if k > 0 && keep[k-1] >= i {
			panic(fmt.Sprintf("SubsetGenes: indices not increasing at %d", k))
		}
		remap[i] = int32(k)
		genes[k] = m.Genes[i]
	}
	colPtr := make([]int, m.NumCells()+1)
	rowIdx := make([]int32, 0, len(m.rowIdx))
	values := make([]float64, 0, len(m.values))
	for j := 0; j < m.NumCells(); j++ {
		rows, vals := m.Column(j)
		for k, r := range rows {
			if nr := remap[r]; nr >= 0 {
				rowIdx = append(rowIdx, nr)
				values = append(values, vals[k])
			}
		}
		colPtr[j+1] = len(values)
	}
	out := &Matrix{
		Genes:  genes,
		Cells:  m.Cells,
		colPtr: colPtr,
		rowIdx: rowIdx,
		values: values,
	}
	out.geneByName = make(map[string]int, len(genes))
	out.geneByID = make(map[string]int, len(genes))
	for i, g := range genes {
		out.geneByName[g.Name] = i
		out.geneByID[g.ID] = i
	}
	return out
}

// Dense returns the matrix as data[gene][cell].  Intended for small
// matrices and tests.
func (m *Matrix) Dense() [][]float64 {
	data := make([][]float64, m.NumGenes())
	for i := range data {
		data[i] = make([]float64, m.NumCells())
	}
	for j := 0; j < m.NumCells(); j++ {
		rows, values := m.Column(j)
		for k, r := range rows {
			data[r][j] = values[k]
		}
	}
	return data
}

// Equal reports whether two matrices have identical genes, cells and
// entries.
func (m *Matrix) Equal(o *Matrix) bool {
	if len(m.Genes) != len(o.Genes) || len(m.Cells) != len(o.Cells) || len(m.values) != len(o.values) {
		return false
	}
	for i := range m.Genes {
		if m.Genes[i] != o.Genes[i] {
			return false
		}
	}
	for j := range m.Cells {
		if m.Cells[j] != o.Cells[j] || m.colPtr[j+1] != o.colPtr[j+1] {
			return false
		}
	}
	for k := range m.values {
		if m.rowIdx[k] != o.rowIdx[k] || m.values[k] != o.values[k] {
			return false
		}
	}
	return true
}
