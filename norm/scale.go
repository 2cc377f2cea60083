// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package norm

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Scaled is a dense genes x cells matrix of z-scores.
type Scaled struct {
	// Genes are the names of the rows of Data.
	Genes []string
	Cells []string
	Data  *mat.Dense
	// Excluded lists requested genes dropped for having zero variance.
	Excluded []string
}

// Scale z-scores the requested genes of the normalized matrix m across
// cells (sample standard deviation) and clips values above maxValue when
// maxValue > 0.  Genes with zero variance cannot be scaled; they are left
// out of the result and listed in Excluded.  Requesting an unknown gene is a
// Parameter error; a result with no genes left is a DegenerateData error.
func Scale(m *expr.Matrix, genes []string, maxValue float64, parallelism int) (*Scaled, error) {
	if m.NumCells() < 2 {
		return nil, errors.E(expr.DegenerateData, fmt.Sprintf("norm: scaling needs at least 2 cells, got %d", m.NumCells()))
	}
	if maxValue < 0 {
		return nil, errors.E(expr.Parameter, fmt.Sprintf("norm: negative max value %v", maxValue))
	}
	rowsIdx := make([]int, len(genes))
	seen := make(map[int]bool, len(genes))
	for k, name := range genes {
		i := m.GeneIndex(name)
		if i < 0 {
			if guess, _ := util.Closest(name, m.GeneNames()); guess != "" {
				return nil, errors.E(expr.Parameter, fmt.Sprintf("norm: unknown gene %q (did you mean %q?)", name, guess))
			}
			return nil, errors.E(expr.Parameter, fmt.Sprintf("norm: unknown gene %q", name))
		}
		if seen[i] {
			return nil, errors.E(expr.Parameter, fmt.Sprintf("norm: gene %q requested twice", name))
		}
		seen[i] = true
		rowsIdx[k] = i
	}

	rows := m.Rows()
	nCells := m.NumCells()
	dense := make([][]float64, len(genes))
	keep := make([]bool, len(genes))
	err := util.ForEachShard(len(genes), parallelism, func(start, end int) error {
		for k := start; k < end; k++ {
			row := make([]float64, nCells)
			cols, values := rows.Row(rowsIdx[k])
			for e, j := range cols {
				row[j] = values[e]
			}
			mean, sd := stat.MeanStdDev(row, nil)
			if !(sd > 0) {
				continue
			}
			for j, v := range row {
				z := (v - mean) / sd
				if maxValue > 0 && z > maxValue {
					z = maxValue
				}
				row[j] = z
			}
			dense[k] = row
			keep[k] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &Scaled{Cells: m.Cells}
	var data []float64
	for k, name := range genes {
		if !keep[k] {
			s.Excluded = append(s.Excluded, name)
			continue
		}
		s.Genes = append(s.Genes, name)
		data = append(data, dense[k]...)
	}
	if len(s.Excluded) > 0 {
		log.Error.Printf("norm: excluded %d zero-variance genes from scaling, e.g. %s", len(s.Excluded), s.Excluded[0])
	}
	if len(s.Genes) == 0 {
		return nil, errors.E(expr.DegenerateData, "norm: every requested gene has zero variance")
	}
	s.Data = mat.NewDense(len(s.Genes), nCells, data)
	return s, nil
}
