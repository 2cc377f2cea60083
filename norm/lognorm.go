// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package norm

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/util"
)

// LogNormalize scales each cell's counts to sum to scaleFactor and applies
// log(1+x).  Cells with zero total count have no entries and stay all-zero;
// they are reported with a warning rather than producing NaNs.
func LogNormalize(m *expr.Matrix, scaleFactor float64, parallelism int) (*expr.Matrix, error) {
	if !(scaleFactor > 0) || math.IsInf(scaleFactor, 0) {
		return nil, errors.E(expr.Parameter, fmt.Sprintf("norm: scale factor %v must be positive", scaleFactor))
	}
	values := m.Values()
	zeroCells := make([]bool, m.NumCells())
	err := util.ForEachShard(m.NumCells(), parallelism, func(startIdx, endIdx int) error {
		for j := startIdx; j < endIdx; j++ {
			start, end := m.ColumnRange(j)
			var total float64
			for _, v := range values[start:end] {
				total += v
			}
			if total == 0 {
				zeroCells[j] = true
				continue
			}
			f := scaleFactor / total
			for k := start; k < end; k++ {
				values[k] = math.Log1p(values[k] * f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	nZero := 0
	for j, z := range zeroCells {
		if z {
			if nZero == 0 {
				log.Error.Printf("norm: cell %s has zero total count; leaving it as a zero vector", m.Cells[j])
			}
			nZero++
		}
	}
	if nZero > 1 {
		log.Error.Printf("norm: %d cells in total have zero count", nZero)
	}
	return m.WithValues(values)
}
