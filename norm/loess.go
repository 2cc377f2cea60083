// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package norm

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/grailbio/scrna/util"
)

// loess fits y against x with locally weighted quadratic regression and
// returns the fitted value at every x.  Each fit uses the ceil(span*n)
// nearest points with tricube weights.  The fit is computed exactly at every
// point (R's surface="direct"), not interpolated.
func loess(x, y []float64, span float64, parallelism int) []float64 {
	n := len(x)
	fitted := make([]float64, n)
	if n == 0 {
		return fitted
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })
	xs := make([]float64, n)
	ys := make([]float64, n)
	for k, i := range order {
		xs[k], ys[k] = x[i], y[i]
	}
	q := int(math.Ceil(span * float64(n)))
	if q < 3 {
		q = 3
	}
	if q > n {
		q = n
	}
	_ = util.ForEachShard(n, parallelism, func(start, end int) error {
		// lo is the start of the q-point window nearest x0.  It only moves
		// right as x0 increases, and every shard converges to the same
		// window, so the fit does not depend on parallelism.
		lo := 0
		for k := start; k < end; k++ {
			x0 := xs[k]
			for lo+q < n && x0-xs[lo] > xs[lo+q]-x0 {
				lo++
			}
			fitted[order[k]] = localFit(xs[lo:lo+q], ys[lo:lo+q], x0)
		}
		return nil
	})
	return fitted
}

// localFit evaluates at x0 the weighted quadratic fit of y on x.
func localFit(x, y []float64, x0 float64) float64 {
	var maxDist float64
	for _, v := range x {
		if d := math.Abs(v - x0); d > maxDist {
			maxDist = d
		}
	}
	w := make([]float64, len(x))
	for i, v := range x {
		if maxDist == 0 {
			w[i] = 1
			continue
		}
		u := math.Abs(v-x0) / (maxDist * 1.0000001)
		t := 1 - u*u*u
		w[i] = t * t * t
	}
	// Normal equations in the centered variable d = x - x0; the fitted value
	// at x0 is the intercept.
	var s [5]float64
	var r [3]float64
	for i, v := range x {
		d := v - x0
		p := w[i]
		for k := 0; k < 5; k++ {
			s[k] += p
			if k < 3 {
				r[k] += p * y[i]
			}
			p *= d
		}
	}
	a := mat.NewDense(3, 3, []float64{
		s[0], s[1], s[2],
		s[1], s[2], s[3],
		s[2], s[3], s[4],
	})
	b := mat.NewVecDense(3, r[:])
	var beta mat.VecDense
	if err := beta.SolveVec(a, b); err == nil {
		return beta.AtVec(0)
	}
	// Too few distinct x values for a quadratic; use the weighted mean.
	if s[0] == 0 {
		return 0
	}
	return r[0] / s[0]
}
