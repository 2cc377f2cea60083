// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package umap

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/optimize"
)

const curvePoints = 300

// fitCurve finds a and b such that 1 / (1 + a x^(2b)) best approximates,
// in the least-squares sense on [0, 3*spread], the curve that is 1 below
// minDist and decays as exp(-(x - minDist) / spread) above it.
func fitCurve(minDist, spread float64) (a, b float64, err error) {
	xs := make([]float64, curvePoints)
	ys := make([]float64, curvePoints)
	for i := range xs {
		xs[i] = 3 * spread * float64(i) / float64(curvePoints-1)
		ys[i] = 1
		if xs[i] >= minDist {
			ys[i] = math.Exp(-(xs[i] - minDist) / spread)
		}
	}
	// Search over log a and log b to keep both positive.
	p := optimize.Problem{
		Func: func(x []float64) float64 {
			a, b := math.Exp(x[0]), math.Exp(x[1])
			var ss float64
			for i, xi := range xs {
				r := 1/(1+a*math.Pow(xi, 2*b)) - ys[i]
				ss += r * r
			}
			return ss
		},
	}
	result, err := optimize.Minimize(p, []float64{0, 0}, nil, &optimize.NelderMead{})
	if result == nil {
		return 0, 0, errors.E(err, fmt.Sprintf("umap: fitting curve for min dist %v, spread %v", minDist, spread))
	}
	return math.Exp(result.X[0]), math.Exp(result.X[1]), nil
}
