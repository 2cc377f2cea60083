// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pca

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/norm"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	tassert "github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func newScaled(data *mat.Dense) *norm.Scaled {
	r, c := data.Dims()
	s := &norm.Scaled{Data: data}
	for i := 0; i < r; i++ {
		s.Genes = append(s.Genes, fmt.Sprintf("G%d", i))
	}
	for j := 0; j < c; j++ {
		s.Cells = append(s.Cells, fmt.Sprintf("C%d", j))
	}
	return s
}

// lowRank returns a genes x cells matrix of the given rank.
func lowRank(genes, cells, rank int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	a := mat.NewDense(genes, rank, nil)
	b := mat.NewDense(rank, cells, nil)
	for i := 0; i < genes; i++ {
		for r := 0; r < rank; r++ {
			a.Set(i, r, rng.NormFloat64()*float64(rank-r))
		}
	}
	for r := 0; r < rank; r++ {
		for j := 0; j < cells; j++ {
			b.Set(r, j, rng.NormFloat64())
		}
	}
	var d mat.Dense
	d.Mul(a, b)
	return &d
}

func TestComponentBound(t *testing.T) {
	for _, test := range []struct {
		genes, cells, want int
	}{
		{5, 4, 3},
		{2, 10, 2},
		{60, 80, 50},
	} {
		e, err := Run(newScaled(lowRank(test.genes, test.cells, 2, 1)), Opts{NComponents: 50, Method: Exact})
		assert.NoError(t, err)
		expect.EQ(t, e.NumComponents(), test.want, "%+v", test)
		r, c := e.Coords.Dims()
		expect.EQ(t, r, test.cells)
		expect.EQ(t, c, test.want)
		r, c = e.Loadings.Dims()
		expect.EQ(t, r, test.genes)
		expect.EQ(t, c, test.want)
	}
}

func TestExplainedVariance(t *testing.T) {
	e, err := Run(newScaled(lowRank(20, 30, 3, 2)), Opts{NComponents: 10, Method: Exact})
	assert.NoError(t, err)
	table := e.ElbowTable()
	expect.EQ(t, len(table), 10)
	var sum float64
	for c, row := range table {
		expect.EQ(t, row.Component, c+1)
		if c > 0 {
			expect.True(t, row.StdDev <= table[c-1].StdDev)
		}
		sum += row.VarianceRatio
	}
	tassert.InDelta(t, 1, sum, 1e-9)
	// A rank-3 matrix has all of its variance in the first 3 components.
	tassert.InDelta(t, 1, table[0].VarianceRatio+table[1].VarianceRatio+table[2].VarianceRatio, 1e-9)
	tassert.InDelta(t, 0, table[3].StdDev, 1e-6)
}

func TestSignConvention(t *testing.T) {
	data := lowRank(15, 25, 4, 3)
	e, err := Run(newScaled(data), Opts{NComponents: 4, Method: Exact})
	assert.NoError(t, err)
	var neg mat.Dense
	neg.Scale(-1, data)
	e2, err := Run(newScaled(&neg), Opts{NComponents: 4, Method: Exact})
	assert.NoError(t, err)
	for c := 0; c < 4; c++ {
		col := mat.Col(nil, c, e.Loadings)
		best := 0
		for g := range col {
			if math.Abs(col[g]) > math.Abs(col[best]) {
				best = g
			}
		}
		expect.True(t, col[best] > 0, "component %d", c)
	}
	// Negating the input negates the cell coordinates but not the loadings.
	for c := 0; c < 4; c++ {
		for g := 0; g < 15; g++ {
			tassert.InDelta(t, e.Loadings.At(g, c), e2.Loadings.At(g, c), 1e-9)
		}
		for j := 0; j < 25; j++ {
			tassert.InDelta(t, -e.Coords.At(j, c), e2.Coords.At(j, c), 1e-9)
		}
	}
}

func TestRandomizedMatchesExact(t *testing.T) {
	data := lowRank(40, 70, 3, 4)
	exact, err := Run(newScaled(data), Opts{NComponents: 3, Method: Exact})
	assert.NoError(t, err)
	opts := DefaultOpts
	opts.NComponents = 3
	opts.Method = Randomized
	approx, err := Run(newScaled(data), opts)
	assert.NoError(t, err)
	for c := 0; c < 3; c++ {
		tassert.InDelta(t, exact.StdDev[c], approx.StdDev[c], 1e-8)
		for j := 0; j < 70; j++ {
			tassert.InDelta(t, exact.Coords.At(j, c), approx.Coords.At(j, c), 1e-6)
		}
	}
	again, err := Run(newScaled(data), opts)
	assert.NoError(t, err)
	expect.True(t, mat.Equal(approx.Coords, again.Coords))
}

func TestCoordsPreserveDistances(t *testing.T) {
	// With all components kept, distances between cells are preserved.
	data := lowRank(6, 10, 6, 5)
	e, err := Run(newScaled(data), Opts{NComponents: 6, Method: Exact})
	assert.NoError(t, err)
	dist := func(get func(j, d int) float64, n, a, b int) float64 {
		var s float64
		for d := 0; d < n; d++ {
			x := get(a, d) - get(b, d)
			s += x * x
		}
		return math.Sqrt(s)
	}
	for a := 0; a < 10; a++ {
		for b := a + 1; b < 10; b++ {
			want := dist(func(j, d int) float64 { return data.At(d, j) }, 6, a, b)
			got := dist(e.Coords.At, e.NumComponents(), a, b)
			tassert.InDelta(t, want, got, 1e-9)
		}
	}
}

func TestErrors(t *testing.T) {
	_, err := Run(newScaled(lowRank(5, 5, 2, 1)), Opts{NComponents: 0, Method: Exact})
	expect.True(t, expr.IsParameter(err))
	_, err = Run(newScaled(mat.NewDense(3, 1, []float64{1, 2, 3})), Opts{NComponents: 2, Method: Exact})
	expect.True(t, expr.IsParameter(err))
	_, err = Run(newScaled(lowRank(5, 5, 2, 1)), Opts{NComponents: 2, Method: "irlba"})
	expect.True(t, expr.IsParameter(err))

	e, err := Run(newScaled(lowRank(5, 5, 2, 1)), Opts{NComponents: 2, Method: Exact})
	assert.NoError(t, err)
	_, err = e.Restrict(3)
	expect.True(t, expr.IsParameter(err))
	coords, err := e.Restrict(1)
	assert.NoError(t, err)
	expect.EQ(t, len(coords), 5)
	expect.EQ(t, len(coords[0]), 1)
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
