// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pca computes principal component embeddings of scaled expression
// data.
package pca

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/norm"
	"gonum.org/v1/gonum/mat"
)

// Methods accepted in Opts.Method.
const (
	Auto       = "auto"
	Exact      = "exact"
	Randomized = "randomized"
)

// Opts configures Run.
type Opts struct {
	// NComponents is the number of components requested.  The result has
	// min(NComponents, #cells-1, #genes) components.
	NComponents int `yaml:"n_components"`
	// Method is Exact (thin SVD), Randomized (Halko et al. 2011), or Auto,
	// which picks Randomized for large inputs.
	Method string `yaml:"method"`
	// Oversample and PowerIters tune the randomized method.
	Oversample int `yaml:"oversample"`
	PowerIters int `yaml:"power_iters"`
	// Seed seeds the randomized method's test matrix.
	Seed int64 `yaml:"seed"`
}

// DefaultOpts matches the reference workflow.
var DefaultOpts = Opts{
	NComponents: 50,
	Method:      Auto,
	Oversample:  10,
	PowerIters:  4,
	Seed:        42,
}

// Validate checks opts without reference to any matrix.
func (o Opts) Validate() error {
	if o.NComponents < 1 {
		return errors.E(expr.Parameter, fmt.Sprintf("pca: need at least one component, got %d", o.NComponents))
	}
	switch o.Method {
	case Auto, Exact, Randomized:
	default:
		return errors.E(expr.Parameter, fmt.Sprintf("pca: unknown method %q", o.Method))
	}
	if o.Oversample < 0 || o.PowerIters < 0 {
		return errors.E(expr.Parameter, fmt.Sprintf("pca: negative oversampling %d or power iterations %d", o.Oversample, o.PowerIters))
	}
	return nil
}

// Embedding is the result of Run.  Components are ordered by decreasing
// variance.  The sign of each component is chosen so that its
// largest-magnitude loading is positive.
type Embedding struct {
	Cells []string
	Genes []string
	// Coords holds the cell coordinates, #cells x #components.
	Coords *mat.Dense
	// Loadings holds the gene loadings, #genes x #components.
	Loadings *mat.Dense
	// StdDev is the standard deviation of the cells along each component.
	StdDev []float64
	// TotalVariance is the summed variance of all genes of the input, the
	// denominator of VarianceRatio.
	TotalVariance float64
}

// NumComponents returns the number of computed components.
func (e *Embedding) NumComponents() int { return len(e.StdDev) }

// Restrict returns the coordinates of every cell on the first dims
// components, one row per cell.
func (e *Embedding) Restrict(dims int) ([][]float64, error) {
	if dims < 1 || dims > e.NumComponents() {
		return nil, errors.E(expr.Parameter, fmt.Sprintf("pca: %d dims requested, embedding has %d components", dims, e.NumComponents()))
	}
	out := make([][]float64, len(e.Cells))
	for j := range out {
		out[j] = make([]float64, dims)
		for c := 0; c < dims; c++ {
			out[j][c] = e.Coords.At(j, c)
		}
	}
	return out, nil
}

// ComponentVariance is one row of an elbow table.
type ComponentVariance struct {
	Component     int
	StdDev        float64
	VarianceRatio float64
}

// ElbowTable returns the standard deviation and explained variance ratio of
// each component, the data behind an elbow plot used to choose the number
// of dimensions for neighbor search.
func (e *Embedding) ElbowTable() []ComponentVariance {
	t := make([]ComponentVariance, len(e.StdDev))
	for c, sd := range e.StdDev {
		t[c] = ComponentVariance{Component: c + 1, StdDev: sd}
		if e.TotalVariance > 0 {
			t[c].VarianceRatio = sd * sd / e.TotalVariance
		}
	}
	return t
}

// Run computes the principal components of s.  Cells are observations and
// genes are variables; each gene is re-centered before the decomposition
// (a no-op unless Scale clipped it).
func Run(s *norm.Scaled, opts Opts) (*Embedding, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	nGenes, nCells := s.Data.Dims()
	if nCells < 2 {
		return nil, errors.E(expr.Parameter, fmt.Sprintf("pca: need at least 2 cells, got %d", nCells))
	}
	k := opts.NComponents
	if k > nCells-1 {
		k = nCells - 1
	}
	if k > nGenes {
		k = nGenes
	}
	if k < opts.NComponents {
		log.Printf("pca: computing %d components instead of %d for a %d cells x %d genes matrix", k, opts.NComponents, nCells, nGenes)
	}

	x := mat.DenseCopyOf(s.Data.T())
	var total float64
	for g := 0; g < nGenes; g++ {
		col := mat.Col(nil, g, x)
		var mean float64
		for _, v := range col {
			mean += v
		}
		mean /= float64(nCells)
		for j, v := range col {
			d := v - mean
			x.Set(j, g, d)
			total += d * d
		}
	}
	total /= float64(nCells - 1)

	method := opts.Method
	if method == Auto {
		method = Exact
		if minDim := min(nCells, nGenes); minDim > 500 && k < minDim/4 {
			method = Randomized
		}
	}

	var (
		u, v   *mat.Dense
		sigmas []float64
		err    error
	)
	if method == Exact {
		u, v, sigmas, err = exactSVD(x, k)
	} else {
		u, v, sigmas, err = randomizedSVD(x, k, opts)
	}
	if err != nil {
		return nil, err
	}
	fixSigns(u, v)

	e := &Embedding{
		Cells:         s.Cells,
		Genes:         s.Genes,
		Coords:        mat.NewDense(nCells, k, nil),
		Loadings:      v,
		StdDev:        make([]float64, k),
		TotalVariance: total,
	}
	for c := 0; c < k; c++ {
		e.StdDev[c] = sigmas[c] / math.Sqrt(float64(nCells-1))
		for j := 0; j < nCells; j++ {
			e.Coords.Set(j, c, u.At(j, c)*sigmas[c])
		}
	}
	log.Printf("pca: %d components (%s), PC_1 stdev %.3g", k, method, e.StdDev[0])
	return e, nil
}

// exactSVD returns the top k left and right singular vectors of x and the
// singular values.
func exactSVD(x *mat.Dense, k int) (u, v *mat.Dense, sigmas []float64, err error) {
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, nil, nil, errors.E(expr.DegenerateData, "pca: SVD did not converge")
	}
	var uf, vf mat.Dense
	svd.UTo(&uf)
	svd.VTo(&vf)
	r, _ := uf.Dims()
	c, _ := vf.Dims()
	u = mat.DenseCopyOf(uf.Slice(0, r, 0, k))
	v = mat.DenseCopyOf(vf.Slice(0, c, 0, k))
	return u, v, svd.Values(nil)[:k], nil
}

// orthonormalBasis returns an orthonormal basis of the column space of y,
// via its thin SVD.
func orthonormalBasis(y *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(y, mat.SVDThin) {
		return nil, errors.E(expr.DegenerateData, "pca: SVD did not converge")
	}
	var q mat.Dense
	svd.UTo(&q)
	return &q, nil
}

// randomizedSVD approximates the top k singular triplets of x with a seeded
// Gaussian range finder and subspace (power) iterations, following Halko,
// Martinsson and Tropp, "Finding structure with randomness", SIAM Review
// 53(2), 2011, algorithms 4.4 and 5.1.
func randomizedSVD(x *mat.Dense, k int, opts Opts) (u, v *mat.Dense, sigmas []float64, err error) {
	m, n := x.Dims()
	l := k + opts.Oversample
	if l > min(m, n) {
		l = min(m, n)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	omega := mat.NewDense(n, l, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			omega.Set(i, j, rng.NormFloat64())
		}
	}
	var y mat.Dense
	y.Mul(x, omega)
	q, err := orthonormalBasis(&y)
	if err != nil {
		return nil, nil, nil, err
	}
	for it := 0; it < opts.PowerIters; it++ {
		var z mat.Dense
		z.Mul(x.T(), q)
		zq, err := orthonormalBasis(&z)
		if err != nil {
			return nil, nil, nil, err
		}
		var y2 mat.Dense
		y2.Mul(x, zq)
		if q, err = orthonormalBasis(&y2); err != nil {
			return nil, nil, nil, err
		}
	}
	var b mat.Dense
	b.Mul(q.T(), x)
	ub, vb, sigmas, err := exactSVD(&b, k)
	if err != nil {
		return nil, nil, nil, err
	}
	u = new(mat.Dense)
	u.Mul(q, ub)
	return u, vb, sigmas, nil
}

// fixSigns flips components so that the largest-magnitude loading of each
// is positive; ties go to the lowest gene index.
func fixSigns(u, v *mat.Dense) {
	nGenes, k := v.Dims()
	nCells, _ := u.Dims()
	for c := 0; c < k; c++ {
		best, bestAbs := 0, -1.0
		for g := 0; g < nGenes; g++ {
			if a := math.Abs(v.At(g, c)); a > bestAbs {
				best, bestAbs = g, a
			}
		}
		if v.At(best, c) >= 0 {
			continue
		}
		for g := 0; g < nGenes; g++ {
			v.Set(g, c, -v.At(g, c))
		}
		for j := 0; j < nCells; j++ {
			u.Set(j, c, -u.At(j, c))
		}
	}
}
