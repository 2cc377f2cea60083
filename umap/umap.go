// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package umap computes a two-dimensional layout of cells for
// visualization, following McInnes, Healy and Melville 2018, "UMAP:
// Uniform Manifold Approximation and Projection for Dimension Reduction".
//
// The layout starts from the first two principal components and is refined
// by stochastic gradient descent, so for a fixed seed it is reproducible.
// Nothing downstream of clustering depends on it.
package umap

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/pca"
	"gonum.org/v1/gonum/mat"
)

// Opts configures Run.
type Opts struct {
	// NNeighbors is the neighborhood size, counting the cell itself.  It is
	// used only when Run is not given a neighbor graph.
	NNeighbors int `yaml:"n_neighbors"`
	// Dims is the number of principal components to search neighbors in
	// when Run is not given a neighbor graph; 0 = all of them.  The
	// pipeline sets it to the neighbor graph's dims when it is 0.
	Dims int `yaml:"dims"`
	// MinDist is the smallest distance between points in the layout.
	MinDist float64 `yaml:"min_dist"`
	// Spread is the scale of the layout.
	Spread float64 `yaml:"spread"`
	// NEpochs is the number of optimization epochs.
	NEpochs int `yaml:"n_epochs"`
	// LearningRate is the initial step size.  It decays linearly to zero.
	LearningRate float64 `yaml:"learning_rate"`
	// NegativeSampleRate is the number of repulsive samples per attractive
	// sample.
	NegativeSampleRate int `yaml:"negative_sample_rate"`
	// Seed seeds the initial jitter and the optimization.
	Seed int64 `yaml:"seed"`
	// Parallelism bounds the number of goroutines; 0 = runtime.NumCPU().
	Parallelism int `yaml:"-"`
}

// DefaultOpts matches the reference workflow.
var DefaultOpts = Opts{
	NNeighbors:         30,
	Dims:               0,
	MinDist:            0.3,
	Spread:             1,
	NEpochs:            200,
	LearningRate:       1,
	NegativeSampleRate: 5,
	Seed:               42,
}

// Validate checks opts.
func (o Opts) Validate() error {
	if !(o.Spread > 0) || o.MinDist < 0 || o.MinDist > o.Spread {
		return errors.E(expr.Parameter, fmt.Sprintf("umap: need 0 <= min dist (%v) <= spread (%v), spread > 0", o.MinDist, o.Spread))
	}
	if o.NNeighbors < 2 || o.Dims < 0 {
		return errors.E(expr.Parameter, fmt.Sprintf("umap: need at least 2 neighbors and non-negative dims, got %d and %d", o.NNeighbors, o.Dims))
	}
	if o.NEpochs < 1 || !(o.LearningRate > 0) || o.NegativeSampleRate < 0 {
		return errors.E(expr.Parameter, fmt.Sprintf("umap: bad optimization settings %+v", o))
	}
	return nil
}

// Layout holds 2-D coordinates of cells.
type Layout struct {
	Cells []string
	// Coords is cells × 2.
	Coords *mat.Dense
}

// Run lays out the cells of e.  If g is non-nil its KNN lists and
// distances are used; otherwise neighbors are searched in the first
// opts.Dims components of e with opts.NNeighbors.
func Run(e *pca.Embedding, g *neighbors.Graph, opts Opts) (*Layout, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := len(e.Cells)
	if n < 3 {
		return nil, errors.E(expr.DegenerateData, fmt.Sprintf("umap: %d cells, need at least 3", n))
	}
	var (
		knn  [][]int
		dist [][]float64
	)
	if g != nil {
		if g.NumNodes() != n || len(g.KNN) != n {
			return nil, errors.E(expr.Parameter, fmt.Sprintf("umap: graph over %d cells for an embedding of %d", g.NumNodes(), n))
		}
		knn, dist = g.KNN, g.Dist
	} else {
		k := opts.NNeighbors
		if k > n {
			log.Printf("umap: %d neighbors requested for %d cells; using %d", k, n, n)
			k = n
		}
		dims := opts.Dims
		if dims == 0 || dims > e.NumComponents() {
			dims = e.NumComponents()
		}
		var err error
		if knn, dist, err = neighbors.KNN(e, dims, k, opts.Parallelism); err != nil {
			return nil, err
		}
	}
	if len(knn[0]) < 2 {
		return nil, errors.E(expr.Parameter, "umap: need at least one neighbor besides the cell itself")
	}
	sigma, rho, err := smoothKNN(dist, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	edges := fuzzyUnion(knn, membership(knn, dist, sigma, rho))
	a, b, err := fitCurve(opts.MinDist, opts.Spread)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	coords := initialize(e, rng)
	descend(coords, edges, a, b, opts, rng)

	l := &Layout{Cells: e.Cells, Coords: mat.NewDense(n, 2, nil)}
	for i, c := range coords {
		l.Coords.SetRow(i, c[:])
	}
	log.Printf("umap: %d cells, %d edges, a=%.4f b=%.4f, %d epochs", n, len(edges), a, b, opts.NEpochs)
	return l, nil
}

// initialize places cells at their first two principal components scaled
// into [-10, 10], plus a little seeded jitter.  An embedding with a single
// component gets a random second coordinate.
func initialize(e *pca.Embedding, rng *rand.Rand) [][2]float64 {
	n := len(e.Cells)
	coords := make([][2]float64, n)
	for d := 0; d < 2; d++ {
		if d >= e.NumComponents() {
			for i := range coords {
				coords[i][d] = rng.Float64()*20 - 10
			}
			continue
		}
		var max float64
		for i := 0; i < n; i++ {
			if v := math.Abs(e.Coords.At(i, d)); v > max {
				max = v
			}
		}
		scale := 1.0
		if max > 0 {
			scale = 10 / max
		}
		for i := range coords {
			coords[i][d] = e.Coords.At(i, d) * scale
		}
	}
	for i := range coords {
		coords[i][0] += rng.NormFloat64() * 1e-4
		coords[i][1] += rng.NormFloat64() * 1e-4
	}
	return coords
}
