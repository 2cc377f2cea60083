// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package umap

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/util"
)

const (
	smoothKNNIters     = 64
	smoothKNNTolerance = 1e-5
	minKDistScale      = 1e-3
)

// smoothKNN calibrates, for every cell i, the distance rho[i] to its
// nearest distinct neighbor and the bandwidth sigma[i] such that
//
//   Σ_j exp(-max(0, d_ij - rho_i) / sigma_i) = log2(k)
//
// over the k-1 neighbors other than i itself.
func smoothKNN(dist [][]float64, parallelism int) (sigma, rho []float64, err error) {
	n := len(dist)
	sigma = make([]float64, n)
	rho = make([]float64, n)
	var total float64
	var count int
	for _, d := range dist {
		for _, x := range d {
			total += x
		}
		count += len(d)
	}
	meanAll := total / float64(count)
	err = util.ForEachShard(n, parallelism, func(start, end int) error {
		for i := start; i < end; i++ {
			d := dist[i]
			if len(d) < 2 {
				return errors.E(expr.Parameter, "umap: cell has no neighbors")
			}
			target := math.Log2(float64(len(d)))
			for _, x := range d[1:] {
				if x > 0 {
					rho[i] = x
					break
				}
			}
			lo, hi, mid := 0.0, math.Inf(1), 1.0
			for iter := 0; iter < smoothKNNIters; iter++ {
				var psum float64
				for _, x := range d[1:] {
					if y := x - rho[i]; y > 0 {
						psum += math.Exp(-y / mid)
					} else {
						psum++
					}
				}
				if math.Abs(psum-target) < smoothKNNTolerance {
					break
				}
				if psum > target {
					hi = mid
					mid = (lo + hi) / 2
				} else {
					lo = mid
					if math.IsInf(hi, 1) {
						mid *= 2
					} else {
						mid = (lo + hi) / 2
					}
				}
			}
			sigma[i] = mid
			floor := minKDistScale * meanAll
			if rho[i] > 0 {
				var mean float64
				for _, x := range d {
					mean += x
				}
				floor = minKDistScale * mean / float64(len(d))
			}
			if sigma[i] < floor {
				sigma[i] = floor
			}
		}
		return nil
	})
	return sigma, rho, err
}

// membership returns the directed fuzzy membership strength of every
// neighbor of every cell, self excluded: w[i][p] belongs to knn[i][p+1].
func membership(knn [][]int, dist [][]float64, sigma, rho []float64) [][]float64 {
	w := make([][]float64, len(knn))
	for i := range knn {
		w[i] = make([]float64, len(knn[i])-1)
		for p, x := range dist[i][1:] {
			if y := x - rho[i]; y > 0 && sigma[i] > 0 {
				w[i][p] = math.Exp(-y / sigma[i])
			} else {
				w[i][p] = 1
			}
		}
	}
	return w
}

// edge is one directed entry of the symmetric fuzzy graph.
type edge struct {
	head, tail int
	weight     float64
}

// fuzzyUnion symmetrizes directed memberships with the probabilistic
// t-conorm w_ij + w_ji - w_ij w_ji.  Every undirected edge is returned in
// both directions, sorted by head and then tail.
func fuzzyUnion(knn [][]int, w [][]float64) []edge {
	type pair struct{ lo, hi int }
	type strengths struct{ fwd, rev float64 }
	m := map[pair]*strengths{}
	for i, nn := range knn {
		for p, j := range nn[1:] {
			if j == i {
				continue
			}
			key, fwd := pair{i, j}, true
			if j < i {
				key, fwd = pair{j, i}, false
			}
			s, ok := m[key]
			if !ok {
				s = &strengths{}
				m[key] = s
			}
			if fwd {
				s.fwd = w[i][p]
			} else {
				s.rev = w[i][p]
			}
		}
	}
	edges := make([]edge, 0, 2*len(m))
	for key, s := range m {
		v := s.fwd + s.rev - s.fwd*s.rev
		if v <= 0 {
			continue
		}
		edges = append(edges, edge{key.lo, key.hi, v}, edge{key.hi, key.lo, v})
	}
	sort.Slice(edges, func(x, y int) bool {
		if edges[x].head != edges[y].head {
			return edges[x].head < edges[y].head
		}
		return edges[x].tail < edges[y].tail
	})
	return edges
}
