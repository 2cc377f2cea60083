// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package neighbors

import (
	"container/heap"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/floats"
)

// candidate is a neighbor under consideration.
type candidate struct {
	idx  int
	dist float64
}

// worse reports whether a ranks after b: farther, or equally far with a
// larger index.
func worse(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.idx > b.idx
}

// maxHeap keeps the k best candidates with the worst on top.
type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// exactKNN returns, for every point, its k nearest points ordered by
// increasing distance with ties broken by index, and the matching
// distances.  The point itself is always first.
func exactKNN(points [][]float64, k, parallelism int) (idx [][]int, dist [][]float64, err error) {
	n := len(points)
	idx = make([][]int, n)
	dist = make([][]float64, n)
	err = util.ForEachShard(n, parallelism, func(start, end int) error {
		h := make(maxHeap, 0, k)
		for i := start; i < end; i++ {
			h = h[:0]
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				c := candidate{idx: j, dist: floats.Distance(points[i], points[j], 2)}
				if len(h) < k-1 {
					heap.Push(&h, c)
				} else if len(h) > 0 && worse(h[0], c) {
					h[0] = c
					heap.Fix(&h, 0)
				}
			}
			idx[i] = make([]int, len(h)+1)
			dist[i] = make([]float64, len(h)+1)
			idx[i][0] = i
			for p := len(h); p >= 1; p-- {
				c := heap.Pop(&h).(candidate)
				idx[i][p] = c.idx
				dist[i][p] = c.dist
			}
		}
		return nil
	})
	return idx, dist, err
}

// KNN returns the k nearest cells of every cell of e, itself first, in the
// space of its first dims components, along with their distances.
func KNN(e *pca.Embedding, dims, k, parallelism int) ([][]int, [][]float64, error) {
	points, err := e.Restrict(dims)
	if err != nil {
		return nil, nil, err
	}
	if k < 1 || k > len(points) {
		return nil, nil, errors.E(expr.Parameter, fmt.Sprintf("neighbors: k=%d outside [1,%d]", k, len(points)))
	}
	return exactKNN(points, k, parallelism)
}
