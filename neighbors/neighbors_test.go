// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package neighbors

import (
	"fmt"
	"math/rand"
	"os"
	"reflect"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	tassert "github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/mat"
)

// embedding wraps points (one row per cell) in a pca.Embedding.
func embedding(points [][]float64) *pca.Embedding {
	dims := len(points[0])
	e := &pca.Embedding{
		Coords: mat.NewDense(len(points), dims, nil),
		StdDev: make([]float64, dims),
	}
	for j, p := range points {
		e.Cells = append(e.Cells, fmt.Sprintf("C%d", j))
		e.Coords.SetRow(j, p)
	}
	for c := range e.StdDev {
		e.StdDev[c] = 1
	}
	return e
}

func randomPoints(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	points := make([][]float64, n)
	for j := range points {
		points[j] = make([]float64, dims)
		for d := range points[j] {
			points[j][d] = rng.NormFloat64()
		}
	}
	return points
}

func TestKNNLine(t *testing.T) {
	points := [][]float64{{0}, {1}, {2}, {3}, {10}}
	knn, dist, err := exactKNN(points, 3, 2)
	assert.NoError(t, err)
	expect.EQ(t, knn, [][]int{
		{0, 1, 2},
		{1, 0, 2}, // 0 and 2 tie; the lower index wins.
		{2, 1, 3},
		{3, 2, 1},
		{4, 3, 2},
	})
	expect.EQ(t, dist[4], []float64{0, 7, 8})

	knn, _, err = exactKNN(points, 1, 1)
	assert.NoError(t, err)
	expect.EQ(t, knn[3], []int{3})
}

// jaccard computes the SNN weight of (i, j) from scratch.
func jaccard(knn [][]int, i, j int) float64 {
	in := map[int]bool{}
	for _, c := range knn[i] {
		in[c] = true
	}
	shared := 0
	for _, c := range knn[j] {
		if in[c] {
			shared++
		}
	}
	return float64(shared) / float64(len(knn[i])+len(knn[j])-shared)
}

func TestFindProperties(t *testing.T) {
	const k = 6
	e := embedding(randomPoints(60, 5, 1))
	g, err := Find(e, Opts{Dims: 3, K: k, Prune: 1.0 / 15, Parallelism: 3})
	assert.NoError(t, err)
	expect.EQ(t, g.NumNodes(), 60)
	for i := 0; i < g.NumNodes(); i++ {
		// Out-degree of the directed KNN graph is k, self included.
		expect.EQ(t, len(g.KNN[i]), k)
		expect.EQ(t, g.KNN[i][0], i)
		for _, edge := range g.Neighbors(i) {
			expect.True(t, edge.To != i)
			w := jaccard(g.KNN, i, edge.To)
			tassert.InDelta(t, w, edge.Weight, 1e-12)
			expect.True(t, w >= 1.0/15)
			expect.EQ(t, g.Weight(edge.To, i), edge.Weight)
		}
	}
	// Every pair of mutual nearest neighbors shares at least themselves.
	for i := 0; i < g.NumNodes(); i++ {
		for _, j := range g.KNN[i][1:] {
			if jaccard(g.KNN, i, j) >= 1.0/15 {
				expect.True(t, g.Weight(i, j) > 0, "%d-%d", i, j)
			}
		}
	}
	expect.EQ(t, g.Gonum().Edges().Len(), g.NumEdges())
}

func TestFindParallelismInvariant(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	e := embedding(randomPoints(80, 4, 2))
	var first *Graph
	for _, parallelism := range []int{1, 2, 7, 0} {
		g, err := Find(e, Opts{Dims: 4, K: 10, Prune: 0, Parallelism: parallelism})
		assert.NoError(t, err)
		if first == nil {
			first = g
			continue
		}
		expect.True(t, reflect.DeepEqual(first.KNN, g.KNN))
		expect.True(t, reflect.DeepEqual(first.adj, g.adj))
	}
}

func TestFindSeparatedGroups(t *testing.T) {
	var points [][]float64
	for j := 0; j < 20; j++ {
		off := 0.0
		if j >= 10 {
			off = 100
		}
		points = append(points, []float64{off + float64(j%10)*0.1, off})
	}
	g, err := Find(embedding(points), Opts{Dims: 2, K: 5, Prune: 1.0 / 15, Parallelism: 2})
	assert.NoError(t, err)
	for i := 0; i < 20; i++ {
		expect.True(t, len(g.Neighbors(i)) > 0)
		for _, edge := range g.Neighbors(i) {
			expect.EQ(t, i < 10, edge.To < 10, "edge %d-%d crosses groups", i, edge.To)
		}
	}
}

func TestFindErrors(t *testing.T) {
	e := embedding(randomPoints(10, 3, 3))
	for _, opts := range []Opts{
		{Dims: 0, K: 5},
		{Dims: 4, K: 5},
		{Dims: 3, K: 0},
		{Dims: 3, K: 11},
		{Dims: 3, K: 5, Prune: 2},
	} {
		_, err := Find(e, opts)
		expect.True(t, expr.IsParameter(err), "%+v: %v", opts, err)
	}
}

func TestNewGraph(t *testing.T) {
	cells := []string{"A", "B", "C"}
	g, err := NewGraph(cells, [][]Edge{
		{{To: 2, Weight: 1}, {To: 1, Weight: 0.5}},
		{{To: 0, Weight: 0.5}},
		{{To: 0, Weight: 1}},
	})
	assert.NoError(t, err)
	expect.EQ(t, g.Neighbors(0), []Edge{{1, 0.5}, {2, 1}})
	expect.EQ(t, g.NumEdges(), 2)
	expect.EQ(t, g.Weight(1, 2), 0.0)

	_, err = NewGraph(cells, [][]Edge{{{To: 1, Weight: 1}}, nil, nil})
	expect.True(t, expr.IsParameter(err))
	_, err = NewGraph(cells, [][]Edge{{{To: 0, Weight: 1}}, nil, nil})
	expect.True(t, expr.IsParameter(err))
	_, err = NewGraph(cells, nil)
	expect.True(t, expr.IsParameter(err))
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
