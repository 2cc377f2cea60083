// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// builder accumulates undirected edges.
type builder struct {
	n   int
	adj [][]neighbors.Edge
}

func newBuilder(n int) *builder {
	return &builder{n: n, adj: make([][]neighbors.Edge, n)}
}

func (b *builder) edge(i, j int, w float64) {
	b.adj[i] = append(b.adj[i], neighbors.Edge{To: j, Weight: w})
	b.adj[j] = append(b.adj[j], neighbors.Edge{To: i, Weight: w})
}

// clique connects nodes [start, start+size).
func (b *builder) clique(start, size int) {
	for i := start; i < start+size; i++ {
		for j := i + 1; j < start+size; j++ {
			b.edge(i, j, 1)
		}
	}
}

func (b *builder) graph(t *testing.T) *neighbors.Graph {
	cells := make([]string, b.n)
	for i := range cells {
		cells[i] = fmt.Sprintf("cell%d", i)
	}
	g, err := neighbors.NewGraph(cells, b.adj)
	require.NoError(t, err)
	return g
}

func opts(resolution float64) Opts {
	o := DefaultOpts
	o.Resolution = resolution
	return o
}

func TestTwoCliques(t *testing.T) {
	b := newBuilder(10)
	b.clique(0, 5)
	b.clique(5, 5)
	b.edge(4, 5, 0.1)
	g := b.graph(t)
	for _, resolution := range []float64{0.4, 1} {
		for seed := int64(0); seed < 5; seed++ {
			o := opts(resolution)
			o.Seed = seed
			a, err := Louvain(g, o)
			assert.NoError(t, err)
			expect.EQ(t, a.Labels, []int{0, 0, 0, 0, 0, 1, 1, 1, 1, 1})
			expect.EQ(t, a.Cells, g.Cells)
		}
	}
}

// ringOfCliques returns n cliques of the given size, each joined to the
// next by a single edge.
func ringOfCliques(t *testing.T, n, size int) *neighbors.Graph {
	b := newBuilder(n * size)
	for c := 0; c < n; c++ {
		b.clique(c*size, size)
		b.edge(c*size, ((c+1)%n)*size+size-1, 1)
	}
	return b.graph(t)
}

func TestResolution(t *testing.T) {
	g := ringOfCliques(t, 6, 4)
	fine, err := Louvain(g, opts(1))
	assert.NoError(t, err)
	expect.EQ(t, fine.NumClusters(), 6)
	for c := 0; c < 6; c++ {
		for i := c * 4; i < c*4+4; i++ {
			expect.EQ(t, fine.Labels[i], fine.Labels[c*4])
		}
	}
	expect.EQ(t, fine.Sizes(), []int{4, 4, 4, 4, 4, 4})

	coarse, err := Louvain(g, opts(0.05))
	assert.NoError(t, err)
	expect.True(t, coarse.NumClusters() < 6, "%d clusters", coarse.NumClusters())
}

func TestIsolatedCells(t *testing.T) {
	b := newBuilder(4)
	b.edge(1, 2, 0.5)
	a, err := Louvain(b.graph(t), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, a.Labels, []int{1, 0, 0, 2})

	a, err = Louvain(newBuilder(3).graph(t), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, a.Labels, []int{0, 1, 2})
	expect.EQ(t, a.NumClusters(), 3)
}

// blobs returns an SNN graph over three well-separated point clouds of 20
// cells each.
func blobs(t *testing.T) *neighbors.Graph {
	rng := rand.New(rand.NewSource(7))
	e := &pca.Embedding{
		Coords: mat.NewDense(60, 2, nil),
		StdDev: []float64{1, 1},
	}
	for j := 0; j < 60; j++ {
		e.Cells = append(e.Cells, fmt.Sprintf("cell%d", j))
		center := float64(j/20) * 50
		e.Coords.Set(j, 0, center+rng.NormFloat64())
		e.Coords.Set(j, 1, -center+rng.NormFloat64())
	}
	g, err := neighbors.Find(e, neighbors.Opts{Dims: 2, K: 10, Prune: 1.0 / 15, Parallelism: 2})
	require.NoError(t, err)
	return g
}

func TestBlobs(t *testing.T) {
	g := blobs(t)
	a, err := Louvain(g, DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, a.NumClusters(), 3)
	// Equal sizes, so labels follow the first member of each blob.
	for j := 0; j < 60; j++ {
		expect.EQ(t, a.Labels[j], j/20, "cell %d", j)
	}
}

func TestDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	b := newBuilder(40)
	for i := 0; i < 40; i++ {
		for j := i + 1; j < 40; j++ {
			if rng.Float64() < 0.15 {
				b.edge(i, j, 0.1+rng.Float64())
			}
		}
	}
	g := b.graph(t)
	o := DefaultOpts
	o.Resolution = 0.8
	o.Seed = 11
	o.NRandomStarts = 5
	o.Parallelism = 1
	want, err := Louvain(g, o)
	assert.NoError(t, err)
	for _, p := range []int{2, 5, 0} {
		o.Parallelism = p
		got, err := Louvain(g, o)
		assert.NoError(t, err)
		expect.EQ(t, got.Labels, want.Labels)
	}

	// More starts never lose modularity, since start 0 is among them.
	one := o
	one.NRandomStarts = 1
	single, err := Louvain(g, one)
	assert.NoError(t, err)
	qSingle, err := Modularity(g, single.Labels, o.Resolution)
	assert.NoError(t, err)
	qBest, err := Modularity(g, want.Labels, o.Resolution)
	assert.NoError(t, err)
	expect.True(t, qBest >= qSingle-1e-12, "%v < %v", qBest, qSingle)
}

func TestModularity(t *testing.T) {
	g := ringOfCliques(t, 4, 5)
	l := newLevel(g)
	singletons := make([]int, g.NumNodes())
	byClique := make([]int, g.NumNodes())
	halves := make([]int, g.NumNodes())
	for i := range singletons {
		singletons[i] = i
		byClique[i] = i / 5
		halves[i] = i / 10
	}
	for _, resolution := range []float64{0.4, 1, 2} {
		for _, labels := range [][]int{singletons, byClique, halves} {
			q, err := Modularity(g, labels, resolution)
			assert.NoError(t, err)
			tassert.InDelta(t, q, l.modularity(labels, resolution), 1e-9)
		}
	}
	a, err := Louvain(g, opts(1))
	assert.NoError(t, err)
	q, err := Modularity(g, a.Labels, 1)
	assert.NoError(t, err)
	qSingletons, err := Modularity(g, singletons, 1)
	assert.NoError(t, err)
	expect.True(t, q > qSingletons)

	_, err = Modularity(g, []int{0, 1}, 1)
	expect.True(t, expr.IsParameter(err))
	q, err = Modularity(newBuilder(2).graph(t), []int{0, 1}, 1)
	assert.NoError(t, err)
	expect.EQ(t, q, 0.0)
}

func TestAggregatePreservesModularity(t *testing.T) {
	g := ringOfCliques(t, 3, 4)
	l := newLevel(g)
	comm := make([]int, g.NumNodes())
	for i := range comm {
		comm[i] = i / 4
	}
	agg := l.aggregate(comm, 3)
	expect.EQ(t, agg.m2, l.m2)
	identity := []int{0, 1, 2}
	tassert.InDelta(t, l.modularity(comm, 1), agg.modularity(identity, 1), 1e-12)
	expect.EQ(t, agg.loop, []float64{12, 12, 12})
	expect.EQ(t, len(agg.adj[0]), 2)
}

func TestSizeOrder(t *testing.T) {
	expect.EQ(t, sizeOrder([]int{5, 5, 3, 3, 3, 9}), []int{1, 1, 0, 0, 0, 2})
	expect.EQ(t, sizeOrder([]int{8, 7, 8, 7}), []int{0, 1, 0, 1})
}

func TestOptsValidate(t *testing.T) {
	assert.NoError(t, DefaultOpts.Validate())
	g := newBuilder(2).graph(t)
	for _, o := range []Opts{
		{Resolution: 0, NRandomStarts: 1, NIterations: 1},
		{Resolution: -1, NRandomStarts: 1, NIterations: 1},
		{Resolution: 1, NRandomStarts: 0, NIterations: 1},
		{Resolution: 1, NRandomStarts: 1, NIterations: 0},
	} {
		_, err := Louvain(g, o)
		expect.True(t, expr.IsParameter(err), "%+v", o)
	}
}

func TestRelabel(t *testing.T) {
	a := &Assignment{Cells: []string{"A", "B", "C", "D"}, Labels: []int{0, 1, 0, 2}}
	named, err := Relabel(a, map[int]string{0: "T cells", 2: "B cells"})
	assert.NoError(t, err)
	expect.EQ(t, named.Names, map[int]string{0: "T cells", 1: "1", 2: "B cells"})
	expect.EQ(t, named.Labels, a.Labels)
	expect.EQ(t, named.Name(0), "T cells")
	expect.Nil(t, a.Names)
	expect.EQ(t, a.Name(1), "1")
	expect.EQ(t, a.Members(0), []int{0, 2})

	// Relabeling a named assignment keeps earlier names.
	again, err := Relabel(named, map[int]string{1: "NK"})
	assert.NoError(t, err)
	expect.EQ(t, again.Names, map[int]string{0: "T cells", 1: "NK", 2: "B cells"})

	for _, names := range []map[int]string{{3: "x"}, {-1: "x"}, {1: ""}} {
		_, err := Relabel(a, names)
		expect.True(t, expr.IsParameter(err), "%v", names)
	}
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
