// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package neighbors

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/graph/simple"
)

// Opts configures Find.
type Opts struct {
	// Dims is the number of leading principal components to search in.  It
	// is an external choice, typically read off an elbow plot.
	Dims int `yaml:"dims"`
	// K is the neighborhood size, counting the cell itself.
	K int `yaml:"k"`
	// Prune drops SNN edges with a Jaccard index below it.
	Prune float64 `yaml:"prune"`
	// Parallelism bounds the number of goroutines; 0 = runtime.NumCPU().
	Parallelism int `yaml:"-"`
}

// DefaultOpts matches the reference workflow.
var DefaultOpts = Opts{
	Dims:  10,
	K:     20,
	Prune: 1.0 / 15,
}

// Validate checks opts without reference to any embedding.
func (o Opts) Validate() error {
	if o.Dims < 1 || o.K < 1 {
		return errors.E(expr.Parameter, fmt.Sprintf("neighbors: need positive dims and k, got %d and %d", o.Dims, o.K))
	}
	if o.Prune < 0 || o.Prune > 1 {
		return errors.E(expr.Parameter, fmt.Sprintf("neighbors: prune %v outside [0,1]", o.Prune))
	}
	return nil
}

// Edge is one weighted edge seen from one endpoint.
type Edge struct {
	To     int
	Weight float64
}

// Graph is an undirected weighted graph over cells.  Nodes are indices
// into Cells.  Every edge appears in the adjacency of both endpoints, and
// adjacency lists are sorted by To.  There are no self loops.
type Graph struct {
	Cells []string
	// KNN[i] lists the K nearest cells of cell i, itself first, and
	// Dist[i] their Euclidean distances.
	KNN  [][]int
	Dist [][]float64
	adj  [][]Edge
}

// NumNodes returns the number of cells.
func (g *Graph) NumNodes() int { return len(g.Cells) }

// Neighbors returns the edges incident on node i.  The slice must not be
// modified.
func (g *Graph) Neighbors(i int) []Edge { return g.adj[i] }

// NumEdges returns the number of undirected edges.
func (g *Graph) NumEdges() int {
	n := 0
	for _, a := range g.adj {
		n += len(a)
	}
	return n / 2
}

// Weight returns the weight of edge (i, j), or 0 if absent.
func (g *Graph) Weight(i, j int) float64 {
	a := g.adj[i]
	k := sort.Search(len(a), func(k int) bool { return a[k].To >= j })
	if k < len(a) && a[k].To == j {
		return a[k].Weight
	}
	return 0
}

// Gonum returns the graph as a gonum weighted undirected graph with node
// IDs equal to cell indices.
func (g *Graph) Gonum() *simple.WeightedUndirectedGraph {
	gg := simple.NewWeightedUndirectedGraph(0, 0)
	for i := range g.Cells {
		gg.AddNode(simple.Node(i))
	}
	for i, a := range g.adj {
		for _, e := range a {
			if e.To > i {
				gg.SetWeightedEdge(gg.NewWeightedEdge(simple.Node(i), simple.Node(e.To), e.Weight))
			}
		}
	}
	return gg
}

// NewGraph builds a Graph from explicit adjacency lists, which must be
// symmetric.  It is meant for callers that bring their own graph, such as
// tests of community detection.
func NewGraph(cells []string, adj [][]Edge) (*Graph, error) {
	if len(adj) != len(cells) {
		return nil, errors.E(expr.Parameter, fmt.Sprintf("neighbors: %d adjacency lists for %d cells", len(adj), len(cells)))
	}
	g := &Graph{Cells: cells, adj: make([][]Edge, len(adj))}
	for i, a := range adj {
		g.adj[i] = append([]Edge(nil), a...)
		sort.Slice(g.adj[i], func(x, y int) bool { return g.adj[i][x].To < g.adj[i][y].To })
	}
	for i, a := range g.adj {
		for k, e := range a {
			if e.To == i || e.To < 0 || e.To >= len(cells) || !(e.Weight > 0) {
				return nil, errors.E(expr.Parameter, fmt.Sprintf("neighbors: bad edge %d-%d weight %v", i, e.To, e.Weight))
			}
			if k > 0 && a[k-1].To == e.To {
				return nil, errors.E(expr.Parameter, fmt.Sprintf("neighbors: duplicate edge %d-%d", i, e.To))
			}
			if w := g.Weight(e.To, i); w != e.Weight {
				return nil, errors.E(expr.Parameter, fmt.Sprintf("neighbors: edge %d-%d has weight %v one way and %v the other", i, e.To, e.Weight, w))
			}
		}
	}
	return g, nil
}

// Find builds the SNN graph of the cells of e.
func Find(e *pca.Embedding, opts Opts) (*Graph, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	knn, dist, err := KNN(e, opts.Dims, opts.K, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	n := len(knn)
	adj, err := sharedNeighbors(knn, opts.K, opts.Prune, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	g := &Graph{Cells: e.Cells, KNN: knn, Dist: dist, adj: adj}
	log.Printf("neighbors: %d cells, k=%d, %d dims, %d SNN edges", n, opts.K, opts.Dims, g.NumEdges())
	return g, nil
}

// sharedNeighbors computes Jaccard-weighted adjacency lists from KNN sets
// of size k.  Pairs that share at least one neighbor are candidates, whether
// or not they are in each other's neighborhood.
func sharedNeighbors(knn [][]int, k int, prune float64, parallelism int) ([][]Edge, error) {
	n := len(knn)
	// members[c] lists the cells whose neighborhood contains c.
	members := make([][]int32, n)
	for i, nn := range knn {
		for _, c := range nn {
			members[c] = append(members[c], int32(i))
		}
	}
	adj := make([][]Edge, n)
	err := util.ForEachShard(n, parallelism, func(start, end int) error {
		shared := make([]int, n)
		var touched []int
		for i := start; i < end; i++ {
			touched = touched[:0]
			for _, c := range knn[i] {
				for _, j := range members[c] {
					if shared[j] == 0 {
						touched = append(touched, int(j))
					}
					shared[j]++
				}
			}
			sort.Ints(touched)
			for _, j := range touched {
				s := shared[j]
				shared[j] = 0
				if j == i {
					continue
				}
				w := float64(s) / float64(2*k-s)
				if w < prune {
					continue
				}
				adj[i] = append(adj[i], Edge{To: j, Weight: w})
			}
		}
		return nil
	})
	return adj, err
}
