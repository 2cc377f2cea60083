// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package cluster partitions a shared-nearest-neighbor graph into
// communities by modularity optimization, and relabels the resulting
// clusters with human-supplied names.
//
// Louvain follows Blondel et al. 2008, "Fast unfolding of communities in
// large networks", with the resolution parameter γ of Reichardt and
// Bornholdt 2006 in the quality function
//
//   Q = 1/2m Σ_ij (A_ij - γ k_i k_j / 2m) δ(c_i, c_j).
//
// Larger γ yields more, smaller clusters.
package cluster

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// Opts configures Louvain.
type Opts struct {
	// Resolution is γ.
	Resolution float64 `yaml:"resolution"`
	// Seed seeds the node visiting order of the first start.  Start s uses
	// Seed+s.
	Seed int64 `yaml:"seed"`
	// NRandomStarts is the number of independent starts.  The partition
	// with the highest modularity is kept; ties go to the earliest start.
	NRandomStarts int `yaml:"n_random_starts"`
	// NIterations bounds the number of times the algorithm is rerun on its
	// own result.  Each rerun starts with node-level moves from the current
	// partition and stops early when nothing changes.
	NIterations int `yaml:"n_iterations"`
	// Parallelism bounds the number of starts run concurrently; 0 =
	// runtime.NumCPU().
	Parallelism int `yaml:"-"`
}

// DefaultOpts matches the reference workflow.
var DefaultOpts = Opts{
	Resolution:    0.4,
	Seed:          0,
	NRandomStarts: 1,
	NIterations:   10,
}

// Validate checks opts.
func (o Opts) Validate() error {
	if !(o.Resolution > 0) {
		return errors.E(expr.Parameter, fmt.Sprintf("cluster: resolution %v must be positive", o.Resolution))
	}
	if o.NRandomStarts < 1 || o.NIterations < 1 {
		return errors.E(expr.Parameter, fmt.Sprintf("cluster: need at least one start and one iteration, got %d and %d", o.NRandomStarts, o.NIterations))
	}
	return nil
}

// Minimum modularity gain, in edge-weight units, for a node to move.  It
// keeps rounding noise from moving nodes back and forth.
const minGain = 1e-10

// Bound on local-moving passes over the nodes of one level.
const maxPasses = 1000

// level is a weighted graph in which a node may stand for a set of cells.
type level struct {
	adj [][]neighbors.Edge
	// loop[i] is the weight of edges inside node i, counted from both ends.
	loop []float64
	// degree[i] is the total weight incident on node i, loop included.
	degree []float64
	m2     float64
}

func newLevel(g *neighbors.Graph) *level {
	n := g.NumNodes()
	l := &level{
		adj:    make([][]neighbors.Edge, n),
		loop:   make([]float64, n),
		degree: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		l.adj[i] = g.Neighbors(i)
		for _, e := range l.adj[i] {
			l.degree[i] += e.Weight
		}
		l.m2 += l.degree[i]
	}
	return l
}

func (l *level) numNodes() int { return len(l.adj) }

// localMoves moves single nodes between the communities in comm, in an
// order drawn from rng, until no move improves modularity.  It reports
// whether any node moved.
func (l *level) localMoves(comm []int, resolution float64, rng *rand.Rand) bool {
	n := l.numNodes()
	tot := make([]float64, n)
	for i, c := range comm {
		tot[c] += l.degree[i]
	}
	weightTo := make([]float64, n)
	var touched []int
	order := rng.Perm(n)
	moved := false
	for pass := 0; pass < maxPasses; pass++ {
		nMoved := 0
		for _, i := range order {
			ki := l.degree[i]
			ci := comm[i]
			touched = touched[:0]
			for _, e := range l.adj[i] {
				c := comm[e.To]
				if weightTo[c] == 0 {
					touched = append(touched, c)
				}
				weightTo[c] += e.Weight
			}
			tot[ci] -= ki
			best := ci
			bestGain := weightTo[ci] - resolution*tot[ci]*ki/l.m2
			for _, c := range touched {
				gain := weightTo[c] - resolution*tot[c]*ki/l.m2
				if gain > bestGain+minGain {
					best, bestGain = c, gain
				}
			}
			for _, c := range touched {
				weightTo[c] = 0
			}
			tot[best] += ki
			if best != ci {
				comm[i] = best
				nMoved++
			}
		}
		if nMoved == 0 {
			break
		}
		moved = true
	}
	return moved
}

// renumber maps the community IDs of comm onto 0..k-1 in order of first
// appearance, in place, and returns k.
func renumber(comm []int) int {
	ids := map[int]int{}
	for i, c := range comm {
		id, ok := ids[c]
		if !ok {
			id = len(ids)
			ids[c] = id
		}
		comm[i] = id
	}
	return len(ids)
}

// aggregate collapses every community of comm, numbered 0..k-1, into a
// single node.
func (l *level) aggregate(comm []int, k int) *level {
	members := make([][]int, k)
	for i, c := range comm {
		members[c] = append(members[c], i)
	}
	agg := &level{
		adj:    make([][]neighbors.Edge, k),
		loop:   make([]float64, k),
		degree: make([]float64, k),
		m2:     l.m2,
	}
	weightTo := make([]float64, k)
	var touched []int
	for c, nodes := range members {
		touched = touched[:0]
		for _, i := range nodes {
			agg.loop[c] += l.loop[i]
			agg.degree[c] += l.degree[i]
			for _, e := range l.adj[i] {
				d := comm[e.To]
				if d == c {
					agg.loop[c] += e.Weight
					continue
				}
				if weightTo[d] == 0 {
					touched = append(touched, d)
				}
				weightTo[d] += e.Weight
			}
		}
		sort.Ints(touched)
		agg.adj[c] = make([]neighbors.Edge, len(touched))
		for x, d := range touched {
			agg.adj[c][x] = neighbors.Edge{To: d, Weight: weightTo[d]}
			weightTo[d] = 0
		}
	}
	return agg
}

// louvain runs local moves from init, then recursively on the aggregate
// graph, and returns the resulting community of every node along with
// whether anything changed.
func (l *level) louvain(init []int, resolution float64, rng *rand.Rand) ([]int, bool) {
	comm := append([]int(nil), init...)
	if l.numNodes() <= 1 {
		return comm, false
	}
	changed := l.localMoves(comm, resolution, rng)
	k := renumber(comm)
	if k == l.numNodes() {
		return comm, changed
	}
	agg := l.aggregate(comm, k)
	identity := make([]int, k)
	for c := range identity {
		identity[c] = c
	}
	sub, subChanged := agg.louvain(identity, resolution, rng)
	if subChanged {
		for i, c := range comm {
			comm[i] = sub[c]
		}
		changed = true
	}
	return comm, changed
}

// modularity computes Q of the partition comm of the base level.
func (l *level) modularity(comm []int, resolution float64) float64 {
	if l.m2 == 0 {
		return 0
	}
	tot := make([]float64, len(comm))
	var in float64
	for i, a := range l.adj {
		tot[comm[i]] += l.degree[i]
		in += l.loop[i]
		for _, e := range a {
			if comm[e.To] == comm[i] {
				in += e.Weight
			}
		}
	}
	var expected float64
	for _, t := range tot {
		expected += t * t
	}
	return (in - resolution*expected/l.m2) / l.m2
}

// run performs one seeded start.
func (l *level) run(opts Opts, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	comm := make([]int, l.numNodes())
	for i := range comm {
		comm[i] = i
	}
	if l.m2 == 0 {
		return comm
	}
	for it := 0; it < opts.NIterations; it++ {
		var changed bool
		comm, changed = l.louvain(comm, opts.Resolution, rng)
		if !changed {
			break
		}
		log.Debug.Printf("cluster: seed %d iteration %d: modularity %.6f", seed, it, l.modularity(comm, opts.Resolution))
	}
	return comm
}

// Louvain partitions the cells of g.  The result depends only on g and
// opts; in particular it does not depend on opts.Parallelism.  Cells
// without edges end up in singleton clusters.
func Louvain(g *neighbors.Graph, opts Opts) (*Assignment, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if g.NumNodes() == 0 {
		return nil, errors.E(expr.DegenerateData, "cluster: empty graph")
	}
	l := newLevel(g)
	results := make([][]int, opts.NRandomStarts)
	scores := make([]float64, opts.NRandomStarts)
	err := util.ForEachShard(opts.NRandomStarts, opts.Parallelism, func(start, end int) error {
		for s := start; s < end; s++ {
			results[s] = l.run(opts, opts.Seed+int64(s))
			scores[s] = l.modularity(results[s], opts.Resolution)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	best := 0
	for s := 1; s < opts.NRandomStarts; s++ {
		if scores[s] > scores[best] {
			best = s
		}
	}
	a := &Assignment{Cells: g.Cells, Labels: sizeOrder(results[best])}
	log.Printf("cluster: %d cells in %d clusters, modularity %.4f (resolution %v, %d starts)",
		len(a.Labels), a.NumClusters(), scores[best], opts.Resolution, opts.NRandomStarts)
	return a, nil
}

// sizeOrder renumbers communities 0.. by decreasing size, breaking ties
// by the smallest member index.
func sizeOrder(comm []int) []int {
	type community struct {
		id, size, first int
	}
	byID := map[int]*community{}
	var all []*community
	for i, c := range comm {
		x, ok := byID[c]
		if !ok {
			x = &community{id: c, first: i}
			byID[c] = x
			all = append(all, x)
		}
		x.size++
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].size != all[j].size {
			return all[i].size > all[j].size
		}
		return all[i].first < all[j].first
	})
	label := make(map[int]int, len(all))
	for l, x := range all {
		label[x.id] = l
	}
	out := make([]int, len(comm))
	for i, c := range comm {
		out[i] = label[c]
	}
	return out
}

// Modularity returns the modularity of labels on g at the given resolution,
// as computed by gonum's community.Q.  A graph without edges has
// modularity 0.
func Modularity(g *neighbors.Graph, labels []int, resolution float64) (float64, error) {
	if len(labels) != g.NumNodes() {
		return 0, errors.E(expr.Parameter, fmt.Sprintf("cluster: %d labels for %d nodes", len(labels), g.NumNodes()))
	}
	if g.NumEdges() == 0 {
		return 0, nil
	}
	return community.Q(g.Gonum(), communities(labels), resolution), nil
}

// communities groups node IDs by label for gonum.
func communities(labels []int) [][]graph.Node {
	max := -1
	for _, l := range labels {
		if l > max {
			max = l
		}
	}
	out := make([][]graph.Node, max+1)
	for i, l := range labels {
		out[l] = append(out[l], simple.Node(i))
	}
	return out
}
