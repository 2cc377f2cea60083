// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package umap

import (
	"math"
	"math/rand"
)

const gradientClip = 4

func clip(v float64) float64 {
	if v > gradientClip {
		return gradientClip
	}
	if v < -gradientClip {
		return -gradientClip
	}
	return v
}

// descend refines coords in place.  Each edge is sampled in proportion to
// its weight: an edge of maximum weight once per epoch.  Every sample pulls
// its two ends together and pushes the head away from
// opts.NegativeSampleRate random cells.  The updates are applied in a
// fixed order, so the result depends only on the seed of rng.
func descend(coords [][2]float64, edges []edge, a, b float64, opts Opts, rng *rand.Rand) {
	var maxW float64
	for _, e := range edges {
		if e.weight > maxW {
			maxW = e.weight
		}
	}
	nEpochs := float64(opts.NEpochs)
	// Edges that would be sampled less than once are dropped.
	kept := edges[:0:0]
	for _, e := range edges {
		if e.weight >= maxW/nEpochs {
			kept = append(kept, e)
		}
	}
	edges = kept
	epochsPerSample := make([]float64, len(edges))
	nextSample := make([]float64, len(edges))
	epochsPerNeg := make([]float64, len(edges))
	nextNeg := make([]float64, len(edges))
	for i, e := range edges {
		epochsPerSample[i] = maxW / e.weight
		nextSample[i] = epochsPerSample[i]
		if opts.NegativeSampleRate > 0 {
			epochsPerNeg[i] = epochsPerSample[i] / float64(opts.NegativeSampleRate)
			nextNeg[i] = epochsPerNeg[i]
		}
	}
	n := len(coords)
	for epoch := 0; epoch < opts.NEpochs; epoch++ {
		alpha := opts.LearningRate * (1 - float64(epoch)/nEpochs)
		ep := float64(epoch)
		for i, e := range edges {
			if nextSample[i] > ep {
				continue
			}
			cur, other := &coords[e.head], &coords[e.tail]
			distSq := sqDist(cur, other)
			var coeff float64
			if distSq > 0 {
				coeff = -2 * a * b * math.Pow(distSq, b-1) / (a*math.Pow(distSq, b) + 1)
			}
			for d := 0; d < 2; d++ {
				g := clip(coeff * (cur[d] - other[d]))
				cur[d] += g * alpha
				other[d] -= g * alpha
			}
			nextSample[i] += epochsPerSample[i]

			if opts.NegativeSampleRate == 0 {
				continue
			}
			nNeg := int((ep - nextNeg[i]) / epochsPerNeg[i])
			if nNeg < 0 {
				nNeg = 0
			}
			for p := 0; p < nNeg; p++ {
				k := rng.Intn(n)
				if k == e.head {
					continue
				}
				other := &coords[k]
				distSq := sqDist(cur, other)
				coeff = 0
				if distSq > 0 {
					coeff = 2 * b / ((0.001 + distSq) * (a*math.Pow(distSq, b) + 1))
				}
				for d := 0; d < 2; d++ {
					g := float64(gradientClip)
					if coeff > 0 {
						g = clip(coeff * (cur[d] - other[d]))
					}
					cur[d] += g * alpha
				}
			}
			nextNeg[i] += float64(nNeg) * epochsPerNeg[i]
		}
	}
}

func sqDist(x, y *[2]float64) float64 {
	d0, d1 := x[0]-y[0], x[1]-y[1]
	return d0*d0 + d1*d1
}
