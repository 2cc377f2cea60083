// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package norm

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/util"
)

// MethodVST is the only supported feature selection method.
const MethodVST = "vst"

// Opts configures normalization, feature selection and scaling.
type Opts struct {
	// ScaleFactor is the per-cell total after normalization, before log1p.
	ScaleFactor float64 `yaml:"scale_factor"`
	// NFeatures is the number of variable genes to select.
	NFeatures int `yaml:"n_features"`
	// Method is the feature selection method; only "vst" is supported.
	Method string `yaml:"method"`
	// LoessSpan is the fraction of genes used in each local fit of the
	// mean-variance trend.
	LoessSpan float64 `yaml:"loess_span"`
	// MaxValue clips scaled values from above; 0 disables clipping.  The
	// default keeps every scaled gene at unit variance; the PBMC workflow
	// sets 10.
	MaxValue float64 `yaml:"max_value"`
	// Parallelism bounds the number of goroutines; 0 = runtime.NumCPU().
	Parallelism int `yaml:"-"`
}

// DefaultOpts matches the reference workflow.
var DefaultOpts = Opts{
	ScaleFactor: 10000,
	NFeatures:   2000,
	Method:      MethodVST,
	LoessSpan:   0.3,
	MaxValue:    0,
}

// Validate checks opts.
func (o Opts) Validate() error {
	if !(o.ScaleFactor > 0) {
		return errors.E(expr.Parameter, fmt.Sprintf("norm: scale factor %v must be positive", o.ScaleFactor))
	}
	if o.NFeatures < 1 {
		return errors.E(expr.Parameter, fmt.Sprintf("norm: need at least one feature, got %d", o.NFeatures))
	}
	if o.Method != MethodVST {
		return errors.E(expr.Parameter, fmt.Sprintf("norm: feature selection method %q not supported", o.Method))
	}
	if !(o.LoessSpan > 0 && o.LoessSpan <= 1) {
		return errors.E(expr.Parameter, fmt.Sprintf("norm: loess span %v outside (0,1]", o.LoessSpan))
	}
	if o.MaxValue < 0 {
		return errors.E(expr.Parameter, fmt.Sprintf("norm: negative max value %v", o.MaxValue))
	}
	return nil
}

// GeneVariance is one entry of a Ranking.
type GeneVariance struct {
	Gene                 expr.Gene
	Mean                 float64
	Variance             float64
	VarianceExpected     float64
	VarianceStandardized float64
}

// Ranking lists genes by decreasing standardized variance, ties broken by
// gene ID.
type Ranking []GeneVariance

// Names returns the gene names in rank order.
func (r Ranking) Names() []string {
	names := make([]string, len(r))
	for i, g := range r {
		names[i] = g.Gene.Name
	}
	return names
}

// SelectVariableFeatures ranks the genes of the raw count matrix m with
// the vst method and returns the top opts.NFeatures of them (all genes if m
// has fewer).
func SelectVariableFeatures(m *expr.Matrix, opts Opts) (Ranking, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ranking, err := rankGenes(m, opts)
	if err != nil {
		return nil, err
	}
	n := opts.NFeatures
	if n > len(ranking) {
		log.Printf("norm: requested %d variable features but only %d genes exist", n, len(ranking))
		n = len(ranking)
	}
	log.Printf("norm: selected %d variable features", n)
	return ranking[:n], nil
}

func rankGenes(m *expr.Matrix, opts Opts) (Ranking, error) {
	nCells := m.NumCells()
	if nCells < 2 {
		return nil, errors.E(expr.DegenerateData, fmt.Sprintf("norm: variance needs at least 2 cells, got %d", nCells))
	}
	rows := m.Rows()
	nGenes := rows.NumGenes()
	ranking := make(Ranking, nGenes)
	n := float64(nCells)
	err := util.ForEachShard(nGenes, opts.Parallelism, func(start, end int) error {
		for i := start; i < end; i++ {
			_, values := rows.Row(i)
			var sum float64
			for _, v := range values {
				sum += v
			}
			mean := sum / n
			// Zeros contribute mean^2 each.
			ss := mean * mean * (n - float64(len(values)))
			for _, v := range values {
				ss += (v - mean) * (v - mean)
			}
			ranking[i] = GeneVariance{Gene: m.Genes[i], Mean: mean, Variance: ss / (n - 1)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Fit the trend on non-constant genes only.
	var fitIdx []int
	var x, y []float64
	for i, g := range ranking {
		if g.Variance > 0 {
			fitIdx = append(fitIdx, i)
			x = append(x, math.Log10(g.Mean))
			y = append(y, math.Log10(g.Variance))
		}
	}
	if len(fitIdx) == 0 {
		return nil, errors.E(expr.DegenerateData, "norm: every gene has zero variance")
	}
	fitted := loess(x, y, opts.LoessSpan, opts.Parallelism)
	for k, i := range fitIdx {
		ranking[i].VarianceExpected = math.Pow(10, fitted[k])
	}

	clip := math.Sqrt(n)
	err = util.ForEachShard(nGenes, opts.Parallelism, func(start, end int) error {
		for i := start; i < end; i++ {
			g := &ranking[i]
			if g.VarianceExpected <= 0 {
				continue
			}
			sd := math.Sqrt(g.VarianceExpected)
			_, values := rows.Row(i)
			zero := g.Mean / sd
			ss := zero * zero * (n - float64(len(values)))
			for _, v := range values {
				z := (v - g.Mean) / sd
				if z > clip {
					z = clip
				}
				ss += z * z
			}
			g.VarianceStandardized = ss / (n - 1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ranking, func(a, b int) bool {
		if ranking[a].VarianceStandardized != ranking[b].VarianceStandardized {
			return ranking[a].VarianceStandardized > ranking[b].VarianceStandardized
		}
		return ranking[a].Gene.ID < ranking[b].Gene.ID
	})
	return ranking, nil
}
