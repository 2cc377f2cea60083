// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package qc computes per-cell quality covariates and removes low-quality
// cells and rarely detected genes.
package qc

import (
	"fmt"
	"regexp"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/util"
)

// Opts holds QC thresholds.  All cell bounds are strict: a cell passes when
// MinGenes < NFeature < MaxGenes and PercentMito < MaxMitoPct.  Callers that
// want inclusive bounds adjust the thresholds by one.
type Opts struct {
	// MitoPattern is a regular expression matched against gene names to
	// select mitochondrial genes.
	MitoPattern string `yaml:"mito_pattern"`
	// MinGenes is the exclusive lower bound on detected genes per cell.
	MinGenes int `yaml:"min_genes"`
	// MaxGenes is the exclusive upper bound on detected genes per cell.
	MaxGenes int `yaml:"max_genes"`
	// MaxMitoPct is the exclusive upper bound on the mitochondrial
	// percentage (0-100).
	MaxMitoPct float64 `yaml:"max_mito_pct"`
	// MinCells is the minimum number of cells a gene must be detected in.
	MinCells int `yaml:"min_cells"`
	// Parallelism bounds the number of goroutines; 0 = runtime.NumCPU().
	Parallelism int `yaml:"-"`
}

// DefaultOpts are the thresholds of the standard PBMC workflow.
var DefaultOpts = Opts{
	MitoPattern: "^MT-",
	MinGenes:    200,
	MaxGenes:    2500,
	MaxMitoPct:  5,
	MinCells:    3,
}

// Validate checks that the thresholds are usable.
func (o Opts) Validate() error {
	if o.MinGenes < 0 || o.MaxGenes < 0 || o.MinCells < 0 {
		return errors.E(expr.Parameter, fmt.Sprintf("qc: negative threshold in %+v", o))
	}
	if o.MaxGenes <= o.MinGenes+1 {
		return errors.E(expr.Parameter, fmt.Sprintf("qc: no gene count satisfies %d < n < %d", o.MinGenes, o.MaxGenes))
	}
	if o.MaxMitoPct <= 0 {
		return errors.E(expr.Parameter, fmt.Sprintf("qc: max mito percentage %v admits no cell", o.MaxMitoPct))
	}
	if _, err := regexp.Compile(o.MitoPattern); err != nil {
		return errors.E(expr.Parameter, err, "qc: mito pattern", o.MitoPattern)
	}
	return nil
}

// ComputeMetadata computes the QC covariates of every cell of m.  Genes
// whose name matches mitoPattern count towards PercentMito.  Cells with no
// counts get PercentMito 0.
func ComputeMetadata(m *expr.Matrix, mitoPattern string, parallelism int) ([]expr.CellMetadata, error) {
	re, err := regexp.Compile(mitoPattern)
	if err != nil {
		return nil, errors.E(expr.Parameter, err, "qc: mito pattern", mitoPattern)
	}
	mito := make([]bool, m.NumGenes())
	nMito := 0
	for i, g := range m.Genes {
		if re.MatchString(g.Name) {
			mito[i] = true
			nMito++
		}
	}
	if nMito == 0 {
		log.Debug.Printf("qc: no gene matches mito pattern %q", mitoPattern)
	}
	md := make([]expr.CellMetadata, m.NumCells())
	err = util.ForEachShard(m.NumCells(), parallelism, func(start, end int) error {
		for j := start; j < end; j++ {
			rows, values := m.Column(j)
			var total, mt float64
			for k, r := range rows {
				total += values[k]
				if mito[r] {
					mt += values[k]
				}
			}
			md[j] = expr.CellMetadata{Cell: m.Cells[j], NCount: total, NFeature: len(rows)}
			if total > 0 {
				md[j].PercentMito = 100 * mt / total
			}
		}
		return nil
	})
	return md, err
}

// Passes reports whether a cell passes the cell thresholds of opts.
func (o Opts) Passes(c expr.CellMetadata) bool {
	return o.MinGenes < c.NFeature && c.NFeature < o.MaxGenes && c.PercentMito < o.MaxMitoPct
}

// FilterCells keeps the cells of m whose metadata passes opts.  md must
// have been computed from m.
func FilterCells(m *expr.Matrix, md []expr.CellMetadata, opts Opts) (*expr.Matrix, error) {
	if len(md) != m.NumCells() {
		return nil, errors.E(expr.Parameter, fmt.Sprintf("qc: %d metadata records for %d cells", len(md), m.NumCells()))
	}
	keep := make([]int, 0, m.NumCells())
	for j, c := range md {
		if c.Cell != m.Cells[j] {
			return nil, errors.E(expr.Parameter, fmt.Sprintf("qc: metadata record %d is for cell %s, not %s", j, c.Cell, m.Cells[j]))
		}
		if opts.Passes(c) {
			keep = append(keep, j)
		}
	}
	if len(keep) == m.NumCells() {
		return m, nil
	}
	return m.SubsetCells(keep), nil
}

// FilterGenes keeps the genes of m detected (nonzero) in at least minCells
// cells.
func FilterGenes(m *expr.Matrix, minCells int) (*expr.Matrix, error) {
	if minCells < 0 {
		return nil, errors.E(expr.Parameter, fmt.Sprintf("qc: negative min cells %d", minCells))
	}
	detected := make([]int, m.NumGenes())
	for j := 0; j < m.NumCells(); j++ {
		rows, _ := m.Column(j)
		for _, r := range rows {
			detected[r]++
		}
	}
	keep := make([]int, 0, m.NumGenes())
	for i, n := range detected {
		if n >= minCells {
			keep = append(keep, i)
		}
	}
	if len(keep) == m.NumGenes() {
		return m, nil
	}
	return m.SubsetGenes(keep), nil
}

// Summary records the effect of Filter.
type Summary struct {
	CellsIn, CellsOut int
	GenesIn, GenesOut int
	// Rounds is the number of gene+cell filtering rounds Filter ran.
	Rounds int
	// Metadata holds the covariates of every input cell, as computed in the
	// last round the cell took part in, and Passed whether each one
	// survived.  Passed[j] == opts.Passes(Metadata[j]).
	Metadata []expr.CellMetadata
	Passed   []bool
}

// Filter applies gene filtering and then cell filtering, the order of the
// reference workflow (genes are dropped when the object is created; cells
// are subset on their metrics afterwards).  Dropping cells can leave a gene
// detected in fewer than MinCells cells, and dropping that gene can push a
// cell below MinGenes, so the two filters are repeated until neither
// removes anything.  The result therefore passes Filter unchanged.
func Filter(m *expr.Matrix, opts Opts) (*expr.Matrix, Summary, error) {
	s := Summary{CellsIn: m.NumCells(), GenesIn: m.NumGenes()}
	if err := opts.Validate(); err != nil {
		return nil, s, err
	}
	s.Metadata = make([]expr.CellMetadata, m.NumCells())
	s.Passed = make([]bool, m.NumCells())
	// index maps the cells of cur to the cells of m.
	index := make([]int, m.NumCells())
	for j := range index {
		index[j] = j
	}
	cur := m
	for {
		s.Rounds++
		genes, err := FilterGenes(cur, opts.MinCells)
		if err != nil {
			return nil, s, err
		}
		md, err := ComputeMetadata(genes, opts.MitoPattern, opts.Parallelism)
		if err != nil {
			return nil, s, err
		}
		out, err := FilterCells(genes, md, opts)
		if err != nil {
			return nil, s, err
		}
		kept := index[:0:0]
		for j, c := range md {
			s.Metadata[index[j]] = c
			s.Passed[index[j]] = opts.Passes(c)
			if s.Passed[index[j]] {
				kept = append(kept, index[j])
			}
		}
		log.Debug.Printf("qc: round %d: %d genes, %d cells", s.Rounds, out.NumGenes(), out.NumCells())
		done := out.NumGenes() == cur.NumGenes() && out.NumCells() == cur.NumCells()
		cur, index = out, kept
		if done || cur.NumCells() == 0 {
			break
		}
	}
	s.CellsOut, s.GenesOut = cur.NumCells(), cur.NumGenes()
	log.Printf("qc: kept %d/%d cells, %d/%d genes", s.CellsOut, s.CellsIn, s.GenesOut, s.GenesIn)
	if s.CellsOut == 0 {
		return nil, s, errors.E(expr.DegenerateData, "qc: no cell passed the thresholds")
	}
	return cur, s, nil
}
