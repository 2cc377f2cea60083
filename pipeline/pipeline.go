// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pipeline runs the clustering workflow on a count matrix:
//
//   QC → log-normalize → select variable features → scale → PCA →
//   SNN graph → Louvain clusters (→ UMAP layout)
//
// Each stage consumes only the output of the previous one.
package pipeline

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/cluster"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/norm"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/scrna/qc"
	"github.com/grailbio/scrna/umap"
)

// Result holds the output of every stage.
type Result struct {
	QC qc.Summary
	// Filtered holds the raw counts of the cells and genes that passed QC.
	Filtered   *expr.Matrix
	Normalized *expr.Matrix
	Variable   norm.Ranking
	Scaled     *norm.Scaled
	PCA        *pca.Embedding
	Graph      *neighbors.Graph
	Clusters   *cluster.Assignment
	Modularity float64
	// UMAP is nil if Opts.SkipUMAP is set.
	UMAP *umap.Layout
}

// Run runs every stage on the raw count matrix m.  It checks ctx between
// stages.
func Run(ctx context.Context, m *expr.Matrix, opts Opts) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.effective()
	var (
		r   = &Result{}
		err error
	)
	stage := func(name string, fn func() error) {
		if err != nil {
			return
		}
		if err = ctx.Err(); err != nil {
			err = errors.E(err, "pipeline: canceled before", name)
			return
		}
		log.Debug.Printf("pipeline: %s", name)
		if err = fn(); err != nil {
			err = errors.E(err, "pipeline:", name)
		}
	}
	stage("qc", func() (err error) {
		r.Filtered, r.QC, err = qc.Filter(m, opts.QC)
		return
	})
	stage("normalize", func() (err error) {
		r.Normalized, err = norm.LogNormalize(r.Filtered, opts.Norm.ScaleFactor, opts.Parallelism)
		return
	})
	stage("variable features", func() (err error) {
		// vst models the mean-variance relationship of raw counts.
		r.Variable, err = norm.SelectVariableFeatures(r.Filtered, opts.Norm)
		return
	})
	stage("scale", func() (err error) {
		r.Scaled, err = norm.Scale(r.Normalized, r.Variable.Names(), opts.Norm.MaxValue, opts.Parallelism)
		return
	})
	stage("pca", func() (err error) {
		r.PCA, err = pca.Run(r.Scaled, opts.PCA)
		return
	})
	stage("neighbors", func() (err error) {
		r.Graph, err = neighbors.Find(r.PCA, opts.Neighbors)
		return
	})
	stage("clusters", func() (err error) {
		if r.Clusters, err = cluster.Louvain(r.Graph, opts.Cluster); err != nil {
			return
		}
		r.Modularity, err = cluster.Modularity(r.Graph, r.Clusters.Labels, opts.Cluster.Resolution)
		return
	})
	if !opts.SkipUMAP {
		stage("umap", func() (err error) {
			r.UMAP, err = umap.Run(r.PCA, nil, opts.UMAP)
			return
		})
	}
	if err != nil {
		return nil, err
	}
	log.Printf("pipeline: %d cells in %d clusters (modularity %.4f)", len(r.Clusters.Labels), r.Clusters.NumClusters(), r.Modularity)
	return r, nil
}
