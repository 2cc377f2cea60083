// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/grailbio/scrna/pipeline"
)

// stageFlags are the pipeline options settable from the command line.
// They override the -config file, which overrides the defaults.
type stageFlags struct {
	config      *string
	parallelism *int

	mitoPattern *string
	minGenes    *int
	maxGenes    *int
	maxMitoPct  *float64
	minCells    *int

	nFeatures *int
	nPCs      *int
	dims      *int
	k         *int

	resolution *float64
	seed       *int64
	starts     *int
	skipUMAP   *bool
}

func newStageFlags(fs *flag.FlagSet) *stageFlags {
	d := pipeline.DefaultOpts
	return &stageFlags{
		config:      fs.String("config", "", "YAML file of pipeline options; see 'bio-scrna config'"),
		parallelism: fs.Int("parallelism", d.Parallelism, "Maximum number of goroutines per stage; 0 = runtime.NumCPU()"),
		mitoPattern: fs.String("mito-pattern", d.QC.MitoPattern, "Regular expression matching mitochondrial gene names"),
		minGenes:    fs.Int("min-genes", d.QC.MinGenes, "Cells must detect more than this many genes"),
		maxGenes:    fs.Int("max-genes", d.QC.MaxGenes, "Cells must detect fewer than this many genes"),
		maxMitoPct:  fs.Float64("max-mito-pct", d.QC.MaxMitoPct, "Cells must have a mitochondrial percentage below this"),
		minCells:    fs.Int("min-cells", d.QC.MinCells, "Genes must be detected in at least this many cells"),
		nFeatures:   fs.Int("n-features", d.Norm.NFeatures, "Number of variable features"),
		nPCs:        fs.Int("n-pcs", d.PCA.NComponents, "Number of principal components to compute"),
		dims:        fs.Int("dims", d.Neighbors.Dims, "Number of principal components used for neighbor search"),
		k:           fs.Int("k", d.Neighbors.K, "Neighborhood size, counting the cell itself"),
		resolution:  fs.Float64("resolution", d.Cluster.Resolution, "Louvain resolution; higher values give more clusters"),
		seed:        fs.Int64("seed", d.Cluster.Seed, "Louvain random seed"),
		starts:      fs.Int("random-starts", d.Cluster.NRandomStarts, "Number of Louvain random starts"),
		skipUMAP:    fs.Bool("skip-umap", d.SkipUMAP, "Do not compute a UMAP layout"),
	}
}

// opts returns the effective options: defaults, then the -config file,
// then the flags explicitly set in fs.
func (f *stageFlags) opts(ctx context.Context, fs *flag.FlagSet) (pipeline.Opts, error) {
	opts := pipeline.DefaultOpts
	if *f.config != "" {
		var err error
		if opts, err = pipeline.LoadOpts(ctx, *f.config); err != nil {
			return opts, err
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "parallelism":
			opts.Parallelism = *f.parallelism
		case "mito-pattern":
			opts.QC.MitoPattern = *f.mitoPattern
		case "min-genes":
			opts.QC.MinGenes = *f.minGenes
		case "max-genes":
			opts.QC.MaxGenes = *f.maxGenes
		case "max-mito-pct":
			opts.QC.MaxMitoPct = *f.maxMitoPct
		case "min-cells":
			opts.QC.MinCells = *f.minCells
		case "n-features":
			opts.Norm.NFeatures = *f.nFeatures
		case "n-pcs":
			opts.PCA.NComponents = *f.nPCs
		case "dims":
			opts.Neighbors.Dims = *f.dims
		case "k":
			opts.Neighbors.K = *f.k
		case "resolution":
			opts.Cluster.Resolution = *f.resolution
		case "seed":
			opts.Cluster.Seed = *f.seed
		case "random-starts":
			opts.Cluster.NRandomStarts = *f.starts
		case "skip-umap":
			opts.SkipUMAP = *f.skipUMAP
		}
	})
	return opts, opts.Validate()
}
