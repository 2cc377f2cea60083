// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/scrna/cluster"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/norm"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/scrna/qc"
	"github.com/grailbio/scrna/umap"
	"gopkg.in/yaml.v3"
)

// Opts configures every stage of Run.
type Opts struct {
	QC        qc.Opts        `yaml:"qc"`
	Norm      norm.Opts      `yaml:"norm"`
	PCA       pca.Opts       `yaml:"pca"`
	Neighbors neighbors.Opts `yaml:"neighbors"`
	Cluster   cluster.Opts   `yaml:"cluster"`
	UMAP      umap.Opts      `yaml:"umap"`
	// SkipUMAP leaves Result.UMAP nil.
	SkipUMAP bool `yaml:"skip_umap"`
	// Parallelism bounds the number of goroutines of every stage; 0 =
	// runtime.NumCPU().
	Parallelism int `yaml:"parallelism"`
}

// DefaultOpts collects the defaults of every stage.
var DefaultOpts = Opts{
	QC:        qc.DefaultOpts,
	Norm:      norm.DefaultOpts,
	PCA:       pca.DefaultOpts,
	Neighbors: neighbors.DefaultOpts,
	Cluster:   cluster.DefaultOpts,
	UMAP:      umap.DefaultOpts,
}

// Validate checks the options of every stage.
func (o Opts) Validate() error {
	for _, v := range []interface{ Validate() error }{o.QC, o.Norm, o.PCA, o.Neighbors, o.Cluster, o.UMAP} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// effective returns o with Parallelism copied into every stage.  A UMAP
// with Dims 0 searches neighbors in the same components as the graph.
func (o Opts) effective() Opts {
	o.QC.Parallelism = o.Parallelism
	o.Norm.Parallelism = o.Parallelism
	o.Neighbors.Parallelism = o.Parallelism
	o.Cluster.Parallelism = o.Parallelism
	o.UMAP.Parallelism = o.Parallelism
	if o.UMAP.Dims == 0 {
		o.UMAP.Dims = o.Neighbors.Dims
	}
	return o
}

// YAML renders o in the format read by ParseOpts.
func (o Opts) YAML() (string, error) {
	b, err := yaml.Marshal(o)
	if err != nil {
		return "", errors.E(err, "pipeline: marshal options")
	}
	return string(b), nil
}

// ParseOpts reads YAML options from r on top of DefaultOpts.  Unknown keys
// are errors.  Empty input yields DefaultOpts.
func ParseOpts(r io.Reader) (Opts, error) {
	opts := DefaultOpts
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && err != io.EOF {
		return opts, errors.E(expr.Parameter, err, "pipeline: options")
	}
	return opts, opts.Validate()
}

// LoadOpts reads options from the YAML file at path.
func LoadOpts(ctx context.Context, path string) (opts Opts, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return DefaultOpts, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if opts, err = ParseOpts(in.Reader(ctx)); err != nil {
		err = errors.E(err, path)
	}
	return opts, err
}
