// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/cluster"
	"github.com/grailbio/scrna/encoding/clusters"
	"github.com/grailbio/scrna/encoding/mtx"
	"github.com/grailbio/scrna/encoding/sqlite"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/pipeline"
	"github.com/grailbio/scrna/qc"
	"gonum.org/v1/gonum/mat"
)

type runFlags struct {
	out             *string
	sqlite          *string
	names           *string
	allFeatureTypes *bool
}

type output struct {
	suffix string
	write  func(io.Writer) error
}

func writeOutputs(ctx context.Context, prefix string, outputs []output) error {
	for _, o := range outputs {
		path := prefix + o.suffix
		if err := clusters.WriteFile(ctx, path, o.write); err != nil {
			return err
		}
		log.Debug.Printf("wrote %s", path)
	}
	return nil
}

func readNameMap(ctx context.Context, path string) (names map[int]string, err error) {
	err = clusters.ReadFile(ctx, path, func(r io.Reader) (err error) {
		names, err = clusters.ReadNameMap(r)
		return
	})
	return
}

func run(ctx context.Context, dir string, opts pipeline.Opts, flags runFlags) error {
	m, err := mtx.ReadDir(ctx, dir, mtx.ReadOpts{AllFeatureTypes: *flags.allFeatureTypes})
	if err != nil {
		return err
	}
	r, err := pipeline.Run(ctx, m, opts)
	if err != nil {
		return err
	}
	a := r.Clusters
	if *flags.names != "" {
		names, err := readNameMap(ctx, *flags.names)
		if err != nil {
			return err
		}
		if a, err = cluster.Relabel(a, names); err != nil {
			return err
		}
	}
	outputs := []output{
		{".clusters.tsv", func(w io.Writer) error { return clusters.WriteAssignment(w, a) }},
		{".names.tsv", func(w io.Writer) error { return clusters.WriteNameMap(w, a) }},
		{".qc.tsv", func(w io.Writer) error { return clusters.WriteQC(w, r.QC.Metadata, r.QC.Passed) }},
		{".variable.tsv", func(w io.Writer) error { return clusters.WriteVariable(w, r.Variable) }},
		{".pca.tsv", func(w io.Writer) error { return clusters.WriteEmbedding(w, r.PCA.Cells, r.PCA.Coords, "PC") }},
		{".elbow.tsv", func(w io.Writer) error { return clusters.WriteElbow(w, r.PCA.ElbowTable()) }},
	}
	embeddings := map[string]*mat.Dense{"pca": r.PCA.Coords}
	if r.UMAP != nil {
		outputs = append(outputs, output{".umap.tsv", func(w io.Writer) error {
			return clusters.WriteEmbedding(w, r.UMAP.Cells, r.UMAP.Coords, "UMAP")
		}})
		embeddings["umap"] = r.UMAP.Coords
	}
	if err := writeOutputs(ctx, *flags.out, outputs); err != nil {
		return err
	}
	if *flags.sqlite == "" {
		return nil
	}
	params, err := opts.YAML()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(ctx, *flags.sqlite)
	if err != nil {
		return err
	}
	id, err := db.Save(ctx, sqlite.Run{
		Input:      dir,
		Params:     params,
		Modularity: r.Modularity,
		Metadata:   r.QC.Metadata,
		Passed:     r.QC.Passed,
		Clusters:   a,
		Variable:   r.Variable,
		Embeddings: embeddings,
	})
	if err2 := db.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return err
	}
	log.Printf("saved run %d to %s", id, *flags.sqlite)
	return nil
}

// runQC writes QC metrics for every cell.  A threshold that rejects every
// cell still produces the metrics file.
func runQC(ctx context.Context, dir string, opts pipeline.Opts, prefix string, allFeatureTypes bool) error {
	m, err := mtx.ReadDir(ctx, dir, mtx.ReadOpts{AllFeatureTypes: allFeatureTypes})
	if err != nil {
		return err
	}
	qcOpts := opts.QC
	qcOpts.Parallelism = opts.Parallelism
	_, s, err := qc.Filter(m, qcOpts)
	if err != nil && !expr.IsDegenerateData(err) {
		return err
	}
	if werr := writeOutputs(ctx, prefix, []output{
		{".qc.tsv", func(w io.Writer) error { return clusters.WriteQC(w, s.Metadata, s.Passed) }},
	}); werr != nil {
		return werr
	}
	return err
}

// relabel applies a name map to an assignment file.  out == "" writes to
// stdout.
func relabel(ctx context.Context, assignmentPath, namesPath, out string, stdout io.Writer) error {
	var a *cluster.Assignment
	if err := clusters.ReadFile(ctx, assignmentPath, func(r io.Reader) (err error) {
		a, err = clusters.ReadAssignment(r)
		return
	}); err != nil {
		return err
	}
	names, err := readNameMap(ctx, namesPath)
	if err != nil {
		return err
	}
	if a, err = cluster.Relabel(a, names); err != nil {
		return err
	}
	write := func(w io.Writer) error { return clusters.WriteAssignment(w, a) }
	if out == "" {
		return write(stdout)
	}
	return clusters.WriteFile(ctx, out, write)
}
