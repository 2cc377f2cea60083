// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package mtx

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/expr"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// Names of the files inside a matrix directory, in order of preference.
var (
	matrixNames   = []string{"matrix.mtx.gz", "matrix.mtx"}
	barcodeNames  = []string{"barcodes.tsv.gz", "barcodes.tsv"}
	featureNames  = []string{"features.tsv.gz", "features.tsv", "genes.tsv.gz", "genes.tsv"}
	writtenMatrix = "matrix.mtx.gz"
)

// ReadOpts controls ReadDir.
type ReadOpts struct {
	// AllFeatureTypes keeps non-RNA features (antibody capture, CRISPR
	// guides, ...) of multimodal files.  By default only features of type
	// GeneExpression, or features without a type, are kept.
	AllFeatureTypes bool
}

func joinPath(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + name
}

// findFile returns the first of names present in dir.
func findFile(ctx context.Context, dir string, names []string) (string, error) {
	for _, n := range names {
		p := joinPath(dir, n)
		if _, err := file.Stat(ctx, p); err == nil {
			return p, nil
		}
	}
	return "", errors.E(expr.MalformedInput, fmt.Sprintf("%s: none of %v found", dir, names))
}

// openMaybeGzip opens path, decompressing it when it ends in ".gz".  The
// returned closer closes both layers.
func openMaybeGzip(ctx context.Context, path string) (io.Reader, func() error, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, errors.E(err, "open", path)
	}
	if !strings.HasSuffix(path, ".gz") {
		return in.Reader(ctx), func() error { return in.Close(ctx) }, nil
	}
	gz, err := gzip.NewReader(in.Reader(ctx))
	if err != nil {
		in.Close(ctx) // nolint: errcheck
		return nil, nil, errors.E(expr.MalformedInput, err, "gunzip", path)
	}
	return gz, func() error {
		err := gz.Close()
		if err2 := in.Close(ctx); err == nil {
			err = err2
		}
		return err
	}, nil
}

func readFile(ctx context.Context, path string, parse func(io.Reader) error) error {
	r, closer, err := openMaybeGzip(ctx, path)
	if err != nil {
		return err
	}
	if err := parse(r); err != nil {
		closer() // nolint: errcheck
		return errors.E(err, path)
	}
	return closer()
}

// ReadDir loads a matrix directory.  The three files are read concurrently.
func ReadDir(ctx context.Context, dir string, opts ReadOpts) (*expr.Matrix, error) {
	matrixPath, err := findFile(ctx, dir, matrixNames)
	if err != nil {
		return nil, err
	}
	barcodePath, err := findFile(ctx, dir, barcodeNames)
	if err != nil {
		return nil, err
	}
	featurePath, err := findFile(ctx, dir, featureNames)
	if err != nil {
		return nil, err
	}

	var (
		header   Header
		entries  []expr.Triplet
		barcodes []string
		features []Feature
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readFile(gctx, matrixPath, func(r io.Reader) (err error) {
			header, entries, err = ReadMatrixMarket(r)
			return
		})
	})
	g.Go(func() error {
		return readFile(gctx, barcodePath, func(r io.Reader) (err error) {
			barcodes, err = ReadBarcodes(r)
			return
		})
	})
	g.Go(func() error {
		return readFile(gctx, featurePath, func(r io.Reader) (err error) {
			features, err = ReadFeatures(r)
			return
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m, err := Assemble(header, entries, barcodes, features, opts)
	if err != nil {
		return nil, errors.E(err, dir)
	}
	log.Printf("mtx: read %s: %d genes x %d cells, %d nonzeros", dir, m.NumGenes(), m.NumCells(), m.NNZ())
	return m, nil
}

// Assemble checks that the parsed pieces of a matrix directory agree with
// each other and builds the Matrix.
func Assemble(header Header, entries []expr.Triplet, barcodes []string, features []Feature, opts ReadOpts) (*expr.Matrix, error) {
	if header.Rows != len(features) {
		return nil, errors.E(expr.MalformedInput, fmt.Sprintf("matrix has %d rows but there are %d features", header.Rows, len(features)))
	}
	if header.Cols != len(barcodes) {
		return nil, errors.E(expr.MalformedInput, fmt.Sprintf("matrix has %d columns but there are %d barcodes", header.Cols, len(barcodes)))
	}
	if header.Entries != len(entries) {
		return nil, errors.E(expr.MalformedInput, fmt.Sprintf("matrix declares %d entries but has %d", header.Entries, len(entries)))
	}
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.Name
	}
	names = MakeUnique(names)
	genes := make([]expr.Gene, len(features))
	for i, f := range features {
		genes[i] = expr.Gene{ID: f.ID, Name: names[i]}
	}
	m, err := expr.FromTriplets(genes, barcodes, entries)
	if err != nil {
		return nil, err
	}
	if opts.AllFeatureTypes {
		return m, nil
	}
	keep := make([]int, 0, len(features))
	for i, f := range features {
		if f.Type == "" || f.Type == GeneExpression {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(features) {
		return m, nil
	}
	log.Debug.Printf("mtx: dropping %d non-RNA features", len(features)-len(keep))
	return m.SubsetGenes(keep), nil
}

// WriteDir writes m as a gzip-compressed matrix directory that ReadDir can
// load.  dir must already exist for local paths.
func WriteDir(ctx context.Context, dir string, m *expr.Matrix) error {
	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{writtenMatrix, func(w io.Writer) error { return WriteMatrixMarket(w, m) }},
		{barcodeNames[0], func(w io.Writer) error { return writeBarcodes(w, m.Cells) }},
		{featureNames[0], func(w io.Writer) error { return writeFeatures(w, m.Genes) }},
	}
	for _, wr := range writers {
		if err := writeGzip(ctx, joinPath(dir, wr.name), wr.write); err != nil {
			return err
		}
	}
	return nil
}

func writeGzip(ctx context.Context, path string, write func(io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	gz := gzip.NewWriter(out.Writer(ctx))
	if err = write(gz); err != nil {
		return errors.E(err, "write", path)
	}
	return gz.Close()
}
