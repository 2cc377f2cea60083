// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package mtx

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/expr"
)

// GeneExpression is the feature type of RNA features in multimodal
// features.tsv files.
const GeneExpression = "Gene Expression"

// Feature is one row of features.tsv (or genes.tsv).
type Feature struct {
	ID   string
	Name string
	// Type is empty for files without a type column.
	Type string
}

func newListReader(r io.Reader) *tsv.Reader {
	tr := tsv.NewReader(r)
	tr.FieldsPerRecord = -1
	return tr
}

// ReadBarcodes reads one barcode per line.  Only the first column is used.
func ReadBarcodes(r io.Reader) ([]string, error) {
	tr := newListReader(r)
	var barcodes []string
	for {
		rec, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(expr.MalformedInput, err, fmt.Sprintf("barcodes line %d", len(barcodes)+1))
		}
		bc := strings.TrimSpace(rec[0])
		if bc == "" {
			return nil, errors.E(expr.MalformedInput, fmt.Sprintf("barcodes line %d: empty barcode", len(barcodes)+1))
		}
		barcodes = append(barcodes, bc)
	}
	return barcodes, nil
}

// ReadFeatures reads features.tsv or genes.tsv.  A single-column file is
// accepted, in which case the ID doubles as the name.
func ReadFeatures(r io.Reader) ([]Feature, error) {
	tr := newListReader(r)
	var features []Feature
	for {
		rec, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		line := len(features) + 1
		if err != nil {
			return nil, errors.E(expr.MalformedInput, err, fmt.Sprintf("features line %d", line))
		}
		f := Feature{ID: strings.TrimSpace(rec[0])}
		if f.ID == "" {
			return nil, errors.E(expr.MalformedInput, fmt.Sprintf("features line %d: empty feature ID", line))
		}
		f.Name = f.ID
		if len(rec) > 1 && rec[1] != "" {
			f.Name = rec[1]
		}
		if len(rec) > 2 {
			f.Type = rec[2]
		}
		features = append(features, f)
	}
	return features, nil
}

// MakeUnique renames repeated names by appending ".1", ".2", ... to the
// second and later occurrences, skipping suffixes that collide with names
// already present.  Feature lists commonly repeat gene symbols.
func MakeUnique(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for _, n := range names {
		used[n] = true
	}
	seen := make(map[string]bool, len(names))
	next := make(map[string]int)
	for i, n := range names {
		if !seen[n] {
			seen[n] = true
			out[i] = n
			continue
		}
		for {
			next[n]++
			cand := n + "." + strconv.Itoa(next[n])
			if !used[cand] {
				used[cand] = true
				out[i] = cand
				break
			}
		}
	}
	return out
}

func writeFeatures(w io.Writer, genes []expr.Gene) error {
	tw := tsv.NewWriter(w)
	for _, g := range genes {
		tw.WriteString(g.ID)
		tw.WriteString(g.Name)
		tw.WriteString(GeneExpression)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func writeBarcodes(w io.Writer, cells []string) error {
	tw := tsv.NewWriter(w)
	for _, c := range cells {
		tw.WriteString(c)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
