// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package clusters

import (
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/norm"
	"github.com/grailbio/scrna/pca"
	"gonum.org/v1/gonum/mat"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// WriteQC writes the QC covariates of every cell and whether it passed.
func WriteQC(w io.Writer, md []expr.CellMetadata, passed []bool) error {
	if len(md) != len(passed) {
		return errors.E(expr.Parameter, fmt.Sprintf("clusters: %d metadata records, %d pass flags", len(md), len(passed)))
	}
	tw := tsv.NewWriter(w)
	tw.WriteString("barcode\tnCount\tnFeature\tpercentMito\tpassed")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for j, c := range md {
		tw.WriteString(c.Cell)
		tw.WriteString(formatFloat(c.NCount))
		tw.WriteUint32(uint32(c.NFeature))
		tw.WriteString(formatFloat(c.PercentMito))
		tw.WriteString(strconv.FormatBool(passed[j]))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteEmbedding writes one line per cell with its coordinates, in columns
// named prefix_1, prefix_2, ....  coords is cells × dimensions.
func WriteEmbedding(w io.Writer, cells []string, coords *mat.Dense, prefix string) error {
	r, c := coords.Dims()
	if r != len(cells) {
		return errors.E(expr.Parameter, fmt.Sprintf("clusters: %d cells, %d coordinate rows", len(cells), r))
	}
	tw := tsv.NewWriter(w)
	tw.WriteString(BarcodeColumn)
	for d := 0; d < c; d++ {
		tw.WriteString(prefix + "_" + strconv.Itoa(d+1))
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for j, cell := range cells {
		tw.WriteString(cell)
		for d := 0; d < c; d++ {
			tw.WriteString(formatFloat(coords.At(j, d)))
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteElbow writes the per-component standard deviations and explained
// variance ratios of an embedding.
func WriteElbow(w io.Writer, table []pca.ComponentVariance) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("component\tstdev\tvarianceRatio")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, c := range table {
		tw.WriteUint32(uint32(c.Component))
		tw.WriteString(formatFloat(c.StdDev))
		tw.WriteString(formatFloat(c.VarianceRatio))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteVariable writes a variable-feature ranking, best first.
func WriteVariable(w io.Writer, r norm.Ranking) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("rank\tgeneID\tgene\tmean\tvariance\tvarianceExpected\tvarianceStandardized")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for i, g := range r {
		tw.WriteUint32(uint32(i + 1))
		tw.WriteString(g.Gene.ID)
		tw.WriteString(g.Gene.Name)
		tw.WriteString(formatFloat(g.Mean))
		tw.WriteString(formatFloat(g.Variance))
		tw.WriteString(formatFloat(g.VarianceExpected))
		tw.WriteString(formatFloat(g.VarianceStandardized))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
