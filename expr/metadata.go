// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package expr

// CellMetadata holds the QC covariates of one cell.  It is derived from a
// Matrix and must be recomputed whenever the matrix's cell set changes.
type CellMetadata struct {
	Cell string
	// NCount is the total count of the cell.
	NCount float64
	// NFeature is the number of genes with a nonzero count.
	NFeature int
	// PercentMito is the percentage (0-100) of NCount from genes matching
	// the mitochondrial pattern.
	PercentMito float64
}
