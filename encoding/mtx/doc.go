// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package mtx reads and writes the sparse count-matrix directories produced
// by 10x Genomics Cell Ranger and similar tools.  A directory holds three
// files, each optionally gzip-compressed:
//
//   matrix.mtx    Matrix Market coordinate file; rows are features, columns
//                 are barcodes, entries are 1-based (row, column, count).
//   barcodes.tsv  one cell barcode per line.
//   features.tsv  "ID<TAB>name[<TAB>type]" per line; older releases name
//                 the file genes.tsv and omit the type column.
//
// Any disagreement between the matrix header, its entries and the two lists
// is reported as an expr.MalformedInput error.  Input files are never
// modified.
package mtx
