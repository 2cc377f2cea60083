// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

/*Package neighbors builds the shared-nearest-neighbor (SNN) graph over cells
  that community detection runs on.

  Each cell's K nearest neighbors are found by exact Euclidean search in the
  first Dims principal components; as in Seurat's FindNeighbors, a cell
  counts as its own first neighbor.  Two cells are joined by an edge weighted
  with the Jaccard index of their neighbor sets,

    w(i,j) = |N(i) ∩ N(j)| / |N(i) ∪ N(j)|,

  following Levine et al. (2015), "Data-Driven Phenotypic Dissection of AML
  Reveals Progenitor-like Cells that Correlate with Prognosis", Cell
  162(1):184-197 (PhenoGraph), and edges lighter than Prune are dropped.
*/
package neighbors
