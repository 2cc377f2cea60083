// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

/*Package expr defines the expression matrix shared by every stage of the
  single-cell pipeline, along with per-cell metadata and the error kinds that
  stages report.

  A Matrix is immutable; filtering and normalization produce new matrices
  (possibly sharing the gene or cell lists of their input) rather than
  modifying one in place.
*/
package expr
