// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package norm normalizes count matrices, selects highly variable genes and
// scales them for dimensionality reduction.
//
// Feature selection implements the "vst" method of Stuart et al. (2019),
// "Comprehensive Integration of Single-Cell Data", Cell 177(7):1888-1902:
// a loess fit of log10(variance) against log10(mean) on raw counts gives an
// expected variance per gene, values are standardized with it (clipped at
// sqrt(#cells)), and genes are ranked by the variance of the standardized
// values.
package norm
