// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package expr

import (
	"github.com/grailbio/base/errors"
)

// Error kinds shared by every pipeline stage. They are grailbio/base/errors
// kinds so callers can test them with errors.Is as well as with the
// predicates below.
const (
	// MalformedInput marks structural problems with input files: dimension
	// mismatches, out-of-range entries, unparsable lines.
	MalformedInput = errors.Integrity
	// DegenerateData marks cells or genes that a stage cannot process, such
	// as a matrix in which every gene has zero variance.
	DegenerateData = errors.Precondition
	// Parameter marks thresholds or dimension counts that are inconsistent
	// with each other or with the matrix they are applied to.
	Parameter = errors.Invalid
)

// IsMalformedInput reports whether err is a MalformedInput error.
func IsMalformedInput(err error) bool { return errors.Is(MalformedInput, err) }

// IsDegenerateData reports whether err is a DegenerateData error.
func IsDegenerateData(err error) bool { return errors.Is(DegenerateData, err) }

// IsParameter reports whether err is a Parameter error.
func IsParameter(err error) bool { return errors.Is(Parameter, err) }
