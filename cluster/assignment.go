// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/expr"
)

// Assignment maps each cell to a cluster.  Labels run from 0 to
// NumClusters()-1, with cluster 0 the largest.
type Assignment struct {
	Cells  []string
	Labels []int
	// Names is set by Relabel and holds a name for every label.
	Names map[int]string
}

// NumClusters returns the number of distinct labels.
func (a *Assignment) NumClusters() int {
	n := 0
	for _, l := range a.Labels {
		if l+1 > n {
			n = l + 1
		}
	}
	return n
}

// Sizes returns the number of cells per label.
func (a *Assignment) Sizes() []int {
	sizes := make([]int, a.NumClusters())
	for _, l := range a.Labels {
		sizes[l]++
	}
	return sizes
}

// Name returns the name of label l, or its number if it has none.
func (a *Assignment) Name(l int) string {
	if name, ok := a.Names[l]; ok {
		return name
	}
	return strconv.Itoa(l)
}

// Members returns the indices of the cells labeled l, in increasing order.
func (a *Assignment) Members(l int) []int {
	var out []int
	for i, x := range a.Labels {
		if x == l {
			out = append(out, i)
		}
	}
	return out
}

// Relabel attaches names to the clusters of a.  Every key of names must be
// an existing label; labels absent from names keep their number as name.
// Several labels may share a name.  a is not modified.
func Relabel(a *Assignment, names map[int]string) (*Assignment, error) {
	n := a.NumClusters()
	keys := make([]int, 0, len(names))
	for l := range names {
		keys = append(keys, l)
	}
	sort.Ints(keys)
	for _, l := range keys {
		if l < 0 || l >= n {
			return nil, errors.E(expr.Parameter, fmt.Sprintf("cluster: name %q given for label %d, have labels 0..%d", names[l], l, n-1))
		}
		if names[l] == "" {
			return nil, errors.E(expr.Parameter, fmt.Sprintf("cluster: empty name for label %d", l))
		}
	}
	out := &Assignment{
		Cells:  a.Cells,
		Labels: append([]int(nil), a.Labels...),
		Names:  make(map[int]string, n),
	}
	for l := 0; l < n; l++ {
		out.Names[l] = a.Name(l)
		if name, ok := names[l]; ok {
			out.Names[l] = name
		}
	}
	return out, nil
}
