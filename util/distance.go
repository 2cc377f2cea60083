// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package util

// matrix is a row-major nRow x nCol table of ints.
type matrix struct {
	nRow, nCol int
	data       []int
}

func newMatrix(n, m int) matrix {
	return matrix{nRow: n, nCol: m, data: make([]int, n*m)}
}

func (m matrix) at(i, j int) int     { return m.data[i*m.nCol+j] }
func (m matrix) set(i, j int, v int) { m.data[i*m.nCol+j] = v }

// EditDistance computes the Levenshtein distance between s1 and s2: the
// number of single-byte insertions, deletions and substitutions needed to
// turn one into the other.
func EditDistance(s1, s2 string) int {
	m := newMatrix(len(s1)+1, len(s2)+1)
	for i := 0; i <= len(s1); i++ {
		m.set(i, 0, i)
	}
	for j := 0; j <= len(s2); j++ {
		m.set(0, j, j)
	}
	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			if s1[i-1] == s2[j-1] {
				m.set(i, j, m.at(i-1, j-1))
				continue
			}
			v := m.at(i-1, j) + 1
			if d := m.at(i-1, j-1) + 1; d < v {
				v = d
			}
			if r := m.at(i, j-1) + 1; r < v {
				v = r
			}
			m.set(i, j, v)
		}
	}
	return m.at(len(s1), len(s2))
}

// Closest returns the candidate with the smallest edit distance to s, and
// that distance.  Ties go to the earlier candidate.  It returns ("", -1) if
// candidates is empty.  Used to suggest a gene name when a lookup fails.
func Closest(s string, candidates []string) (string, int) {
	best, bestDist := "", -1
	for _, c := range candidates {
		if d := EditDistance(s, c); bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}
