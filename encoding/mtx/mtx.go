// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package mtx

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/expr"
)

const maxLineLen = 1 << 20

// Header describes a Matrix Market coordinate file.
type Header struct {
	// Field is "integer", "real" or "pattern".
	Field   string
	Rows    int
	Cols    int
	Entries int
}

// ReadMatrixMarket parses a Matrix Market coordinate file.  Only "general"
// symmetry is accepted.  Entries are returned with 0-based indices, in file
// order.  Pattern files yield value 1 for every entry.
func ReadMatrixMarket(r io.Reader) (Header, []expr.Triplet, error) {
	var h Header
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineLen)
	lineNum := 0
	malformed := func(format string, args ...interface{}) error {
		return errors.E(expr.MalformedInput, fmt.Sprintf("matrix market line %d: ", lineNum)+fmt.Sprintf(format, args...))
	}

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return h, nil, errors.E(err, "read matrix market header")
		}
		return h, nil, errors.E(expr.MalformedInput, "empty matrix market file")
	}
	lineNum++
	banner := strings.Fields(strings.ToLower(sc.Text()))
	if len(banner) != 5 || banner[0] != "%%matrixmarket" || banner[1] != "matrix" {
		return h, nil, malformed("bad banner %q", sc.Text())
	}
	if banner[2] != "coordinate" {
		return h, nil, malformed("format %q not supported; want coordinate", banner[2])
	}
	switch banner[3] {
	case "integer", "real", "pattern":
		h.Field = banner[3]
	default:
		return h, nil, malformed("field %q not supported", banner[3])
	}
	if banner[4] != "general" {
		return h, nil, malformed("symmetry %q not supported; want general", banner[4])
	}

	// Skip comments up to the size line.
	sizeSeen := false
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '%' {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 3 {
			return h, nil, malformed("size line %q should have 3 fields", line)
		}
		var err error
		if h.Rows, err = strconv.Atoi(f[0]); err != nil || h.Rows < 0 {
			return h, nil, malformed("bad row count %q", f[0])
		}
		if h.Cols, err = strconv.Atoi(f[1]); err != nil || h.Cols < 0 {
			return h, nil, malformed("bad column count %q", f[1])
		}
		if h.Entries, err = strconv.Atoi(f[2]); err != nil || h.Entries < 0 {
			return h, nil, malformed("bad entry count %q", f[2])
		}
		sizeSeen = true
		break
	}
	if !sizeSeen {
		if err := sc.Err(); err != nil {
			return h, nil, errors.E(err, "read matrix market header")
		}
		return h, nil, malformed("missing size line")
	}

	wantFields := 3
	if h.Field == "pattern" {
		wantFields = 2
	}
	entries := make([]expr.Triplet, 0, h.Entries)
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if len(line) == 0 || line[0] == '%' {
			continue
		}
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if len(f) != wantFields {
			return h, nil, malformed("got %d fields, want %d", len(f), wantFields)
		}
		row, err := strconv.Atoi(f[0])
		if err != nil {
			return h, nil, malformed("bad row index %q", f[0])
		}
		col, err := strconv.Atoi(f[1])
		if err != nil {
			return h, nil, malformed("bad column index %q", f[1])
		}
		if row < 1 || row > h.Rows || col < 1 || col > h.Cols {
			return h, nil, malformed("entry (%d,%d) outside declared %dx%d matrix", row, col, h.Rows, h.Cols)
		}
		value := 1.0
		switch h.Field {
		case "integer":
			v, err := strconv.ParseInt(f[2], 10, 64)
			if err != nil {
				return h, nil, malformed("bad integer value %q", f[2])
			}
			value = float64(v)
		case "real":
			if value, err = strconv.ParseFloat(f[2], 64); err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
				return h, nil, malformed("bad real value %q", f[2])
			}
		}
		if value < 0 {
			return h, nil, malformed("negative count %v", value)
		}
		if len(entries) == h.Entries {
			return h, nil, malformed("more than the %d entries declared in the header", h.Entries)
		}
		entries = append(entries, expr.Triplet{Gene: row - 1, Cell: col - 1, Value: value})
	}
	if err := sc.Err(); err != nil {
		return h, nil, errors.E(err, "read matrix market entries")
	}
	if len(entries) != h.Entries {
		return h, nil, errors.E(expr.MalformedInput, fmt.Sprintf("matrix market header declares %d entries but file has %d", h.Entries, len(entries)))
	}
	return h, entries, nil
}

// WriteMatrixMarket writes m as a coordinate file.  The field is "integer"
// when every value is integral and "real" otherwise.
func WriteMatrixMarket(w io.Writer, m *expr.Matrix) error {
	field := "integer"
	for _, v := range m.Values() {
		if v != math.Trunc(v) {
			field = "real"
			break
		}
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%%%%MatrixMarket matrix coordinate %s general\n", field)
	fmt.Fprintf(bw, "%d %d %d\n", m.NumGenes(), m.NumCells(), m.NNZ())
	var buf []byte
	for j := 0; j < m.NumCells(); j++ {
		rows, values := m.Column(j)
		for k, r := range rows {
			buf = strconv.AppendInt(buf[:0], int64(r)+1, 10)
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(j)+1, 10)
			buf = append(buf, ' ')
			if field == "integer" {
				buf = strconv.AppendInt(buf, int64(values[k]), 10)
			} else {
				buf = strconv.AppendFloat(buf, values[k], 'g', -1, 64)
			}
			buf = append(buf, '\n')
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
