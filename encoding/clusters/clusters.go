// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package clusters reads and writes the tab-separated outputs of a
// clustering run: cluster assignments, name maps, QC metrics, embeddings
// and the tables behind elbow and variable-feature plots.
package clusters

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/cluster"
	"github.com/grailbio/scrna/expr"
)

// Column headers of assignment files.
const (
	BarcodeColumn = "barcode"
	ClusterColumn = "cluster"
	NameColumn    = "name"
)

// WriteAssignment writes one line per cell: barcode, cluster label and,
// if a carries names, the cluster name.
func WriteAssignment(w io.Writer, a *cluster.Assignment) error {
	tw := tsv.NewWriter(w)
	tw.WriteString(BarcodeColumn)
	tw.WriteString(ClusterColumn)
	if a.Names != nil {
		tw.WriteString(NameColumn)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for i, c := range a.Cells {
		tw.WriteString(c)
		tw.WriteUint32(uint32(a.Labels[i]))
		if a.Names != nil {
			tw.WriteString(a.Name(a.Labels[i]))
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// ReadAssignment reads a file written by WriteAssignment.  Names, if
// present, must be consistent within each cluster.
func ReadAssignment(r io.Reader) (*cluster.Assignment, error) {
	tr := tsv.NewReader(r)
	tr.FieldsPerRecord = -1
	header, err := tr.Reader.Read()
	if err != nil {
		return nil, errors.E(expr.MalformedInput, err, "assignment header")
	}
	if len(header) < 2 || header[0] != BarcodeColumn || header[1] != ClusterColumn {
		return nil, errors.E(expr.MalformedInput, fmt.Sprintf("assignment header %q, want %s\\t%s[\\t%s]", strings.Join(header, "\t"), BarcodeColumn, ClusterColumn, NameColumn))
	}
	named := len(header) > 2 && header[2] == NameColumn
	a := &cluster.Assignment{}
	if named {
		a.Names = map[int]string{}
	}
	for line := 2; ; line++ {
		rec, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(expr.MalformedInput, err, fmt.Sprintf("assignment line %d", line))
		}
		if len(rec) < len(header) {
			return nil, errors.E(expr.MalformedInput, fmt.Sprintf("assignment line %d: %d fields, want %d", line, len(rec), len(header)))
		}
		label, err := strconv.Atoi(rec[1])
		if err != nil || label < 0 {
			return nil, errors.E(expr.MalformedInput, fmt.Sprintf("assignment line %d: bad cluster %q", line, rec[1]))
		}
		a.Cells = append(a.Cells, rec[0])
		a.Labels = append(a.Labels, label)
		if !named {
			continue
		}
		if prev, ok := a.Names[label]; ok && prev != rec[2] {
			return nil, errors.E(expr.MalformedInput, fmt.Sprintf("assignment line %d: cluster %d named both %q and %q", line, label, prev, rec[2]))
		}
		a.Names[label] = rec[2]
	}
	return a, nil
}

// nameRow is one line of a name map.
type nameRow struct {
	Cluster int64  `tsv:"cluster"`
	Name    string `tsv:"name"`
}

// ReadNameMap reads a two-column "cluster\tname" file with a header row.
// A cluster listed twice is an error.
func ReadNameMap(r io.Reader) (map[int]string, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	tr.Comment = '#'
	names := map[int]string{}
	for {
		var row nameRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(expr.MalformedInput, err, "name map")
		}
		c := int(row.Cluster)
		if prev, ok := names[c]; ok {
			return nil, errors.E(expr.MalformedInput, fmt.Sprintf("name map: cluster %d named both %q and %q", c, prev, row.Name))
		}
		names[c] = row.Name
	}
	return names, nil
}

// WriteNameMap writes a name map for every cluster of a, using its
// current names, so that it can be edited and passed back to Relabel.
func WriteNameMap(w io.Writer, a *cluster.Assignment) error {
	rw := tsv.NewRowWriter(w)
	for l := 0; l < a.NumClusters(); l++ {
		if err := rw.Write(&nameRow{Cluster: int64(l), Name: a.Name(l)}); err != nil {
			return err
		}
	}
	return rw.Flush()
}

// WriteFile creates path and fills it with write.
func WriteFile(ctx context.Context, path string, write func(io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = write(out.Writer(ctx)); err != nil {
		return errors.E(err, path)
	}
	return nil
}

// ReadFile opens path and passes its contents to read.
func ReadFile(ctx context.Context, path string, read func(io.Reader) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if err = read(in.Reader(ctx)); err != nil {
		return errors.E(err, path)
	}
	return nil
}
