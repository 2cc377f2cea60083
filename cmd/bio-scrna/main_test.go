// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scrna/encoding/mtx"
	"github.com/grailbio/scrna/encoding/sqlite"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/pipeline"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMatrix writes a 10-gene, 20-cell matrix with two populations.
func writeMatrix(t *testing.T, dir string) {
	genes := make([]expr.Gene, 10)
	for i := range genes {
		genes[i] = expr.Gene{ID: fmt.Sprintf("ENSG%02d", i), Name: fmt.Sprintf("GENE%d", i)}
	}
	genes[9].Name = "MT-CO1"
	cells := make([]string, 20)
	data := make([][]float64, 10)
	for j := range cells {
		cells[j] = fmt.Sprintf("CELL%02d-1", j)
	}
	for i := range data {
		data[i] = make([]float64, 20)
		for j := range data[i] {
			if i/5 == j/10 {
				data[i][j] = float64(40 + (7*j+3*i)%13)
			}
		}
	}
	m, err := expr.FromDense(genes, cells, data)
	require.NoError(t, err)
	require.NoError(t, mtx.WriteDir(vcontext.Background(), dir, m))
}

func toyFlags(t *testing.T, args ...string) (*flag.FlagSet, *stageFlags) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	sf := newStageFlags(fs)
	require.NoError(t, fs.Parse(append([]string{
		"-min-genes=1", "-max-genes=10", "-max-mito-pct=100",
		"-n-pcs=2", "-dims=2", "-k=5",
	}, args...)))
	return fs, sf
}

func lines(t *testing.T, path string) []string {
	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func TestRun(t *testing.T) {
	ctx := vcontext.Background()
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeMatrix(t, tmp)
	fs, sf := toyFlags(t, "-skip-umap")
	opts, err := sf.opts(ctx, fs)
	require.NoError(t, err)

	namesPath := filepath.Join(tmp, "names.tsv")
	require.NoError(t, ioutil.WriteFile(namesPath, []byte("cluster\tname\n1\tB\n"), 0644))
	prefix := filepath.Join(tmp, "out")
	dbPath := filepath.Join(tmp, "runs.db")
	empty, no := "", false
	require.NoError(t, run(ctx, tmp, opts, runFlags{out: &prefix, sqlite: &dbPath, names: &namesPath, allFeatureTypes: &no}))

	assignment := lines(t, prefix+".clusters.tsv")
	require.Len(t, assignment, 21)
	assert.Equal(t, "barcode\tcluster\tname", assignment[0])
	assert.Equal(t, "CELL00-1\t0\t0", assignment[1])
	assert.Equal(t, "CELL19-1\t1\tB", assignment[20])
	assert.Len(t, lines(t, prefix+".qc.tsv"), 21)
	assert.Len(t, lines(t, prefix+".pca.tsv"), 21)
	assert.Len(t, lines(t, prefix+".elbow.tsv"), 3)
	assert.Equal(t, []string{"cluster\tname", "0\t0", "1\tB"}, lines(t, prefix+".names.tsv"))
	_, err = os.Stat(prefix + ".umap.tsv")
	assert.True(t, os.IsNotExist(err))

	db, err := sqlite.Open(ctx, dbPath)
	require.NoError(t, err)
	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].NClusters)
	assert.Contains(t, runs[0].Params, "skip_umap: true")
	require.NoError(t, db.Close())

	// Relabel the unnamed clusters from scratch.
	plain := filepath.Join(tmp, "plain.tsv")
	require.NoError(t, ioutil.WriteFile(plain, []byte("barcode\tcluster\nA\t0\nB\t1\n"), 0644))
	var stdout bytes.Buffer
	require.NoError(t, relabel(ctx, plain, namesPath, empty, &stdout))
	assert.Equal(t, "barcode\tcluster\tname\nA\t0\t0\nB\t1\tB\n", stdout.String())

	bad := filepath.Join(tmp, "bad.tsv")
	require.NoError(t, ioutil.WriteFile(bad, []byte("cluster\tname\n5\tX\n"), 0644))
	err = relabel(ctx, plain, bad, empty, &stdout)
	assert.True(t, expr.IsParameter(err), "%v", err)
}

func TestQC(t *testing.T) {
	ctx := vcontext.Background()
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeMatrix(t, tmp)
	prefix := filepath.Join(tmp, "out")

	// The mito gene is in the second population, which fails a 5% cutoff.
	fs, sf := toyFlags(t, "-max-mito-pct=5")
	opts, err := sf.opts(ctx, fs)
	require.NoError(t, err)
	require.NoError(t, runQC(ctx, tmp, opts, prefix, false))
	qc := lines(t, prefix+".qc.tsv")
	require.Len(t, qc, 21)
	assert.True(t, strings.HasSuffix(qc[1], "\ttrue"), qc[1])
	assert.True(t, strings.HasSuffix(qc[20], "\tfalse"), qc[20])

	// Rejecting every cell still writes the metrics.
	fs, sf = toyFlags(t, "-min-genes=8", "-max-genes=20")
	opts, err = sf.opts(ctx, fs)
	require.NoError(t, err)
	err = runQC(ctx, tmp, opts, prefix, false)
	assert.True(t, expr.IsDegenerateData(err), "%v", err)
	assert.Len(t, lines(t, prefix+".qc.tsv"), 21)
}

func TestFlagPrecedence(t *testing.T) {
	ctx := vcontext.Background()
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := filepath.Join(tmp, "opts.yaml")
	require.NoError(t, ioutil.WriteFile(config, []byte("cluster:\n  resolution: 0.8\nneighbors:\n  prune: 0.1\n"), 0644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	sf := newStageFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", config, "-resolution", "1.5"}))
	opts, err := sf.opts(ctx, fs)
	require.NoError(t, err)
	assert.Equal(t, 1.5, opts.Cluster.Resolution)
	assert.Equal(t, 0.1, opts.Neighbors.Prune)
	assert.Equal(t, pipeline.DefaultOpts.Neighbors.K, opts.Neighbors.K)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	sf = newStageFlags(fs)
	require.NoError(t, fs.Parse([]string{"-resolution", "-1"}))
	_, err = sf.opts(ctx, fs)
	assert.True(t, expr.IsParameter(err))
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
