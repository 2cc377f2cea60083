// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package mtx

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

const (
	testMatrix = `%%MatrixMarket matrix coordinate integer general
%metadata_json: {"software_version": "test"}
3 4 5
1 1 3
3 1 1
2 2 7
1 4 2
3 4 9
`
	testBarcodes = "AAACATACAACCAC-1\nAAACATTGAGCTAC-1\nAAACATTGATCAGC-1\nAAACCGTGCTTCCG-1\n"
	testFeatures = "ENSG00000243485\tMIR1302-2HG\tGene Expression\n" +
		"ENSG00000237613\tFAM138A\tGene Expression\n" +
		"ENSG00000198888\tMT-ND1\tGene Expression\n"
)

func writeTestDir(t *testing.T, dir string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(dir, name)
		if strings.HasSuffix(name, ".gz") {
			f, err := os.Create(path)
			assert.NoError(t, err)
			gz := gzip.NewWriter(f)
			_, err = gz.Write([]byte(content))
			assert.NoError(t, err)
			assert.NoError(t, gz.Close())
			assert.NoError(t, f.Close())
			continue
		}
		assert.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	}
}

func TestReadMatrixMarket(t *testing.T) {
	h, entries, err := ReadMatrixMarket(strings.NewReader(testMatrix))
	assert.NoError(t, err)
	expect.EQ(t, h, Header{Field: "integer", Rows: 3, Cols: 4, Entries: 5})
	expect.EQ(t, len(entries), 5)
	expect.EQ(t, entries[0], expr.Triplet{Gene: 0, Cell: 0, Value: 3})
	expect.EQ(t, entries[4], expr.Triplet{Gene: 2, Cell: 3, Value: 9})
}

func TestReadMatrixMarketPattern(t *testing.T) {
	_, entries, err := ReadMatrixMarket(strings.NewReader("%%MatrixMarket matrix coordinate pattern general\n2 2 2\n1 1\n2 2\n"))
	assert.NoError(t, err)
	expect.EQ(t, entries, []expr.Triplet{{Gene: 0, Cell: 0, Value: 1}, {Gene: 1, Cell: 1, Value: 1}})
}

func TestReadMatrixMarketMalformed(t *testing.T) {
	tests := []struct {
		name, in string
	}{
		{"empty", ""},
		{"banner", "%%NotMatrixMarket\n1 1 1\n1 1 1\n"},
		{"array", "%%MatrixMarket matrix array integer general\n1 1\n1\n"},
		{"symmetric", "%%MatrixMarket matrix coordinate integer symmetric\n1 1 1\n1 1 1\n"},
		{"nosize", "%%MatrixMarket matrix coordinate integer general\n%only comments\n"},
		{"outofrange", "%%MatrixMarket matrix coordinate integer general\n2 2 1\n3 1 1\n"},
		{"zeroindex", "%%MatrixMarket matrix coordinate integer general\n2 2 1\n0 1 1\n"},
		{"toofew", "%%MatrixMarket matrix coordinate integer general\n2 2 2\n1 1 1\n"},
		{"toomany", "%%MatrixMarket matrix coordinate integer general\n2 2 1\n1 1 1\n2 2 1\n"},
		{"negative", "%%MatrixMarket matrix coordinate integer general\n2 2 1\n1 1 -4\n"},
		{"notint", "%%MatrixMarket matrix coordinate integer general\n2 2 1\n1 1 4.5\n"},
		{"fields", "%%MatrixMarket matrix coordinate integer general\n2 2 1\n1 1\n"},
	}
	for _, test := range tests {
		_, _, err := ReadMatrixMarket(strings.NewReader(test.in))
		expect.True(t, expr.IsMalformedInput(err), "%s: got %v", test.name, err)
	}
}

func TestReadDir(t *testing.T) {
	ctx := vcontext.Background()
	for _, gz := range []bool{false, true} {
		dir, cleanup := testutil.TempDir(t, "", "")
		suffix := ""
		if gz {
			suffix = ".gz"
		}
		writeTestDir(t, dir, map[string]string{
			"matrix.mtx" + suffix:   testMatrix,
			"barcodes.tsv" + suffix: testBarcodes,
			"features.tsv" + suffix: testFeatures,
		})
		m, err := ReadDir(ctx, dir, ReadOpts{})
		assert.NoError(t, err)
		expect.EQ(t, m.NumGenes(), 3)
		expect.EQ(t, m.NumCells(), 4)
		expect.EQ(t, m.Genes[2], expr.Gene{ID: "ENSG00000198888", Name: "MT-ND1"})
		expect.EQ(t, m.Cells[3], "AAACCGTGCTTCCG-1")
		expect.EQ(t, m.Dense(), [][]float64{
			{3, 0, 0, 2},
			{0, 7, 0, 0},
			{1, 0, 0, 9},
		})
		cleanup()
	}
}

func TestReadDirLegacyGenes(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeTestDir(t, dir, map[string]string{
		"matrix.mtx":   "%%MatrixMarket matrix coordinate integer general\n2 1 2\n1 1 1\n2 1 1\n",
		"barcodes.tsv": "C1\n",
		"genes.tsv":    "G1\tLYZ\nG2\tLYZ\n",
	})
	m, err := ReadDir(ctx, dir, ReadOpts{})
	assert.NoError(t, err)
	expect.EQ(t, m.GeneNames(), []string{"LYZ", "LYZ.1"})
}

func TestReadDirFeatureTypes(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeTestDir(t, dir, map[string]string{
		"matrix.mtx":   "%%MatrixMarket matrix coordinate integer general\n2 1 2\n1 1 5\n2 1 8\n",
		"barcodes.tsv": "C1\n",
		"features.tsv": "G1\tCD3E\tGene Expression\nAB1\tCD3_TotalSeqB\tAntibody Capture\n",
	})
	m, err := ReadDir(ctx, dir, ReadOpts{})
	assert.NoError(t, err)
	expect.EQ(t, m.GeneNames(), []string{"CD3E"})
	expect.EQ(t, m.At(0, 0), 5.0)

	m, err = ReadDir(ctx, dir, ReadOpts{AllFeatureTypes: true})
	assert.NoError(t, err)
	expect.EQ(t, m.NumGenes(), 2)
}

func TestReadDirDimensionMismatch(t *testing.T) {
	ctx := vcontext.Background()
	tests := []map[string]string{
		{"matrix.mtx": testMatrix, "barcodes.tsv": "A\nB\nC\n", "features.tsv": testFeatures},
		{"matrix.mtx": testMatrix, "barcodes.tsv": testBarcodes, "features.tsv": "G1\tA\n"},
		{"matrix.mtx": testMatrix, "barcodes.tsv": "A\nA\nB\nC\n", "features.tsv": testFeatures},
		{"barcodes.tsv": testBarcodes, "features.tsv": testFeatures},
	}
	for i, files := range tests {
		dir, cleanup := testutil.TempDir(t, "", "")
		writeTestDir(t, dir, files)
		_, err := ReadDir(ctx, dir, ReadOpts{})
		expect.True(t, expr.IsMalformedInput(err), "case %d: got %v", i, err)
		cleanup()
	}
}

func TestWriteDirRoundTrip(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	m, err := expr.FromDense(
		[]expr.Gene{{ID: "G1", Name: "CD14"}, {ID: "G2", Name: "LYZ"}},
		[]string{"C1", "C2", "C3"},
		[][]float64{{1, 0, 4}, {0, 0, 2}})
	assert.NoError(t, err)
	assert.NoError(t, WriteDir(ctx, dir, m))
	m2, err := ReadDir(ctx, dir, ReadOpts{})
	assert.NoError(t, err)
	expect.True(t, m.Equal(m2))
}

func TestMakeUnique(t *testing.T) {
	expect.EQ(t, MakeUnique([]string{"A", "B", "A", "A", "A.1"}), []string{"A", "B", "A.2", "A.3", "A.1"})
	expect.EQ(t, MakeUnique(nil), []string{})
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
