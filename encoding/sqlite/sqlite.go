// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package sqlite persists clustering runs in a SQLite database, so that the
// results of several runs over the same data (different resolutions, seeds
// or QC thresholds) can be queried side by side.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/grailbio/scrna/cluster"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/norm"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	input TEXT NOT NULL,
	params TEXT NOT NULL,
	n_cells INTEGER NOT NULL,
	n_clusters INTEGER NOT NULL,
	modularity REAL NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS cells (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	barcode TEXT NOT NULL,
	n_count REAL NOT NULL,
	n_feature INTEGER NOT NULL,
	percent_mito REAL NOT NULL,
	passed INTEGER NOT NULL,
	PRIMARY KEY (run_id, barcode)
)`, `
CREATE TABLE IF NOT EXISTS clusters (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	barcode TEXT NOT NULL,
	cluster INTEGER NOT NULL,
	name TEXT,
	PRIMARY KEY (run_id, barcode)
)`, `
CREATE TABLE IF NOT EXISTS variable_features (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	rank INTEGER NOT NULL,
	gene_id TEXT NOT NULL,
	gene TEXT NOT NULL,
	mean REAL NOT NULL,
	variance REAL NOT NULL,
	variance_expected REAL NOT NULL,
	variance_standardized REAL NOT NULL,
	PRIMARY KEY (run_id, rank)
)`, `
CREATE TABLE IF NOT EXISTS embedding (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	reduction TEXT NOT NULL,
	barcode TEXT NOT NULL,
	dim INTEGER NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (run_id, reduction, barcode, dim)
)`,
	`CREATE INDEX IF NOT EXISTS idx_clusters_cluster ON clusters(run_id, cluster)`,
}

// Store is a SQLite database of runs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and makes sure its tables
// exist.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: open %s", path)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close() // nolint: errcheck
			return nil, errors.Wrapf(err, "sqlite: initialize %s", path)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is everything saved about one pipeline run.  Nil or empty parts are
// skipped.
type Run struct {
	// Input names the data the run was computed from.
	Input string
	// Params is the run configuration, as YAML.
	Params     string
	Modularity float64

	Metadata []expr.CellMetadata
	Passed   []bool
	Clusters *cluster.Assignment
	Variable norm.Ranking
	// Embeddings maps a reduction name ("pca", "umap") to cells × dims
	// coordinates of the cells of Clusters.
	Embeddings map[string]*mat.Dense
}

// Save stores r in a single transaction and returns its run ID.
func (s *Store) Save(ctx context.Context, r Run) (id int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite: begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback() // nolint: errcheck
		}
	}()
	var nCells, nClusters int
	if r.Clusters != nil {
		nCells, nClusters = len(r.Clusters.Cells), r.Clusters.NumClusters()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (input, params, n_cells, n_clusters, modularity) VALUES (?, ?, ?, ?, ?)`,
		r.Input, r.Params, nCells, nClusters, r.Modularity)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite: insert run")
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, errors.Wrap(err, "sqlite: run id")
	}
	if len(r.Passed) != 0 && len(r.Passed) != len(r.Metadata) {
		return 0, errors.Errorf("sqlite: %d metadata records, %d pass flags", len(r.Metadata), len(r.Passed))
	}
	if err = insertAll(ctx, tx, `INSERT INTO cells VALUES (?, ?, ?, ?, ?, ?)`, len(r.Metadata), func(j int) []interface{} {
		c := r.Metadata[j]
		passed := 0
		if len(r.Passed) > 0 && r.Passed[j] {
			passed = 1
		}
		return []interface{}{id, c.Cell, c.NCount, c.NFeature, c.PercentMito, passed}
	}); err != nil {
		return 0, errors.Wrap(err, "sqlite: insert cells")
	}
	if a := r.Clusters; a != nil {
		if err = insertAll(ctx, tx, `INSERT INTO clusters VALUES (?, ?, ?, ?)`, len(a.Cells), func(j int) []interface{} {
			var name interface{}
			if a.Names != nil {
				name = a.Name(a.Labels[j])
			}
			return []interface{}{id, a.Cells[j], a.Labels[j], name}
		}); err != nil {
			return 0, errors.Wrap(err, "sqlite: insert clusters")
		}
	}
	if err = insertAll(ctx, tx, `INSERT INTO variable_features VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, len(r.Variable), func(i int) []interface{} {
		g := r.Variable[i]
		return []interface{}{id, i + 1, g.Gene.ID, g.Gene.Name, g.Mean, g.Variance, g.VarianceExpected, g.VarianceStandardized}
	}); err != nil {
		return 0, errors.Wrap(err, "sqlite: insert variable features")
	}
	for reduction, coords := range r.Embeddings {
		if r.Clusters == nil {
			return 0, errors.Errorf("sqlite: embedding %s without cells", reduction)
		}
		rows, dims := coords.Dims()
		if rows != len(r.Clusters.Cells) {
			return 0, errors.Errorf("sqlite: embedding %s has %d rows for %d cells", reduction, rows, len(r.Clusters.Cells))
		}
		if err = insertAll(ctx, tx, `INSERT INTO embedding VALUES (?, ?, ?, ?, ?)`, rows*dims, func(x int) []interface{} {
			j, d := x/dims, x%dims
			return []interface{}{id, reduction, r.Clusters.Cells[j], d + 1, coords.At(j, d)}
		}); err != nil {
			return 0, errors.Wrapf(err, "sqlite: insert embedding %s", reduction)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlite: commit")
	}
	return id, nil
}

// insertAll runs the prepared statement query once per row.
func insertAll(ctx context.Context, tx *sql.Tx, query string, n int, row func(int) []interface{}) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close() // nolint: errcheck
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return err
		}
	}
	return nil
}

// RunInfo summarizes a stored run.
type RunInfo struct {
	ID         int64
	Input      string
	Params     string
	NCells     int
	NClusters  int
	Modularity float64
}

// Runs lists the stored runs in order of creation.
func (s *Store) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, input, params, n_cells, n_clusters, modularity FROM runs ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() // nolint: errcheck
	var out []RunInfo
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.ID, &r.Input, &r.Params, &r.NCells, &r.NClusters, &r.Modularity); err != nil {
			return nil, errors.Wrap(err, "sqlite: scan run")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "sqlite: list runs")
}

// Assignment reads back the cluster assignment of run id, in the order it
// was saved.
func (s *Store) Assignment(ctx context.Context, id int64) (*cluster.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT barcode, cluster, name FROM clusters WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: read run %d", id)
	}
	defer rows.Close() // nolint: errcheck
	a := &cluster.Assignment{}
	for rows.Next() {
		var (
			barcode string
			label   int
			name    sql.NullString
		)
		if err := rows.Scan(&barcode, &label, &name); err != nil {
			return nil, errors.Wrapf(err, "sqlite: scan run %d", id)
		}
		a.Cells = append(a.Cells, barcode)
		a.Labels = append(a.Labels, label)
		if name.Valid {
			if a.Names == nil {
				a.Names = map[int]string{}
			}
			a.Names[label] = name.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "sqlite: read run %d", id)
	}
	if len(a.Cells) == 0 {
		return nil, errors.Errorf("sqlite: run %d has no cluster assignment", id)
	}
	return a, nil
}

// ClusterSizes returns the number of cells per cluster label of run id,
// computed by the database.
func (s *Store) ClusterSizes(ctx context.Context, id int64) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cluster, COUNT(*) FROM clusters WHERE run_id = ? GROUP BY cluster`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: cluster sizes of run %d", id)
	}
	defer rows.Close() // nolint: errcheck
	sizes := map[int]int{}
	for rows.Next() {
		var label, n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, errors.Wrapf(err, "sqlite: cluster sizes of run %d", id)
		}
		sizes[label] = n
	}
	return sizes, errors.Wrapf(rows.Err(), "sqlite: cluster sizes of run %d", id)
}
