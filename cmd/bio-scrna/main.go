// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// bio-scrna clusters single-cell RNA-seq count matrices.
//
// Typical use:
//
//   bio-scrna run -out pbmc/pbmc3k -resolution 0.5 filtered_gene_bc_matrices/hg19
//
// writes pbmc/pbmc3k.clusters.tsv along with QC metrics, the variable
// feature ranking, PCA and UMAP coordinates, and an editable name map.
// Once the clusters have been identified,
//
//   bio-scrna relabel -out pbmc/pbmc3k.named.tsv pbmc/pbmc3k.clusters.tsv names.tsv
//
// attaches names to them.
package main

import (
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"
)

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run",
		Short:    "Run the whole clustering pipeline on a 10x matrix directory",
		ArgsName: "matrix-dir",
	}
	sf := newStageFlags(&cmd.Flags)
	rf := runFlags{
		out:             cmd.Flags.String("out", "bio-scrna", "Output path prefix"),
		sqlite:          cmd.Flags.String("sqlite", "", "If set, also save the run into this SQLite database"),
		names:           cmd.Flags.String("names", "", "Optional cluster name map (TSV with a cluster\\tname header)"),
		allFeatureTypes: cmd.Flags.Bool("all-feature-types", false, "Keep non-RNA features of multimodal matrices"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("run takes one matrix directory, but got %v", argv)
		}
		ctx := vcontext.Background()
		opts, err := sf.opts(ctx, &cmd.Flags)
		if err != nil {
			return err
		}
		return run(ctx, argv[0], opts, rf)
	})
	return cmd
}

func newCmdQC() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "qc",
		Short:    "Compute QC metrics and report which cells pass the thresholds",
		ArgsName: "matrix-dir",
	}
	sf := newStageFlags(&cmd.Flags)
	out := cmd.Flags.String("out", "bio-scrna", "Output path prefix")
	allFeatureTypes := cmd.Flags.Bool("all-feature-types", false, "Keep non-RNA features of multimodal matrices")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("qc takes one matrix directory, but got %v", argv)
		}
		ctx := vcontext.Background()
		opts, err := sf.opts(ctx, &cmd.Flags)
		if err != nil {
			return err
		}
		return runQC(ctx, argv[0], opts, *out, *allFeatureTypes)
	})
	return cmd
}

func newCmdRelabel() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "relabel",
		Short:    "Attach names to the clusters of an assignment file",
		ArgsName: "clusters.tsv names.tsv",
	}
	out := cmd.Flags.String("out", "", "Output path; standard output if empty")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("relabel takes clusters.tsv names.tsv, but got %v", argv)
		}
		return relabel(vcontext.Background(), argv[0], argv[1], *out, env.Stdout)
	})
	return cmd
}

func newCmdConfig() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "config",
		Short: "Print the effective configuration as YAML, for use with -config",
	}
	sf := newStageFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("config takes no arguments, but got %v", argv)
		}
		opts, err := sf.opts(vcontext.Background(), &cmd.Flags)
		if err != nil {
			return err
		}
		text, err := opts.YAML()
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(env.Stdout, text)
		return err
	})
	return cmd
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-scrna",
		Short:    "Single-cell RNA-seq clustering",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdQC(),
			newCmdRelabel(),
			newCmdConfig(),
		},
	}
}

func main() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newCmdRoot())
}
