// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pruning_report prints the sparsity of the layers of a pruned model checkpoint.
//
// Usage:
//
//	pruning_report [-scope=/model] [-summary] [-params] <checkpoint_dir>
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/iterprune/pkg/ml/pruning"
	"github.com/gomlx/iterprune/ui/tables"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", pruning.DefaultModelScope, "The scope of the model in the checkpoint. "+
		"Layers with a variable named \"weights\" under this scope are reported.")
	flagSummary = flag.Bool("summary", true, "Display a summary of the model sizes and the global step.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters saved with the checkpoint.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'pruning_report -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'pruning_report -help'.")
		os.Exit(1)
	}
	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(args[0]).Immediate().Done())
	if err := report(os.Stdout, ctx, args[0], *flagScope, *flagSummary, *flagParams); err != nil {
		klog.Fatalf("Failed to report on %q: %+v", args[0], err)
	}
}

// allLayers selects every layer, so unpruned layers are reported with 0 sparsity.
var allLayers = pruning.ConfigList{{OpTypes: []string{pruning.OpTypeConv2d, pruning.OpTypeLinear}}}

// report writes the tables for the model in ctx, loaded from checkpointPath.
func report(w io.Writer, ctx *context.Context, checkpointPath, scope string, summary, params bool) error {
	targets, err := pruning.FindTargets(ctx, scope, allLayers)
	if err != nil {
		return err
	}
	layers, total, err := pruning.SparsityReport(ctx, targets)
	if err != nil {
		return errors.WithMessage(err, "computing sparsity")
	}

	if summary {
		var numVars, numParams int
		var memory uintptr
		for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
			numVars++
			numParams += v.Shape().Size()
			memory += v.Shape().Memory()
		}
		var numPrunable, numZeros int
		for _, ls := range layers {
			numPrunable += ls.NumParams
			numZeros += ls.NumZeros
		}
		_, _ = fmt.Fprintln(w, tables.Title("Summary"))
		_, _ = fmt.Fprintln(w, tables.KeyValues(
			"checkpoint", checkpointPath,
			"scope", scope,
			"global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)),
			"# variables", humanize.Comma(int64(numVars)),
			"# parameters", humanize.Comma(int64(numParams)),
			"# bytes", humanize.Bytes(uint64(memory)),
			"# prunable parameters", humanize.Comma(int64(numPrunable)),
			"# remaining parameters", humanize.Comma(int64(numParams-numZeros)),
			"sparsity", tables.Percent(total),
		).Render())
	}

	if params {
		_, _ = fmt.Fprintln(w, tables.Title("Hyperparameters"))
		table := tables.New()
		table.Headers("Scope", "Name", "Type", "Value")
		ctx.EnumerateParams(func(scope, key string, value any) {
			table.Row(false, scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
		})
		_, _ = fmt.Fprintln(w, table.Render())
	}

	_, _ = fmt.Fprintln(w, tables.Title("Sparsity"))
	_, _ = fmt.Fprintln(w, tables.Sparsity(layers).Render())
	return nil
}
