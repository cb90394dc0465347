// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning_test

import (
	"fmt"
	"math/rand"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/iterprune/pkg/ml/pruning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	toyNumExamples = 256
	toyNumFeatures = 4
	toyNumClasses  = 3
	toyHidden      = "/model/hidden/dense"
	toyOutput      = "/model/output/dense"
)

// toyLayers builds a small classifier: the label is the index of the largest of the first 3 features.
// It returns the hidden activations and the logits.
func toyLayers(ctx *context.Context, inputs []*Node) (hidden, logits *Node) {
	hiddenCtx := ctx.In("hidden")
	hidden = layers.Dense(hiddenCtx, inputs[0], true, 8)
	hidden = batchnorm.New(hiddenCtx, hidden, -1).Done()
	hidden = activations.Relu(hidden)
	logits = layers.Dense(ctx.In("output"), hidden, true, toyNumClasses)
	return
}

func toyModel(ctx *context.Context, _ any, inputs []*Node) []*Node {
	_, logits := toyLayers(ctx, inputs)
	return []*Node{logits}
}

func toyActivations(ctx *context.Context, inputs []*Node) map[string]*Node {
	hidden, logits := toyLayers(ctx, inputs)
	return map[string]*Node{toyHidden: hidden, toyOutput: logits}
}

// toySetup creates a context with the initialized toy model and its training dataset (infinite and shuffled).
func toySetup(t *testing.T, backend backends.Backend) (*context.Context, train.Dataset) {
	rng := rand.New(rand.NewSource(42))
	inputs := make([][]float32, toyNumExamples)
	labels := make([][]int32, toyNumExamples)
	for ii := range inputs {
		inputs[ii] = make([]float32, toyNumFeatures)
		for jj := range inputs[ii] {
			inputs[ii][jj] = float32(rng.NormFloat64())
		}
		var best int
		for jj := 1; jj < toyNumClasses; jj++ {
			if inputs[ii][jj] > inputs[ii][best] {
				best = jj
			}
		}
		labels[ii] = []int32{int32(best)}
	}
	ds, err := datasets.InMemoryFromData(backend, "toy", []any{inputs}, []any{labels})
	require.NoError(t, err)
	ds.BatchSize(32, true).Shuffle().Infinite(true).WithRand(rng)

	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	_, err = context.ExecOnce(backend, ctx.In("model"), func(ctx *context.Context, x *Node) *Node {
		return toyModel(ctx, nil, []*Node{x})[0]
	}, tensors.FromValue(inputs[:2]))
	require.NoError(t, err)
	return ctx, ds
}

// toyTrainFn trains the model in ctx for the given number of steps.
func toyTrainFn(backend backends.Backend, ds train.Dataset) pruning.TrainFn {
	return func(ctx *context.Context, modelFn train.ModelFn, steps int) error {
		trainer := train.NewTrainer(backend, ctx.In("model").Reuse(), modelFn,
			losses.SparseCategoricalCrossEntropyLogits,
			optimizers.StochasticGradientDescent().Done(),
			nil, nil)
		loop := train.NewLoop(trainer)
		_, err := loop.RunSteps(ds, steps)
		return err
	}
}

// toyFinetuner trains the model for a few steps.
func toyFinetuner(backend backends.Backend, ds train.Dataset) pruning.Finetuner {
	trainFn := toyTrainFn(backend, ds)
	return func(ctx *context.Context, modelFn train.ModelFn) error {
		return trainFn(ctx, modelFn, 20)
	}
}

// requireMasked checks that the weights of each target are zero wherever its mask is zero, and returns the
// sparsity of each target.
func requireMasked(t *testing.T, ctx *context.Context, targets []*pruning.Target) map[string]float64 {
	sparsities := make(map[string]float64)
	for _, target := range targets {
		weights := tensors.MustCopyFlatData[float32](target.Weight.MustValue())
		mask := tensors.MustCopyFlatData[float32](target.MaskVariable(ctx).MustValue())
		require.Len(t, mask, len(weights))
		var zeros int
		for ii, m := range mask {
			if m == 0 {
				zeros++
				require.Zerof(t, weights[ii], "%s: masked weight #%d is not zero", target, ii)
			}
		}
		sparsities[target.OpName] = float64(zeros) / float64(len(mask))
	}
	return sparsities
}

func TestFindTargets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, _ := toySetup(t, backend)

	targets, err := pruning.FindTargets(ctx, pruning.DefaultModelScope,
		pruning.ConfigList{{OpTypes: []string{pruning.OpTypeLinear}, Sparsity: 0.5}})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, toyHidden, targets[0].OpName)
	assert.Equal(t, toyOutput, targets[1].OpName)
	assert.Equal(t, pruning.OpTypeLinear, targets[0].OpType)
	assert.Equal(t, 8, targets[0].NumChannels())
	assert.Equal(t, toyNumFeatures, targets[0].ChannelSize())
	assert.Equal(t, "/model/hidden", targets[0].ParentScope())

	// The last matching entry wins: excluding the output layer.
	targets, err = pruning.FindTargets(ctx, pruning.DefaultModelScope, pruning.ConfigList{
		{OpTypes: []string{pruning.OpTypeLinear}, Sparsity: 0.5},
		{OpNames: []string{"/model/output/*"}, Exclude: true},
	})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, toyHidden, targets[0].OpName)

	// No convolutions in the model.
	_, err = pruning.FindTargets(ctx, pruning.DefaultModelScope,
		pruning.ConfigList{{OpTypes: []string{pruning.OpTypeConv2d}, Sparsity: 0.5}})
	assert.Error(t, err)
}

func TestMasker(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, _ := toySetup(t, backend)
	targets, err := pruning.FindTargets(ctx, pruning.DefaultModelScope,
		pruning.ConfigList{{OpNames: []string{toyOutput}, Sparsity: 0.5}})
	require.NoError(t, err)
	target := targets[0]

	// Prune the first output channel only.
	mask := make([]float64, target.Size())
	for ii := range mask {
		if ii%toyNumClasses != 0 {
			mask[ii] = 1
		}
	}
	require.NoError(t, pruning.SetMask(ctx, target, mask))
	masker, err := pruning.NewMasker(backend)
	require.NoError(t, err)
	require.NoError(t, masker.Apply(ctx, targets))
	requireMasked(t, ctx, targets)

	report, total, err := pruning.SparsityReport(ctx, targets)
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, 1, report[0].NumPrunedChannels)
	assert.Equal(t, toyNumClasses, report[0].NumChannels)
	assert.InDelta(t, 1.0/3.0, total, 1e-6)
	assert.InDelta(t, 1.0/3.0, report[0].Sparsity(), 1e-6)

	masks, err := pruning.CopyMasks(ctx, targets)
	require.NoError(t, err)
	kept, err := pruning.KeptChannels(masks[toyOutput])
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, kept)
}

func TestCompress(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, algorithm := range pruning.AlgorithmNames() {
		t.Run(algorithm, func(t *testing.T) {
			ctx, ds := toySetup(t, backend)
			ctx.SetParam(pruning.ParamActivationBatches, 2)
			ctx.SetParam(pruning.ParamTaylorBatches, 2)
			ctx.SetParam(pruning.ParamADMMRounds, 2)
			ctx.SetParam(pruning.ParamADMMSteps, 5)
			configs := pruning.ConfigList{{OpNames: []string{toyHidden}, Sparsity: 0.5}}
			pruner, err := pruning.AGP(ctx, configs).
				Backend(backend).
				ModelFn(toyModel).
				Algorithm(algorithm).
				TotalIteration(2).
				Finetuner(toyFinetuner(backend, ds)).
				Trainer(toyTrainFn(backend, ds)).
				Activations(toyActivations).
				TrainData(ds).
				Done()
			require.NoError(t, err)
			taskID, bestCtx, _, _, _ := pruner.BestResult()
			assert.Zero(t, taskID)
			assert.Nil(t, bestCtx)

			require.NoError(t, pruner.Compress())
			results := pruner.Results()
			require.Len(t, results, 2)
			assert.InDelta(t, 0.5*(1-0.125), results[0].Configs[0].Sparsity, 1e-9)
			assert.InDelta(t, 0.5, results[1].Configs[0].Sparsity, 1e-9)
			assert.InDelta(t, 0.5, results[1].Sparsity, 1e-9)
			assert.Less(t, results[0].Sparsity, results[1].Sparsity)

			// Without an evaluator, the last iteration is the best.
			taskID, bestCtx, masks, score, bestConfigs := pruner.BestResult()
			assert.Equal(t, 2, taskID)
			assert.Equal(t, 2.0, score)
			require.NotNil(t, bestCtx)
			assert.Contains(t, masks, toyHidden)
			assert.InDelta(t, 0.5, bestConfigs[0].Sparsity, 1e-9)
			bestTargets, err := pruning.FindTargets(bestCtx, pruning.DefaultModelScope, bestConfigs)
			require.NoError(t, err)
			sparsities := requireMasked(t, bestCtx, bestTargets)
			assert.InDelta(t, 0.5, sparsities[toyHidden], 1e-9)

			// ADMM auxiliary variables are removed.
			for v := range ctx.IterVariables() {
				assert.NotContains(t, v.Scope(), pruning.ADMMScope)
			}
		})
	}
}

func TestCompressWithEvaluator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, ds := toySetup(t, backend)
	scores := []float64{0.5, 0.9, 0.7}
	var calls int
	var finetunerMasked []bool
	configs := pruning.ConfigList{{OpTypes: []string{pruning.OpTypeLinear}, TotalSparsity: 0.4}}
	var pruner *pruning.IterativePruner
	finetune := toyFinetuner(backend, ds)
	pruner, err := pruning.Linear(ctx, configs).
		Backend(backend).
		ModelFn(toyModel).
		TotalIteration(len(scores)).
		Finetuner(func(ctx *context.Context, modelFn train.ModelFn) error {
			if err := finetune(ctx, modelFn); err != nil {
				return err
			}
			// Weights must stay masked after fine-tuning.
			requireMasked(t, ctx, pruner.Targets())
			finetunerMasked = append(finetunerMasked, true)
			return nil
		}).
		Evaluator(func(ctx *context.Context, modelFn train.ModelFn) (float64, error) {
			score := scores[calls]
			calls++
			return score, nil
		}).
		Done()
	require.NoError(t, err)
	require.NoError(t, pruner.Compress())
	assert.Len(t, finetunerMasked, len(scores))

	taskID, bestCtx, masks, score, bestConfigs := pruner.BestResult()
	assert.Equal(t, 2, taskID)
	assert.Equal(t, 0.9, score)
	assert.InDelta(t, 0.4*2/3, bestConfigs[0].TotalSparsity, 1e-9)
	require.Len(t, masks, 2)

	// The best context is a copy: its sparsity is the one of the second iteration, not the last.
	bestTargets, err := pruning.FindTargets(bestCtx, pruning.DefaultModelScope, bestConfigs)
	require.NoError(t, err)
	_, bestSparsity, err := pruning.SparsityReport(bestCtx, bestTargets)
	require.NoError(t, err)
	_, lastSparsity, err := pruning.SparsityReport(ctx, pruner.Targets())
	require.NoError(t, err)
	assert.Less(t, bestSparsity, lastSparsity)
	assert.InDelta(t, pruner.Results()[1].Sparsity, bestSparsity, 1e-9)
}

func TestLotteryTicket(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, ds := toySetup(t, backend)
	configs := pruning.ConfigList{{OpTypes: []string{pruning.OpTypeLinear}, Sparsity: 0.5}}
	targets, err := pruning.FindTargets(ctx, pruning.DefaultModelScope, configs)
	require.NoError(t, err)
	initial := make(map[string][]float32)
	for _, target := range targets {
		initial[target.OpName] = tensors.MustCopyFlatData[float32](target.Weight.MustValue())
	}

	finetune := toyFinetuner(backend, ds)
	var pruner *pruning.IterativePruner
	var iterations int
	pruner, err = pruning.LotteryTicket(ctx, configs).
		Backend(backend).
		ModelFn(toyModel).
		TotalIteration(3).
		Finetuner(func(ctx *context.Context, modelFn train.ModelFn) error {
			iterations++
			// Before fine-tuning, surviving weights are back to their initial values.
			for _, target := range pruner.Targets() {
				weights := tensors.MustCopyFlatData[float32](target.Weight.MustValue())
				mask := tensors.MustCopyFlatData[float32](target.MaskVariable(ctx).MustValue())
				for ii, w := range weights {
					require.Equalf(t, initial[target.OpName][ii]*mask[ii], w,
						"iteration %d: %s weight #%d not reset", iterations, target, ii)
				}
			}
			return finetune(ctx, modelFn)
		}).
		Done()
	require.NoError(t, err)
	require.NoError(t, pruner.Compress())
	assert.Equal(t, 3, iterations)
	results := pruner.Results()
	assert.InDelta(t, 0.5, results[2].Configs[0].Sparsity, 1e-9)
}

func TestLinearKeepsFinetunedWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, ds := toySetup(t, backend)
	configs := pruning.ConfigList{{OpTypes: []string{pruning.OpTypeLinear}, Sparsity: 0.5}}
	targets, err := pruning.FindTargets(ctx, pruning.DefaultModelScope, configs)
	require.NoError(t, err)
	initial := make(map[string][]float32)
	for _, target := range targets {
		initial[target.OpName] = tensors.MustCopyFlatData[float32](target.Weight.MustValue())
	}

	finetune := toyFinetuner(backend, ds)
	var pruner *pruning.IterativePruner
	var iterations int
	pruner, err = pruning.Linear(ctx, configs).
		Backend(backend).
		ModelFn(toyModel).
		TotalIteration(3).
		Finetuner(func(ctx *context.Context, modelFn train.ModelFn) error {
			iterations++
			if iterations > 1 {
				// Surviving weights carry the changes of the previous fine-tuning.
				var changed int
				for _, target := range pruner.Targets() {
					weights := tensors.MustCopyFlatData[float32](target.Weight.MustValue())
					mask := tensors.MustCopyFlatData[float32](target.MaskVariable(ctx).MustValue())
					for ii, w := range weights {
						if mask[ii] != 0 && w != initial[target.OpName][ii] {
							changed++
						}
					}
				}
				require.Positivef(t, changed, "iteration %d: weights were reset", iterations)
			}
			return finetune(ctx, modelFn)
		}).
		Done()
	require.NoError(t, err)
	assert.False(t, pruner.ResetsWeight())
	require.NoError(t, pruner.Compress())
	assert.Equal(t, 3, iterations)
}

func TestKeepIntermediateResultAndSpeedup(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, _ := toySetup(t, backend)
	logDir := t.TempDir()
	var speedupMasks map[string]*tensors.Tensor
	pruner, err := pruning.Linear(ctx, pruning.ConfigList{{OpNames: []string{toyHidden}, Sparsity: 0.5}}).
		Backend(backend).
		ModelFn(toyModel).
		Algorithm(pruning.AlgorithmL2).
		TotalIteration(2).
		LogDir(logDir).
		KeepIntermediateResult(true).
		Speedup(func(ctx *context.Context, masks map[string]*tensors.Tensor) error {
			speedupMasks = masks
			return nil
		}).
		Done()
	require.NoError(t, err)
	require.NoError(t, pruner.Compress())

	require.NotEmpty(t, pruner.RunDir())
	for ii := 1; ii <= 2; ii++ {
		info, err := os.Stat(path.Join(pruner.RunDir(), fmt.Sprintf("iteration_%03d", ii)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	require.Contains(t, speedupMasks, toyHidden)
	kept, err := pruning.KeptChannels(speedupMasks[toyHidden])
	require.NoError(t, err)
	assert.Len(t, kept, 4)
}

func TestConfigErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	configs := pruning.ConfigList{{OpTypes: []string{pruning.OpTypeConv2d}, Sparsity: 0.8}}

	_, err := pruning.New(ctx, configs, "exponential").Backend(backend).ModelFn(toyModel).Done()
	assert.Error(t, err, "unknown schedule")
	_, err = pruning.Linear(ctx, configs).ModelFn(toyModel).Done()
	assert.Error(t, err, "missing backend")
	_, err = pruning.Linear(ctx, configs).Backend(backend).Done()
	assert.Error(t, err, "missing model function")
	_, err = pruning.Linear(ctx, configs).Backend(backend).ModelFn(toyModel).Algorithm("random").Done()
	assert.Error(t, err, "unknown algorithm")
	_, err = pruning.Linear(ctx, configs).Backend(backend).ModelFn(toyModel).Algorithm(pruning.AlgorithmAPoZ).Done()
	assert.Error(t, err, "apoz requires activations")
	_, err = pruning.Linear(ctx, configs).Backend(backend).ModelFn(toyModel).Algorithm(pruning.AlgorithmADMM).Done()
	assert.Error(t, err, "admm requires a trainer")
	_, err = pruning.Linear(ctx, configs).Backend(backend).ModelFn(toyModel).TotalIteration(0).Done()
	assert.Error(t, err, "no iterations")
	_, err = pruning.Linear(ctx, configs).Backend(backend).ModelFn(toyModel).KeepIntermediateResult(true).Done()
	assert.Error(t, err, "missing log dir")
	_, err = pruning.Linear(ctx, pruning.ConfigList{}).Backend(backend).ModelFn(toyModel).Done()
	assert.Error(t, err, "empty config list")
}
