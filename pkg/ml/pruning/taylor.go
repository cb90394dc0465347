// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// taylorScorer scores output channels with the first order Taylor expansion of the loss (Molchanov et al., 2019):
// the sum over the channel weights of (w * dLoss/dw)^2, accumulated over batches of the training data.
//
// The model is run in inference mode.
type taylorScorer struct{}

// Name implements Scorer.
func (s *taylorScorer) Name() string { return AlgorithmTaylorFO }

// Granularity implements Scorer.
func (s *taylorScorer) Granularity() Granularity { return ChannelWise }

// Scores implements Scorer.
func (s *taylorScorer) Scores(p *IterativePruner, targets []*Target) ([][]float64, error) {
	modelCtx := p.ctx.InAbsPath(p.modelScope).Reuse()
	var spec any
	var numInputs int
	exec, err := context.NewExec(p.backend, modelCtx, func(ctx *context.Context, inputsAndLabels []*Node) []*Node {
		g := inputsAndLabels[0].Graph()
		inputs, labels := inputsAndLabels[:numInputs], inputsAndLabels[numInputs:]
		predictions := p.modelFn(ctx, spec, inputs)
		loss := p.lossFn(labels, predictions)
		if loss.Rank() > 0 {
			loss = ReduceAllMean(loss)
		}
		weights := make([]*Node, len(targets))
		for ii, target := range targets {
			weights[ii] = target.Weight.ValueGraph(g)
		}
		grads := Gradient(loss, weights...)
		outputs := make([]*Node, 0, 2*len(targets))
		for ii, w := range weights {
			if grads[ii] == nil {
				Panicf("loss doesn't depend on the weights of %s", targets[ii])
			}
			contribution := Square(Mul(w, grads[ii]))
			sum := ConvertDType(ReduceSum(contribution, axesButLast(w.Rank())...), dtypes.Float64)
			outputs = append(outputs, sum, ScalarOne(g, dtypes.Float64))
		}
		return outputs
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %q scoring graph", AlgorithmTaylorFO)
	}
	defer exec.Finalize()

	acc := newChannelAccumulator(targets)
	maxBatches := context.GetParamOr(p.ctx, ParamTaylorBatches, 20)
	_, err = forEachBatch(p.trainDS, maxBatches, func(batchSpec any, inputs, labels []*tensors.Tensor) error {
		if len(inputs) == 0 || len(labels) == 0 {
			return errors.Errorf("%q requires batches with inputs and labels", AlgorithmTaylorFO)
		}
		spec = batchSpec
		numInputs = len(inputs)
		outputs, err := exec.Exec(tensorsAsArgs(inputs, labels)...)
		if err != nil {
			return errors.WithMessagef(err, "computing gradients for %q", AlgorithmTaylorFO)
		}
		defer finalizeAll(outputs)
		return acc.add(outputs)
	})
	if err != nil {
		return nil, err
	}
	return acc.means(), nil
}
