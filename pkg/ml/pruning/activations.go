// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"io"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// batchesFn is called for each batch yielded by a dataset, with its spec, inputs and labels.
type batchesFn func(spec any, inputs, labels []*tensors.Tensor) error

// forEachBatch resets the dataset and calls fn for at most maxBatches batches (or all batches, if maxBatches <= 0).
// It returns the number of batches processed. The yielded tensors are finalized after fn returns.
func forEachBatch(ds train.Dataset, maxBatches int, fn batchesFn) (count int, err error) {
	ds.Reset()
	for maxBatches <= 0 || count < maxBatches {
		spec, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return count, errors.WithMessagef(yieldErr, "reading batch %d from dataset %q", count, ds.Name())
		}
		err = fn(spec, inputs, labels)
		finalizeAll(inputs)
		finalizeAll(labels)
		if err != nil {
			return count, err
		}
		count++
	}
	if count == 0 {
		return 0, errors.Errorf("dataset %q yielded no batches", ds.Name())
	}
	return count, nil
}

// tensorsAsArgs converts the tensors to the arguments of an Exec call.
func tensorsAsArgs(parts ...[]*tensors.Tensor) []any {
	var args []any
	for _, part := range parts {
		for _, t := range part {
			args = append(args, t)
		}
	}
	return args
}

// channelAccumulator sums per-channel statistics of each target over batches, and the number of values
// summed into each channel of each target.
type channelAccumulator struct {
	sums   [][]float64
	counts []float64
}

func newChannelAccumulator(targets []*Target) *channelAccumulator {
	acc := &channelAccumulator{sums: make([][]float64, len(targets)), counts: make([]float64, len(targets))}
	for ii, target := range targets {
		acc.sums[ii] = make([]float64, target.NumChannels())
	}
	return acc
}

// add accumulates the outputs of one batch: for each target, a tensor with its per-channel sums followed by a
// scalar with the number of values summed per channel.
func (acc *channelAccumulator) add(outputs []*tensors.Tensor) error {
	if len(outputs) != 2*len(acc.sums) {
		return errors.Errorf("expected per-channel sums and counts for %d targets, got %d outputs",
			len(acc.sums), len(outputs))
	}
	for ii := range acc.sums {
		values, err := toFloat64(outputs[2*ii])
		if err != nil {
			return err
		}
		if len(values) != len(acc.sums[ii]) {
			return errors.Errorf("target #%d expected %d channels, got %d", ii, len(acc.sums[ii]), len(values))
		}
		for ch, v := range values {
			acc.sums[ii][ch] += v
		}
		count, err := toFloat64(outputs[2*ii+1])
		if err != nil {
			return err
		}
		acc.counts[ii] += count[0]
	}
	return nil
}

// means returns the accumulated sums divided by their counts.
func (acc *channelAccumulator) means() [][]float64 {
	for ii, sums := range acc.sums {
		if acc.counts[ii] == 0 {
			continue
		}
		for ch := range sums {
			sums[ch] /= acc.counts[ii]
		}
	}
	return acc.sums
}

// activationScorer scores output channels by statistics of their activations on the training data:
//
//   - "apoz": one minus the Average Percentage of Zeros (Hu et al., 2016), that is, the ratio of positive
//     activations.
//   - "mean_activation": the mean activation (Molchanov et al., 2017).
//
// The model is run in inference mode, and activations are collected with the ActivationsFn.
type activationScorer struct {
	name string
}

// Name implements Scorer.
func (s *activationScorer) Name() string { return s.name }

// Granularity implements Scorer.
func (s *activationScorer) Granularity() Granularity { return ChannelWise }

// activationStatistic returns the per-channel sum of the statistic over all but the last axis, and the number
// of values summed per channel.
func (s *activationScorer) activationStatistic(activation *Node) (sum, count *Node) {
	var statistic *Node
	if s.name == AlgorithmAPoZ {
		statistic = ConvertDType(GreaterThan(activation, ZerosLike(activation)), dtypes.Float64)
	} else {
		statistic = ConvertDType(activation, dtypes.Float64)
	}
	sum = ReduceSum(statistic, axesButLast(activation.Rank())...)
	count = Scalar(activation.Graph(), dtypes.Float64, activation.Shape().Size()/activation.Shape().Dim(-1))
	return
}

// Scores implements Scorer.
func (s *activationScorer) Scores(p *IterativePruner, targets []*Target) ([][]float64, error) {
	modelCtx := p.ctx.InAbsPath(p.modelScope).Reuse()
	exec, err := context.NewExec(p.backend, modelCtx, func(ctx *context.Context, inputs []*Node) []*Node {
		activations := p.activationsFn(ctx, inputs)
		outputs := make([]*Node, 0, 2*len(targets))
		for _, target := range targets {
			activation, found := activations[target.OpName]
			if !found {
				Panicf("activations function returned no activation for target %s", target)
			}
			if activation.Shape().Dim(-1) != target.NumChannels() {
				Panicf("activation of %s shaped %s doesn't match its %d output channels",
					target, activation.Shape(), target.NumChannels())
			}
			sum, count := s.activationStatistic(activation)
			outputs = append(outputs, sum, count)
		}
		return outputs
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %q scoring graph", s.name)
	}
	defer exec.Finalize()

	acc := newChannelAccumulator(targets)
	maxBatches := context.GetParamOr(p.ctx, ParamActivationBatches, 20)
	_, err = forEachBatch(p.trainDS, maxBatches, func(_ any, inputs, _ []*tensors.Tensor) error {
		outputs, err := exec.Exec(tensorsAsArgs(inputs)...)
		if err != nil {
			return errors.WithMessagef(err, "collecting activations for %q", s.name)
		}
		defer finalizeAll(outputs)
		return acc.add(outputs)
	})
	if err != nil {
		return nil, err
	}
	return acc.means(), nil
}

// finalizeAll frees the tensors.
func finalizeAll(values []*tensors.Tensor) {
	for _, t := range values {
		_ = t.FinalizeAll()
	}
}
