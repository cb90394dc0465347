// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pruning implements iterative pruning of the weights of GoMLX models.
//
// An iterative pruner repeats, for a number of iterations, the following steps:
//
//  1. Score the weights of the selected layers (the "targets") with a pruning algorithm (see KnownAlgorithms).
//  2. Compute masks that zero the lowest scored weights (or output channels), up to the sparsity scheduled for
//     the current iteration (see KnownSchedules).
//  3. Optionally reset the surviving weights to their original values (lottery ticket).
//  4. Apply the masks and fine-tune the model, with the masks re-applied after every training step.
//  5. Optionally evaluate the model, and keep track of the best result.
//
// Masks are stored as non-trainable variables in the context, under the MasksScope, so they are saved along
// with checkpoints.
//
// Example:
//
//	configs := pruning.ConfigList{{OpTypes: []string{pruning.OpTypeConv2d}, Sparsity: 0.8}}
//	pruner, err := pruning.Linear(ctx, configs).
//		Backend(backend).
//		ModelFn(modelFn).
//		Algorithm("l1").
//		TotalIteration(10).
//		Finetuner(finetuner).
//		Done()
//	if err != nil { ... }
//	err = pruner.Compress()
//	_, bestCtx, masks, _, _ := pruner.BestResult()
package pruning

const (
	// OpTypeConv2d matches 2D convolution kernels, variables named "weights" of rank 4 shaped
	// `[kernelHeight, kernelWidth, inputChannels, outputChannels]`.
	OpTypeConv2d = "Conv2d"

	// OpTypeLinear matches dense (linear) kernels, variables named "weights" of rank 2 shaped
	// `[inputFeatures, outputFeatures]`.
	OpTypeLinear = "Linear"

	// WeightsVariableName is the name of the variables considered for pruning.
	// It is the name used by layers.Convolution and layers.Dense for their kernels.
	WeightsVariableName = "weights"

	// MasksScope is the absolute scope under which the masks are stored.
	// The mask of a target is stored in scope `MasksScope + target.OpName`, with the name MaskVariableName.
	MasksScope = "/pruning/masks"

	// MaskVariableName is the name of the mask variables.
	MaskVariableName = "mask"

	// DefaultModelScope is the default scope where targets are searched for.
	DefaultModelScope = "/model"
)

// Granularity of the pruning: whether individual weights or whole output channels are pruned.
type Granularity int

const (
	// ElementWise pruning removes individual weights.
	ElementWise Granularity = iota

	// ChannelWise pruning removes whole output channels (filters for convolutions, neurons for linear layers).
	// The output channels are the last axis of the weights.
	ChannelWise
)

// String implements fmt.Stringer.
func (g Granularity) String() string {
	switch g {
	case ElementWise:
		return "element-wise"
	case ChannelWise:
		return "channel-wise"
	default:
		return "unknown"
	}
}

// Hyperparameters read from the context by the pruning algorithms.
const (
	// ParamActivationBatches is the number of training batches used to collect activation statistics by the
	// "apoz" and "mean_activation" algorithms. Default is 20.
	ParamActivationBatches = "pruning_activation_batches"

	// ParamTaylorBatches is the number of training batches used to accumulate the first order Taylor
	// importance by the "taylorfo" algorithm. Default is 20.
	ParamTaylorBatches = "pruning_taylor_batches"

	// ParamSlimL1 is the amount of L1 regularization added to the batch normalization scales (gamma) during
	// fine-tuning when using the "slim" algorithm. Default is 1e-4. Set to 0 to disable.
	ParamSlimL1 = "pruning_slim_l1"

	// ParamADMMRounds is the number of ADMM rounds (each round trains ParamADMMSteps and then updates the
	// auxiliary variables). Default is 3.
	ParamADMMRounds = "pruning_admm_rounds"

	// ParamADMMSteps is the number of training steps per ADMM round. Default is 200.
	ParamADMMSteps = "pruning_admm_steps"

	// ParamADMMRho is the penalty coefficient of the ADMM proximal term. Default is 1e-4.
	ParamADMMRho = "pruning_admm_rho"

	// ParamParallelism is the maximum number of targets whose masks are computed in parallel.
	// Default is 0, which means runtime.NumCPU().
	ParamParallelism = "pruning_parallelism"
)
