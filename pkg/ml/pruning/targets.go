// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Target is one layer selected for pruning.
type Target struct {
	// OpName is the scope of the weights variable, e.g. "/model/003_conv/conv".
	OpName string

	// OpType is OpTypeConv2d or OpTypeLinear.
	OpType string

	// Weight is the variable holding the kernel to be pruned. Its output channels are on the last axis.
	Weight *context.Variable

	// Config is the entry of the config list that selected this target, and ConfigIndex its position.
	// Targets with the same global (TotalSparsity) config are pruned together.
	Config      *OpConfig
	ConfigIndex int
}

// String implements fmt.Stringer.
func (t *Target) String() string {
	return fmt.Sprintf("%s(%s, %s)", t.OpType, t.OpName, t.Weight.Shape())
}

// Size is the number of elements of the weights.
func (t *Target) Size() int {
	return t.Weight.Shape().Size()
}

// NumChannels is the number of output channels of the layer, the last axis of the weights.
func (t *Target) NumChannels() int {
	return t.Weight.Shape().Dim(-1)
}

// ChannelSize is the number of weights that feed one output channel.
func (t *Target) ChannelSize() int {
	return t.Size() / t.NumChannels()
}

// ParentScope returns the scope of the layer that holds the target's op, e.g.: "/model/003_conv" for
// the target "/model/003_conv/conv". Sibling layers, like a batch normalization following a convolution,
// are expected to be created under the same parent scope.
func (t *Target) ParentScope() string {
	idx := strings.LastIndex(t.OpName, context.ScopeSeparator)
	if idx <= 0 {
		return context.RootScope
	}
	return t.OpName[:idx]
}

// MaskVariable returns the mask variable associated with the target, creating it (initialized to ones) if it
// doesn't exist yet.
func (t *Target) MaskVariable(ctx *context.Context) *context.Variable {
	maskCtx := ctx.Checked(false).InAbsPath(MasksScope + t.OpName)
	if v := maskCtx.GetVariableByScopeAndName(maskCtx.Scope(), MaskVariableName); v != nil {
		return v
	}
	return maskCtx.VariableWithValue(MaskVariableName, onesTensor(t.Weight.Shape())).SetTrainable(false)
}

// opTypeForShape returns the op type for a weights variable of the given shape.
func opTypeForShape(shape shapes.Shape) (opType string, ok bool) {
	switch shape.Rank() {
	case 4:
		return OpTypeConv2d, true
	case 2:
		return OpTypeLinear, true
	default:
		return "", false
	}
}

// FindTargets returns the layers under modelScope selected by configs, sorted by op name.
//
// Layers are the float variables named WeightsVariableName: rank-4 variables are OpTypeConv2d and rank-2
// variables are OpTypeLinear. Config entries are matched in order and the last entry matching a layer wins;
// if it is an exclude entry, the layer is not pruned.
//
// It returns an error if no layer is selected.
func FindTargets(ctx *context.Context, modelScope string, configs ConfigList) ([]*Target, error) {
	if modelScope == "" {
		modelScope = DefaultModelScope
	}
	var targets []*Target
	for v := range ctx.InAbsPath(modelScope).IterVariablesInScope() {
		if v.Name() != WeightsVariableName || !v.DType().IsFloat() {
			continue
		}
		opType, ok := opTypeForShape(v.Shape())
		if !ok {
			continue
		}
		opName := v.Scope()
		matchIdx := -1
		for ii := range configs {
			if configs[ii].Matches(opType, opName) {
				matchIdx = ii
			}
		}
		if matchIdx < 0 || configs[matchIdx].Exclude {
			continue
		}
		targets = append(targets, &Target{
			OpName:      opName,
			OpType:      opType,
			Weight:      v,
			Config:      &configs[matchIdx],
			ConfigIndex: matchIdx,
		})
	}
	if len(targets) == 0 {
		return nil, errors.Errorf("no layers under scope %q selected for pruning by config list %s", modelScope, configs)
	}
	slices.SortFunc(targets, func(a, b *Target) int { return strings.Compare(a.OpName, b.OpName) })
	return targets, nil
}
