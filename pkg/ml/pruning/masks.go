// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// onesTensor returns a tensor of the given shape filled with ones.
func onesTensor(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	switch shape.DType {
	case dtypes.Float64:
		tensors.MustMutableFlatData[float64](t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = 1
			}
		})
	default:
		tensors.MustMutableFlatData[float32](t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = 1
			}
		})
	}
	return t
}

// toFloat64 copies the contents of a float tensor to a []float64.
func toFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	case dtypes.Float32:
		flat32 := tensors.MustCopyFlatData[float32](t)
		flat := make([]float64, len(flat32))
		for ii, v := range flat32 {
			flat[ii] = float64(v)
		}
		return flat, nil
	default:
		return nil, errors.Errorf("pruning only supports float32 and float64 tensors, got %s", t.DType())
	}
}

// fromFloat64 creates a tensor of the given dtype and dimensions from the flat values.
func fromFloat64(flat []float64, dtype dtypes.DType, dimensions ...int) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(flat, dimensions...), nil
	case dtypes.Float32:
		flat32 := make([]float32, len(flat))
		for ii, v := range flat {
			flat32[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(flat32, dimensions...), nil
	default:
		return nil, errors.Errorf("pruning only supports float32 and float64 tensors, got %s", dtype)
	}
}

// variableToFloat64 returns the current value of the variable as a []float64.
func variableToFloat64(v *context.Variable) ([]float64, error) {
	value, err := v.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
	}
	return toFloat64(value)
}

// Masker multiplies weights by their masks with a compiled graph.
// It is safe for concurrent use.
type Masker struct {
	exec *Exec
}

// NewMasker creates a Masker for the given backend.
func NewMasker(backend backends.Backend) (*Masker, error) {
	exec, err := NewExec(backend, func(weights, mask *Node) *Node {
		return Mul(weights, ConvertDType(mask, weights.DType()))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating masking graph")
	}
	return &Masker{exec: exec.SetMaxCache(-1)}, nil
}

// Apply multiplies each target weight by its mask, and updates the weight variable.
func (m *Masker) Apply(ctx *context.Context, targets []*Target) error {
	for _, target := range targets {
		maskVar := target.MaskVariable(ctx)
		weights, err := target.Weight.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading weights of %s", target)
		}
		mask, err := maskVar.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading mask of %s", target)
		}
		masked, err := m.exec.Exec1(weights, mask)
		if err != nil {
			return errors.WithMessagef(err, "applying mask to %s", target)
		}
		if err = target.Weight.SetValue(masked); err != nil {
			return errors.WithMessagef(err, "updating weights of %s", target)
		}
	}
	return nil
}

// applyMasksGraph multiplies the weights by their masks in the graph, and sets the result as the new value of
// the weights. It is used as a per-training-step update, so the optimizer cannot revive pruned weights.
func applyMasksGraph(ctx *context.Context, g *Graph, targets []*Target) {
	for _, target := range targets {
		maskVar := target.MaskVariable(ctx)
		weights := target.Weight.ValueGraph(g)
		mask := ConvertDType(maskVar.ValueGraph(g), weights.DType())
		target.Weight.SetValueGraph(Mul(weights, mask))
	}
}

// SetMask sets the mask of the target from the flat float values (ones and zeros).
func SetMask(ctx *context.Context, target *Target, flatMask []float64) error {
	shape := target.Weight.Shape()
	if len(flatMask) != shape.Size() {
		return errors.Errorf("mask for %s has %d elements, wanted %d", target, len(flatMask), shape.Size())
	}
	maskT, err := fromFloat64(flatMask, shape.DType, shape.Dimensions...)
	if err != nil {
		return err
	}
	return target.MaskVariable(ctx).SetValue(maskT)
}

// LayerSparsity reports the sparsity of one pruned layer.
type LayerSparsity struct {
	OpName    string
	OpType    string
	Shape     shapes.Shape
	NumParams int

	// NumZeros is the number of masked out weights.
	NumZeros int

	// NumChannels and NumPrunedChannels count output channels, and those fully masked out.
	NumChannels, NumPrunedChannels int
}

// Sparsity ratio of the layer.
func (ls LayerSparsity) Sparsity() float64 {
	if ls.NumParams == 0 {
		return 0
	}
	return float64(ls.NumZeros) / float64(ls.NumParams)
}

// SparsityReport reads the mask of each target and returns the per-layer sparsity, and the total sparsity
// over all targets.
func SparsityReport(ctx *context.Context, targets []*Target) (layers []LayerSparsity, total float64, err error) {
	var numParams, numZeros int
	for _, target := range targets {
		mask, err := variableToFloat64(target.MaskVariable(ctx))
		if err != nil {
			return nil, 0, err
		}
		ls := LayerSparsity{
			OpName:      target.OpName,
			OpType:      target.OpType,
			Shape:       target.Weight.Shape(),
			NumParams:   len(mask),
			NumChannels: target.NumChannels(),
		}
		channelAlive := make([]bool, ls.NumChannels)
		for ii, m := range mask {
			if m == 0 {
				ls.NumZeros++
			} else {
				channelAlive[ii%ls.NumChannels] = true
			}
		}
		for _, alive := range channelAlive {
			if !alive {
				ls.NumPrunedChannels++
			}
		}
		numParams += ls.NumParams
		numZeros += ls.NumZeros
		layers = append(layers, ls)
	}
	if numParams > 0 {
		total = float64(numZeros) / float64(numParams)
	}
	return
}

// CopyMasks returns a copy of the masks of the targets, indexed by op name.
func CopyMasks(ctx *context.Context, targets []*Target) (map[string]*tensors.Tensor, error) {
	masks := make(map[string]*tensors.Tensor, len(targets))
	for _, target := range targets {
		value, err := target.MaskVariable(ctx).Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading mask of %s", target)
		}
		masks[target.OpName], err = value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "copying mask of %s", target)
		}
	}
	return masks, nil
}

// KeptChannels returns the indices of the output channels of the mask that have at least one weight left.
// The output channels are the last axis of the mask.
func KeptChannels(mask *tensors.Tensor) ([]int, error) {
	flat, err := toFloat64(mask)
	if err != nil {
		return nil, err
	}
	numChannels := mask.Shape().Dim(-1)
	alive := make([]bool, numChannels)
	for ii, m := range flat {
		if m != 0 {
			alive[ii%numChannels] = true
		}
	}
	kept := make([]int, 0, numChannels)
	for ch, ok := range alive {
		if ok {
			kept = append(kept, ch)
		}
	}
	return kept, nil
}
