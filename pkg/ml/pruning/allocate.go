// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"cmp"
	"math"
	"runtime"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// sparsityEpsilon absorbs floating point errors when converting a sparsity ratio to a number of units.
const sparsityEpsilon = 1e-9

// layerUnits holds the scores of the prunable units (weights or output channels) of one target, and
// its current mask.
type layerUnits struct {
	target   *Target
	scores   []float64
	unitSize int
	mask     []float64

	// pruned is the output: which units are to be masked out.
	pruned []bool
}

func newLayerUnits(target *Target, scores []float64, granularity Granularity, mask []float64) (*layerUnits, error) {
	lu := &layerUnits{target: target, mask: mask, unitSize: 1}
	numUnits := target.Size()
	if granularity == ChannelWise {
		lu.unitSize = target.ChannelSize()
		numUnits = target.NumChannels()
	}
	if len(scores) != numUnits {
		return nil, errors.Errorf("%s scores for %s has %d values, wanted %d", granularity, target, len(scores), numUnits)
	}
	if len(mask) != target.Size() {
		return nil, errors.Errorf("mask for %s has %d values, wanted %d", target, len(mask), target.Size())
	}

	// Units already pruned get the lowest possible score, so they are always selected first: masks can only
	// lose weights from one iteration to the next.
	lu.scores = slices.Clone(scores)
	alive := make([]bool, numUnits)
	for ii, m := range mask {
		if m != 0 {
			alive[lu.unitOf(ii)] = true
		}
	}
	for unit, ok := range alive {
		if !ok {
			lu.scores[unit] = math.Inf(-1)
		}
	}
	return lu, nil
}

// numUnits of the layer.
func (lu *layerUnits) numUnits() int { return len(lu.scores) }

// unitOf returns the unit of the flat index of the weights: output channels are the last axis.
func (lu *layerUnits) unitOf(flatIdx int) int {
	if lu.unitSize == 1 {
		return flatIdx
	}
	return flatIdx % lu.numUnits()
}

// numAlreadyPruned returns how many units have a -Inf score.
func (lu *layerUnits) numAlreadyPruned() (count int) {
	for _, s := range lu.scores {
		if math.IsInf(s, -1) {
			count++
		}
	}
	return
}

// sortedUnits returns the unit indices sorted by increasing score. Ties are broken by the index.
func (lu *layerUnits) sortedUnits() []int {
	indices := make([]int, lu.numUnits())
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortFunc(indices, func(a, b int) int {
		if c := cmp.Compare(lu.scores[a], lu.scores[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return indices
}

// numToPrune converts a sparsity ratio to the number of units to prune out of numUnits.
// At least one unit is always kept.
func numToPrune(numUnits int, sparsity float64) int {
	k := int(math.Floor(sparsity*float64(numUnits) + sparsityEpsilon))
	return min(max(k, 0), numUnits-1)
}

// allocateLayer selects the lowest scored units of the layer, up to the sparsity requested.
func (lu *layerUnits) allocateLayer(sparsity float64) {
	k := max(numToPrune(lu.numUnits(), sparsity), lu.numAlreadyPruned())
	lu.pruned = make([]bool, lu.numUnits())
	for _, unit := range lu.sortedUnits()[:k] {
		lu.pruned[unit] = true
	}
}

// allocateGlobal selects units to prune across all layers with one threshold, such that the ratio of weights
// pruned over all layers reaches totalSparsity. Each layer is capped at maxSparsityPerLayer (if > 0), and at
// least one unit is kept per layer.
func allocateGlobal(layers []*layerUnits, totalSparsity, maxSparsityPerLayer float64) {
	type unitRef struct {
		layer, unit int
		score       float64
	}
	var totalWeights int
	var refs []unitRef
	caps := make([]int, len(layers))
	prunedWeights := 0
	prunedUnits := make([]int, len(layers))
	for layerIdx, lu := range layers {
		lu.pruned = make([]bool, lu.numUnits())
		totalWeights += lu.numUnits() * lu.unitSize
		caps[layerIdx] = lu.numUnits() - 1
		if maxSparsityPerLayer > 0 {
			caps[layerIdx] = numToPrune(lu.numUnits(), maxSparsityPerLayer)
		}
		for unit, score := range lu.scores {
			if math.IsInf(score, -1) {
				// Already pruned: always kept pruned, regardless of caps.
				lu.pruned[unit] = true
				prunedUnits[layerIdx]++
				prunedWeights += lu.unitSize
				continue
			}
			refs = append(refs, unitRef{layer: layerIdx, unit: unit, score: score})
		}
	}
	target := int(math.Floor(totalSparsity*float64(totalWeights) + sparsityEpsilon))
	slices.SortFunc(refs, func(a, b unitRef) int {
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.layer, b.layer); c != 0 {
			return c
		}
		return cmp.Compare(a.unit, b.unit)
	})
	for _, ref := range refs {
		if prunedWeights >= target {
			break
		}
		if prunedUnits[ref.layer] >= caps[ref.layer] {
			continue
		}
		layers[ref.layer].pruned[ref.unit] = true
		prunedUnits[ref.layer]++
		prunedWeights += layers[ref.layer].unitSize
	}
}

// newMask returns the updated flat mask: the previous mask with the pruned units zeroed.
func (lu *layerUnits) newMask() []float64 {
	mask := slices.Clone(lu.mask)
	for ii := range mask {
		if lu.pruned[lu.unitOf(ii)] {
			mask[ii] = 0
		}
	}
	return mask
}

// UpdateMasks computes the new masks of the targets given their scores and sets them in the context.
//
// The scores must have one value per weight (ElementWise) or per output channel (ChannelWise) of each target.
// Higher scores are more important. Each target is pruned according to its Config: either to its own sparsity,
// or, for targets sharing a global config (TotalSparsity), to the total sparsity of the group.
//
// Weights already masked out are kept masked out.
//
// The host side computation of the masks is done in parallel, with at most parallelism targets at a time
// (if <= 0, runtime.NumCPU() is used).
func UpdateMasks(
	ctx *context.Context,
	targets []*Target,
	scores [][]float64,
	granularity Granularity,
	parallelism int,
) error {
	// Reading masks (and creating them if needed) touches the context, so it's done sequentially.
	masks := make([][]float64, len(targets))
	for ii, target := range targets {
		var err error
		masks[ii], err = variableToFloat64(target.MaskVariable(ctx))
		if err != nil {
			return err
		}
	}
	newMasks, err := computeMasks(targets, scores, masks, granularity, parallelism)
	if err != nil {
		return err
	}
	for ii, target := range targets {
		if err := SetMask(ctx, target, newMasks[ii]); err != nil {
			return err
		}
	}
	return nil
}

// computeMasks returns the new flat masks of the targets given their scores and current masks.
// See UpdateMasks.
func computeMasks(
	targets []*Target,
	scores, masks [][]float64,
	granularity Granularity,
	parallelism int,
) ([][]float64, error) {
	if len(scores) != len(targets) {
		return nil, errors.Errorf("got scores for %d targets, but there are %d targets", len(scores), len(targets))
	}
	layers := make([]*layerUnits, len(targets))
	for ii, target := range targets {
		var err error
		layers[ii], err = newLayerUnits(target, scores[ii], granularity, masks[ii])
		if err != nil {
			return nil, err
		}
	}

	// Group global configs.
	globalGroups := make(map[int][]*layerUnits)
	var localLayers []*layerUnits
	for _, lu := range layers {
		if lu.target.Config.IsGlobal() {
			globalGroups[lu.target.ConfigIndex] = append(globalGroups[lu.target.ConfigIndex], lu)
		} else {
			localLayers = append(localLayers, lu)
		}
	}

	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	var eg errgroup.Group
	eg.SetLimit(parallelism)
	for _, lu := range localLayers {
		eg.Go(func() error {
			lu.allocateLayer(lu.target.Config.Sparsity)
			return nil
		})
	}
	for _, group := range globalGroups {
		config := group[0].target.Config
		eg.Go(func() error {
			allocateGlobal(group, config.TotalSparsity, config.MaxSparsityPerLayer)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	newMasks := make([][]float64, len(layers))
	for ii, lu := range layers {
		newMasks[ii] = lu.newMask()
		if klog.V(2).Enabled() {
			var count int
			for _, p := range lu.pruned {
				if p {
					count++
				}
			}
			klog.Infof("pruning: %s: %d of %d %s units pruned", lu.target, count, lu.numUnits(), granularity)
		}
	}
	return newMasks, nil
}
