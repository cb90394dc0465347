// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"math"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Scorer computes the importance of the weights of the targets. Higher scores are more important, and the
// lowest scored units are pruned first.
type Scorer interface {
	// Name of the algorithm.
	Name() string

	// Granularity of the scores returned.
	Granularity() Granularity

	// Scores returns, for each target, one score per weight (ElementWise) or per output channel (ChannelWise).
	// The order of the weights is the row-major (flat) order of the weights' variable.
	//
	// The sparsity each target should reach in this iteration is given by its Config.
	Scores(p *IterativePruner, targets []*Target) ([][]float64, error)
}

// TrainingRegularizer is an optional interface a Scorer may implement, to add terms to the training loss
// while the model is fine-tuned. It is called during graph building of training graphs.
type TrainingRegularizer interface {
	AddTrainingLosses(ctx *context.Context, g *Graph, targets []*Target)
}

// Names of the known pruning algorithms.
const (
	AlgorithmLevel          = "level"
	AlgorithmL1             = "l1"
	AlgorithmL2             = "l2"
	AlgorithmFPGM           = "fpgm"
	AlgorithmSlim           = "slim"
	AlgorithmAPoZ           = "apoz"
	AlgorithmMeanActivation = "mean_activation"
	AlgorithmTaylorFO       = "taylorfo"
	AlgorithmADMM           = "admm"
)

// KnownAlgorithms maps algorithm names to a constructor of their Scorer.
var KnownAlgorithms = map[string]func() Scorer{
	AlgorithmLevel:          func() Scorer { return newWeightScorer(AlgorithmLevel, ElementWise, levelGraph) },
	AlgorithmL1:             func() Scorer { return newWeightScorer(AlgorithmL1, ChannelWise, l1NormGraph) },
	AlgorithmL2:             func() Scorer { return newWeightScorer(AlgorithmL2, ChannelWise, l2NormGraph) },
	AlgorithmFPGM:           func() Scorer { return newWeightScorer(AlgorithmFPGM, ChannelWise, fpgmGraph) },
	AlgorithmSlim:           func() Scorer { return &slimScorer{} },
	AlgorithmAPoZ:           func() Scorer { return &activationScorer{name: AlgorithmAPoZ} },
	AlgorithmMeanActivation: func() Scorer { return &activationScorer{name: AlgorithmMeanActivation} },
	AlgorithmTaylorFO:       func() Scorer { return &taylorScorer{} },
	AlgorithmADMM:           func() Scorer { return &admmScorer{} },
}

// AlgorithmNames returns the sorted names of the known algorithms.
func AlgorithmNames() []string {
	names := maps.Keys(KnownAlgorithms)
	slices.Sort(names)
	return names
}

// NewScorer returns the Scorer for the algorithm name.
func NewScorer(name string) (Scorer, error) {
	newFn, found := KnownAlgorithms[name]
	if !found {
		return nil, errors.Errorf("unknown pruning algorithm %q, valid values are %q", name, AlgorithmNames())
	}
	return newFn(), nil
}

// axesButLast returns all axes but the last one, for a tensor of the given rank.
func axesButLast(rank int) []int {
	axes := make([]int, rank-1)
	for ii := range axes {
		axes[ii] = ii
	}
	return axes
}

// levelGraph scores each weight by its magnitude.
func levelGraph(weights *Node) *Node {
	return Abs(weights)
}

// l1NormGraph scores each output channel by the L1 norm of its weights.
func l1NormGraph(weights *Node) *Node {
	return ReduceSum(Abs(weights), axesButLast(weights.Rank())...)
}

// l2NormGraph scores each output channel by the L2 norm of its weights.
func l2NormGraph(weights *Node) *Node {
	return Sqrt(ReduceSum(Square(weights), axesButLast(weights.Rank())...))
}

// fpgmGraph scores each output channel by the sum of the euclidean distances of its filter to all other
// filters of the layer. Filters close to the geometric median of the layer are the most replaceable by the
// others, and get the lowest scores (He et al., 2019, "Filter Pruning via Geometric Median").
func fpgmGraph(weights *Node) *Node {
	numChannels := weights.Shape().Dim(-1)
	filters := Reshape(weights, -1, numChannels) // [filterSize, numChannels]
	gram := Einsum("fi,fj->ij", filters, filters)
	squaredNorms := ReduceSum(Square(filters), 0)
	squaredDistances := Sub(
		Add(InsertAxes(squaredNorms, -1), InsertAxes(squaredNorms, 0)),
		MulScalar(gram, 2))
	distances := Sqrt(MaxScalar(squaredDistances, 0))
	return ReduceSum(distances, 1)
}

// weightScorer scores targets with a graph function on their weights only.
type weightScorer struct {
	name        string
	granularity Granularity
	graphFn     func(weights *Node) *Node
	exec        *Exec
}

func newWeightScorer(name string, granularity Granularity, graphFn func(weights *Node) *Node) *weightScorer {
	return &weightScorer{name: name, granularity: granularity, graphFn: graphFn}
}

// Name implements Scorer.
func (s *weightScorer) Name() string { return s.name }

// Granularity implements Scorer.
func (s *weightScorer) Granularity() Granularity { return s.granularity }

// Scores implements Scorer.
func (s *weightScorer) Scores(p *IterativePruner, targets []*Target) ([][]float64, error) {
	if s.exec == nil {
		var err error
		s.exec, err = NewExec(p.backend, func(weights *Node) *Node {
			return ConvertDType(s.graphFn(weights), weights.DType())
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "creating %q scoring graph", s.name)
		}
		s.exec.SetMaxCache(-1)
	}
	scores := make([][]float64, len(targets))
	for ii, target := range targets {
		weights, err := target.Weight.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading weights of %s", target)
		}
		scoresT, err := s.exec.Exec1(weights)
		if err != nil {
			return nil, errors.WithMessagef(err, "scoring %s with %q", target, s.name)
		}
		scores[ii], err = toFloat64(scoresT)
		if err != nil {
			return nil, err
		}
		_ = scoresT.FinalizeAll()
	}
	return scores, nil
}

// BatchNormScope is the name of the scope created by batchnorm.New, where slimming looks for the scale (gamma)
// of the batch normalization that follows a target.
const BatchNormScope = "batch_normalization"

// slimScorer implements "network slimming" (Liu et al., 2017): output channels are scored by the magnitude
// of the scale (gamma) of the batch normalization that follows the layer. During fine-tuning, an L1 penalty
// on the scales pushes unimportant channels to zero.
type slimScorer struct{}

// Name implements Scorer.
func (s *slimScorer) Name() string { return AlgorithmSlim }

// Granularity implements Scorer.
func (s *slimScorer) Granularity() Granularity { return ChannelWise }

// batchNormScale returns the batch normalization scale variable that follows the target.
// It expects it in the BatchNormScope of the target's parent scope.
func batchNormScale(ctx *context.Context, target *Target) (*context.Variable, error) {
	scope := target.ParentScope() + context.ScopeSeparator + BatchNormScope
	if target.ParentScope() == context.RootScope {
		scope = context.RootScope + BatchNormScope
	}
	v := ctx.GetVariableByScopeAndName(scope, "scale")
	if v == nil {
		return nil, errors.Errorf("%q pruning requires a batch normalization after %s, with its scale in scope %q",
			AlgorithmSlim, target, scope)
	}
	if v.Shape().Rank() != 1 || v.Shape().Dim(0) != target.NumChannels() {
		return nil, errors.Errorf("batch normalization scale %q shaped %s doesn't match the %d output channels of %s",
			v.ScopeAndName(), v.Shape(), target.NumChannels(), target)
	}
	return v, nil
}

// Scores implements Scorer.
func (s *slimScorer) Scores(p *IterativePruner, targets []*Target) ([][]float64, error) {
	scores := make([][]float64, len(targets))
	for ii, target := range targets {
		scaleVar, err := batchNormScale(p.ctx, target)
		if err != nil {
			return nil, err
		}
		scores[ii], err = variableToFloat64(scaleVar)
		if err != nil {
			return nil, err
		}
		for jj, v := range scores[ii] {
			scores[ii][jj] = math.Abs(v)
		}
	}
	return scores, nil
}

// AddTrainingLosses implements TrainingRegularizer: it adds the L1 penalty on the batch normalization scales.
func (s *slimScorer) AddTrainingLosses(ctx *context.Context, g *Graph, targets []*Target) {
	amount := context.GetParamOr(ctx, ParamSlimL1, 1e-4)
	if amount <= 0 {
		return
	}
	var scales []*context.Variable
	for _, target := range targets {
		scaleVar, err := batchNormScale(ctx, target)
		if err != nil {
			panic(err)
		}
		scales = append(scales, scaleVar)
	}
	regularizers.L1(amount)(ctx, g, scales...)
}
