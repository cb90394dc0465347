// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ADMMScope is the absolute scope where the auxiliary "z" and "u" variables of the ADMM algorithm are stored
// while scoring. They are removed once the scores are computed.
const ADMMScope = "/pruning/admm"

// admmScorer implements ADMM weight pruning (Zhang et al., 2018). For a few rounds the model is trained with the
// extra loss rho/2 * ||W - Z + U||^2, where Z is the projection of W + U onto the allowed sparsity, and U
// accumulates the difference W - Z. Weights are finally scored by |Z + U|.
type admmScorer struct {
	// active is set while the scorer trains the model, so its proximal loss is added.
	active bool
	rho    float64
}

// Name implements Scorer.
func (s *admmScorer) Name() string { return AlgorithmADMM }

// Granularity implements Scorer.
func (s *admmScorer) Granularity() Granularity { return ElementWise }

// admmVariables returns the "z" and "u" variables of the target, creating them if needed.
func admmVariables(ctx *context.Context, target *Target) (z, u *context.Variable) {
	admmCtx := ctx.Checked(false).InAbsPath(ADMMScope + target.OpName)
	z = admmCtx.GetVariableByScopeAndName(admmCtx.Scope(), "z")
	if z == nil {
		z = admmCtx.VariableWithShape("z", target.Weight.Shape()).SetTrainable(false)
	}
	u = admmCtx.GetVariableByScopeAndName(admmCtx.Scope(), "u")
	if u == nil {
		u = admmCtx.VariableWithShape("u", target.Weight.Shape()).SetTrainable(false)
	}
	return
}

// AddTrainingLosses implements TrainingRegularizer: while scoring, it adds the ADMM proximal loss.
func (s *admmScorer) AddTrainingLosses(ctx *context.Context, g *Graph, targets []*Target) {
	if !s.active {
		return
	}
	for _, target := range targets {
		zVar, uVar := admmVariables(ctx, target)
		w := target.Weight.ValueGraph(g)
		diff := Add(Sub(w, zVar.ValueGraph(g)), uVar.ValueGraph(g))
		train.AddLoss(ctx, MulScalar(ReduceAllSum(Square(diff)), s.rho/2))
	}
}

// Scores implements Scorer.
func (s *admmScorer) Scores(p *IterativePruner, targets []*Target) ([][]float64, error) {
	rounds := context.GetParamOr(p.ctx, ParamADMMRounds, 3)
	steps := context.GetParamOr(p.ctx, ParamADMMSteps, 200)
	s.rho = context.GetParamOr(p.ctx, ParamADMMRho, 1e-4)
	parallelism := context.GetParamOr(p.ctx, ParamParallelism, 0)

	// Current masks: pruned weights stay pruned in the projection.
	masks := make([][]float64, len(targets))
	for ii, target := range targets {
		var err error
		masks[ii], err = variableToFloat64(target.MaskVariable(p.ctx))
		if err != nil {
			return nil, err
		}
	}

	// Z starts as W, and U as zeros.
	zs := make([][]float64, len(targets))
	us := make([][]float64, len(targets))
	for ii, target := range targets {
		w, err := variableToFloat64(target.Weight)
		if err != nil {
			return nil, err
		}
		zs[ii] = w
		us[ii] = make([]float64, len(w))
	}
	if err := s.setVariables(p.ctx, targets, zs, us); err != nil {
		return nil, err
	}
	defer func() {
		if err := p.ctx.InAbsPath(ADMMScope).DeleteVariablesInScope(); err != nil {
			klog.Errorf("pruning: failed to remove ADMM variables: %+v", err)
		}
	}()

	modelFn := p.WrapModelFn(p.modelFn)
	for round := range rounds {
		s.active = true
		p.regularize = true
		err := p.trainFn(p.ctx, modelFn, steps)
		s.active = false
		p.regularize = false
		if err != nil {
			return nil, errors.WithMessagef(err, "training ADMM round %d", round)
		}

		// Z = projection(W + U), U = U + W - Z.
		wPlusU := make([][]float64, len(targets))
		scores := make([][]float64, len(targets))
		for ii, target := range targets {
			w, err := variableToFloat64(target.Weight)
			if err != nil {
				return nil, err
			}
			wPlusU[ii] = make([]float64, len(w))
			scores[ii] = make([]float64, len(w))
			for jj := range w {
				wPlusU[ii][jj] = w[jj] + us[ii][jj]
				scores[ii][jj] = math.Abs(wPlusU[ii][jj])
			}
			zs[ii] = w // Reused below to hold W until U is updated.
		}
		projection, err := computeMasks(targets, scores, masks, ElementWise, parallelism)
		if err != nil {
			return nil, err
		}
		var residual float64
		for ii := range targets {
			w := zs[ii]
			z := make([]float64, len(w))
			for jj := range w {
				z[jj] = wPlusU[ii][jj] * projection[ii][jj]
				us[ii][jj] += w[jj] - z[jj]
				residual += (w[jj] - z[jj]) * (w[jj] - z[jj])
			}
			zs[ii] = z
		}
		if err := s.setVariables(p.ctx, targets, zs, us); err != nil {
			return nil, err
		}
		klog.V(1).Infof("pruning: ADMM round %d/%d: primal residual ||W-Z||=%g", round+1, rounds, math.Sqrt(residual))
	}

	scores := make([][]float64, len(targets))
	for ii := range targets {
		scores[ii] = make([]float64, len(zs[ii]))
		for jj := range zs[ii] {
			scores[ii][jj] = math.Abs(zs[ii][jj] + us[ii][jj])
		}
	}
	return scores, nil
}

// setVariables updates the "z" and "u" variables of the targets.
func (s *admmScorer) setVariables(ctx *context.Context, targets []*Target, zs, us [][]float64) error {
	for ii, target := range targets {
		zVar, uVar := admmVariables(ctx, target)
		shape := target.Weight.Shape()
		zT, err := fromFloat64(zs[ii], shape.DType, shape.Dimensions...)
		if err != nil {
			return err
		}
		if err = zVar.SetValue(zT); err != nil {
			return errors.WithMessagef(err, "setting ADMM z of %s", target)
		}
		uT, err := fromFloat64(us[ii], shape.DType, shape.Dimensions...)
		if err != nil {
			return err
		}
		if err = uVar.SetValue(uT); err != nil {
			return errors.WithMessagef(err, "setting ADMM u of %s", target)
		}
	}
	return nil
}
