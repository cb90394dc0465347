// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package momentum_test

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/iterprune/pkg/ml/train/optimizers/momentum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// runSteps minimizes 0.5*w^2 starting from w=1, and returns the value of w after each step.
func runSteps(t *testing.T, ctx *context.Context, opt optimizers.Interface, numSteps int) []float64 {
	backend := graphtest.BuildTestBackend()
	var wVar *context.Variable
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		wVar = ctx.In("layer").VariableWithValue("w", 1.0)
		loss := MulScalar(Square(wVar.ValueGraph(g)), 0.5)
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	require.NoError(t, err)
	values := make([]float64, numSteps)
	for ii := range values {
		_, err := exec.Exec1()
		require.NoErrorf(t, err, "failed step %d", ii)
		values[ii] = tensors.ToScalar[float64](wVar.MustValue())
	}
	return values
}

func TestMomentum(t *testing.T) {
	t.Run("momentum", func(t *testing.T) {
		ctx := context.New()
		opt := momentum.New().LearningRate(0.1).Momentum(0.9).Done()
		// v1 = 1, w1 = 0.9; v2 = 0.9 + 0.9 = 1.8, w2 = 0.9 - 0.18.
		assert.InDeltaSlice(t, []float64{0.9, 0.72}, runSteps(t, ctx, opt, 2), 1e-9)
		assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))

		velocity := ctx.GetVariableByScopeAndName("/"+momentum.DefaultScope+"/layer", "w_velocity")
		require.NotNil(t, velocity)
		assert.False(t, velocity.Trainable)
		assert.InDelta(t, 1.8, tensors.ToScalar[float64](velocity.MustValue()), 1e-9)

		require.NoError(t, opt.Clear(ctx))
		assert.Nil(t, ctx.GetVariableByScopeAndName("/"+momentum.DefaultScope+"/layer", "w_velocity"))
	})

	t.Run("weight_decay", func(t *testing.T) {
		ctx := context.New()
		opt := momentum.New().LearningRate(0.1).Momentum(0.9).WeightDecay(0.5).Done()
		// g1 = 1 + 0.5 = 1.5, w1 = 0.85; g2 = 0.85 * 1.5 = 1.275, v2 = 1.35 + 1.275 = 2.625, w2 = 0.85 - 0.2625.
		assert.InDeltaSlice(t, []float64{0.85, 0.5875}, runSteps(t, ctx, opt, 2), 1e-9)
	})

	t.Run("no_momentum", func(t *testing.T) {
		ctx := context.New()
		opt := momentum.New().LearningRate(0.5).Momentum(0).Done()
		assert.InDeltaSlice(t, []float64{0.5, 0.25, 0.125}, runSteps(t, ctx, opt, 3), 1e-9)
		assert.Nil(t, ctx.GetVariableByScopeAndName("/"+momentum.DefaultScope+"/layer", "w_velocity"))
	})

	t.Run("nesterov", func(t *testing.T) {
		ctx := context.New()
		opt := momentum.New().LearningRate(0.1).Momentum(0.5).Nesterov(true).Done()
		// v1 = 1, step = 1 + 0.5 = 1.5, w1 = 0.85.
		assert.InDeltaSlice(t, []float64{0.85}, runSteps(t, ctx, opt, 1), 1e-9)
	})

	t.Run("learning_rate_from_context", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParam(optimizers.ParamLearningRate, 0.25)
		ctx.SetParam(momentum.ParamMomentum, 0.0)
		opt := momentum.New().FromContext(ctx).Done()
		assert.InDeltaSlice(t, []float64{0.75}, runSteps(t, ctx, opt, 1), 1e-9)
	})

	assert.Panics(t, func() { momentum.New().Momentum(1.5) })
}
