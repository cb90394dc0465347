// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements stochastic gradient descent with momentum and weight decay, with the update rule:
//
//	g' = g + weightDecay * w
//	v  = momentum * v + g'
//	w  = w - learningRate * v
//
// This is the formulation of the classic "SGD" optimizer used to train image classifiers (e.g.: VGG, ResNet
// on CIFAR-10). The weight decay is coupled (added to the gradient), as opposed to the decoupled weight decay of
// AdamW.
//
// Example:
//
//	opt := momentum.New().LearningRate(0.1).Momentum(0.9).WeightDecay(5e-4).Done()
//	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn, opt, nil, nil)
package momentum

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// DefaultLearningRate is used if no learning rate is set, and it is not configured in the context.
	DefaultLearningRate = 0.1

	// DefaultMomentum is the default momentum coefficient.
	DefaultMomentum = 0.9

	// DefaultScope is the default scope name for the velocity variables.
	DefaultScope = "MomentumOptimizer"

	// ParamMomentum configures the default momentum coefficient. It must be a float64.
	ParamMomentum = "momentum"

	// ParamWeightDecay configures the default weight decay. It must be a float64. Default is 0.
	ParamWeightDecay = "momentum_weight_decay"

	// ParamNesterov configures the use of Nesterov momentum. Default is false.
	ParamNesterov = "momentum_nesterov"
)

// Config for the momentum optimizer. Create it with New, and finalize it with Config.Done.
type Config struct {
	scopeName    string
	learningRate float64
	momentum     float64
	weightDecay  float64
	nesterov     bool
}

// New returns the configuration of a momentum optimizer with the default values.
// The learning rate, if not set, is read from the context hyperparameter optimizers.ParamLearningRate.
func New() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: -1, // Not set.
		momentum:     DefaultMomentum,
	}
}

// FromContext reads the momentum, weight decay and nesterov settings from the context hyperparameters.
// See ParamMomentum, ParamWeightDecay and ParamNesterov.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.weightDecay = context.GetParamOr(ctx, ParamWeightDecay, c.weightDecay)
	c.nesterov = context.GetParamOr(ctx, ParamNesterov, c.nesterov)
	return c
}

// Scope defines the top-level scope where the velocity variables are stored. The velocity of a variable is
// stored under the same scope as the variable, prefixed by this scope. Default is DefaultScope.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// LearningRate sets the learning rate. If not set, it is read from the context hyperparameter
// optimizers.ParamLearningRate, and defaults to DefaultLearningRate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Momentum sets the momentum coefficient. 0 means plain SGD.
func (c *Config) Momentum(value float64) *Config {
	if value < 0 || value >= 1 {
		Panicf("momentum must be in the range [0, 1), got %g", value)
	}
	c.momentum = value
	return c
}

// WeightDecay sets the (coupled) weight decay, added to the gradient as `weightDecay * w`.
func (c *Config) WeightDecay(value float64) *Config {
	c.weightDecay = value
	return c
}

// Nesterov enables Nesterov momentum: the step is `g' + momentum * v` instead of `v`.
func (c *Config) Nesterov(enabled bool) *Config {
	c.nesterov = enabled
	return c
}

// Done returns the optimizer.
func (c *Config) Done() optimizers.Interface {
	return &optimizer{config: *c}
}

type optimizer struct {
	config Config
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}
	dtype := loss.DType()
	learningRate := o.config.learningRate
	if learningRate <= 0 {
		learningRate = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	lrVar := optimizers.LearningRateVar(ctx, dtype, learningRate)
	lr := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	var ii int
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if ii >= len(grads) {
			Panicf("more trainable variables in use than gradients (%d): were trainable variables created after "+
				"the gradients were built?", len(grads))
		}
		o.applyGraph(ctx, g, v, grads[ii], lr)
		ii++
	}
	if ii != len(grads) {
		Panicf("number of trainable variables (%d) and gradients (%d) differ", ii, len(grads))
	}
}

// applyGraph updates one variable.
func (o *optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, lr *Node) {
	w := v.ValueGraph(g)
	if lr.DType() != w.DType() {
		lr = ConvertDType(lr, w.DType())
	}
	grad = optimizers.ClipNaNsInGradients(ctx, grad)
	if o.config.weightDecay > 0 {
		grad = Add(grad, MulScalar(w, o.config.weightDecay))
	}
	step := grad
	if o.config.momentum > 0 {
		velocityVar := o.velocityVariable(ctx, v)
		velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.config.momentum), grad)
		velocityVar.SetValueGraph(velocity)
		step = velocity
		if o.config.nesterov {
			step = Add(grad, MulScalar(velocity, o.config.momentum))
		}
	}
	step = optimizers.ClipStepByValue(ctx, Mul(step, lr))
	optimizers.TraceNaNInGradients(ctx, v, step)
	updated := optimizers.ClipNaNsInUpdates(ctx, w, Sub(w, step))
	v.SetValueGraph(updated)
}

// velocityVariable returns the velocity variable of the trainable variable, creating it (initialized with zeros)
// if needed.
func (o *optimizer) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := context.ScopeSeparator + o.config.scopeName
	if trainable.Scope() != context.RootScope {
		scopePath = fmt.Sprintf("%s%s", scopePath, trainable.Scope())
	}
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", trainable.Shape()).
		SetTrainable(false)
}

// Clear all optimizer variables: the velocities are reset at the next training step.
// It implements optimizers.Interface.
func (o *optimizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
