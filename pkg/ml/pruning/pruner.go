// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Finetuner trains the model after the masks of an iteration are applied. The modelFn given wraps the model
// so the masks are re-applied after every training step.
type Finetuner func(ctx *context.Context, modelFn train.ModelFn) error

// Evaluator returns a score for the model: higher is better. Typically, the accuracy on a test set.
type Evaluator func(ctx *context.Context, modelFn train.ModelFn) (score float64, err error)

// TrainFn trains the model for the given number of steps. It is used by pruning algorithms that need to
// train the model while scoring it (ADMM).
type TrainFn func(ctx *context.Context, modelFn train.ModelFn, steps int) error

// ActivationsFn builds the model graph for the inputs and returns the activations (after the non-linearity)
// of the output of each target, indexed by the target's op name. The channels must be on the last axis.
// It is used by the activation based algorithms ("apoz", "mean_activation").
type ActivationsFn func(ctx *context.Context, inputs []*Node) map[string]*Node

// SpeedupFn physically removes the pruned output channels from the model in ctx, given the masks indexed by
// op name. It may change the shape of the variables.
type SpeedupFn func(ctx *context.Context, masks map[string]*tensors.Tensor) error

// Result of one pruning iteration.
type Result struct {
	// TaskID is the iteration number, starting from 1.
	TaskID int

	// Configs is the config list used in the iteration, with the scheduled sparsities.
	Configs ConfigList

	// Score given by the Evaluator, or the TaskID if no evaluator was given.
	Score float64

	// Sparsity is the ratio of masked weights over all targets, and Layers the per-layer details.
	Sparsity float64
	Layers   []LayerSparsity

	// Elapsed time for the iteration, including fine-tuning and evaluation.
	Elapsed time.Duration
}

// options shared by Config and the IterativePruner it creates.
type options struct {
	ctx     *context.Context
	configs ConfigList

	scheduleName     string
	algorithm        string
	totalIteration   int
	resetWeight      bool
	modelScope       string
	logDir           string
	keepIntermediate bool

	backend       backends.Backend
	modelFn       train.ModelFn
	lossFn        losses.LossFn
	finetuner     Finetuner
	evaluator     Evaluator
	trainFn       TrainFn
	activationsFn ActivationsFn
	trainDS       train.Dataset
	speedupFn     SpeedupFn
}

// Config for an IterativePruner. Create it with Linear, AGP, LotteryTicket or New, and finalize it with
// Config.Done.
type Config struct {
	options
	err error
}

// New creates the configuration of an iterative pruner of the model in ctx, using the named schedule
// (see KnownSchedules).
// Targets are selected by configs, see FindTargets.
//
// The defaults are: algorithm "l1", 10 iterations, no weight reset, model scope DefaultModelScope and
// loss losses.SparseCategoricalCrossEntropyLogits.
func New(ctx *context.Context, configs ConfigList, scheduleName string) *Config {
	c := &Config{options: options{
		ctx:            ctx,
		configs:        configs.Clone(),
		scheduleName:   scheduleName,
		algorithm:      AlgorithmL1,
		totalIteration: 10,
		modelScope:     DefaultModelScope,
		lossFn:         losses.SparseCategoricalCrossEntropyLogits,
	}}
	if _, found := KnownSchedules[scheduleName]; !found {
		c.err = errors.Errorf("unknown pruning schedule %q, valid values are %q", scheduleName, ScheduleNames())
	}
	return c
}

// Linear creates the configuration of a pruner whose sparsity grows linearly with the iterations.
func Linear(ctx *context.Context, configs ConfigList) *Config {
	return New(ctx, configs, ScheduleLinear)
}

// AGP creates the configuration of a pruner following the Automated Gradual Pruning schedule.
func AGP(ctx *context.Context, configs ConfigList) *Config {
	return New(ctx, configs, ScheduleAGP)
}

// LotteryTicket creates the configuration of a lottery ticket pruner: at every iteration the same ratio of the
// remaining weights is pruned, and the surviving weights are reset to their values at the start of Compress.
// ResetWeight is enabled by default.
func LotteryTicket(ctx *context.Context, configs ConfigList) *Config {
	return New(ctx, configs, ScheduleLottery).ResetWeight(true)
}

// Algorithm sets the pruning algorithm used to score the weights, see KnownAlgorithms. Default is "l1".
func (c *Config) Algorithm(name string) *Config {
	c.algorithm = name
	return c
}

// TotalIteration sets the number of pruning iterations. Default is 10.
func (c *Config) TotalIteration(n int) *Config {
	c.totalIteration = n
	return c
}

// ResetWeight sets whether the weights are reset to their values at the start of Compress before the masks of
// each iteration are applied.
func (c *Config) ResetWeight(reset bool) *Config {
	c.resetWeight = reset
	return c
}

// Backend used for the pruning computations. Required.
func (c *Config) Backend(backend backends.Backend) *Config {
	c.backend = backend
	return c
}

// ModelFn sets the model function. It is wrapped and passed to the Finetuner, Evaluator and TrainFn, and used
// by the data driven algorithms. Required.
func (c *Config) ModelFn(modelFn train.ModelFn) *Config {
	c.modelFn = modelFn
	return c
}

// ModelScope sets the absolute scope of the model variables. Default is DefaultModelScope ("/model").
func (c *Config) ModelScope(scope string) *Config {
	c.modelScope = scope
	return c
}

// Loss sets the loss used by the gradient based algorithms ("taylorfo"). It receives the labels and the
// outputs of the model function. Default is losses.SparseCategoricalCrossEntropyLogits.
func (c *Config) Loss(lossFn losses.LossFn) *Config {
	c.lossFn = lossFn
	return c
}

// Finetuner sets the function that trains the model after each iteration. If nil, the model is not fine-tuned.
func (c *Config) Finetuner(fn Finetuner) *Config {
	c.finetuner = fn
	return c
}

// Evaluator sets the function that scores the model after each iteration. If nil, the last iteration is the
// best result.
func (c *Config) Evaluator(fn Evaluator) *Config {
	c.evaluator = fn
	return c
}

// Trainer sets the function used to train the model by the "admm" algorithm.
func (c *Config) Trainer(fn TrainFn) *Config {
	c.trainFn = fn
	return c
}

// Activations sets the function that returns the activations of the targets, required by the "apoz" and
// "mean_activation" algorithms.
func (c *Config) Activations(fn ActivationsFn) *Config {
	c.activationsFn = fn
	return c
}

// TrainData sets the dataset used by the data driven algorithms ("apoz", "mean_activation", "taylorfo").
// It should yield batches of inputs and labels, and it is Reset before every use.
func (c *Config) TrainData(ds train.Dataset) *Config {
	c.trainDS = ds
	return c
}

// Speedup sets the function used to compact the best result at the end of Compress. If nil (default), the
// pruned weights are only masked.
func (c *Config) Speedup(fn SpeedupFn) *Config {
	c.speedupFn = fn
	return c
}

// LogDir sets the directory where intermediary results are saved, if KeepIntermediateResult is set.
// Each call to Compress uses a new sub-directory with a unique name.
func (c *Config) LogDir(dir string) *Config {
	c.logDir = dir
	return c
}

// KeepIntermediateResult saves a checkpoint of the model after each iteration, under LogDir.
func (c *Config) KeepIntermediateResult(keep bool) *Config {
	c.keepIntermediate = keep
	return c
}

// Done validates the configuration and returns the IterativePruner.
func (c *Config) Done() (*IterativePruner, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := c.configs.Validate(); err != nil {
		return nil, err
	}
	if c.backend == nil {
		return nil, errors.New("pruning requires a backend, see Config.Backend")
	}
	if c.modelFn == nil {
		return nil, errors.New("pruning requires the model function, see Config.ModelFn")
	}
	if c.totalIteration <= 0 {
		return nil, errors.Errorf("pruning total iterations must be > 0, got %d", c.totalIteration)
	}
	scorer, err := NewScorer(c.algorithm)
	if err != nil {
		return nil, err
	}
	switch c.algorithm {
	case AlgorithmAPoZ, AlgorithmMeanActivation:
		if c.activationsFn == nil || c.trainDS == nil {
			return nil, errors.Errorf("pruning algorithm %q requires Config.Activations and Config.TrainData", c.algorithm)
		}
	case AlgorithmTaylorFO:
		if c.trainDS == nil || c.lossFn == nil {
			return nil, errors.Errorf("pruning algorithm %q requires Config.TrainData and Config.Loss", c.algorithm)
		}
	case AlgorithmADMM:
		if c.trainFn == nil {
			return nil, errors.Errorf("pruning algorithm %q requires Config.Trainer", c.algorithm)
		}
	}
	if c.keepIntermediate && c.logDir == "" {
		return nil, errors.New("pruning KeepIntermediateResult requires a LogDir")
	}
	masker, err := NewMasker(c.backend)
	if err != nil {
		return nil, err
	}
	return &IterativePruner{
		options:  c.options,
		schedule: KnownSchedules[c.scheduleName],
		scorer:   scorer,
		masker:   masker,
	}, nil
}

// IterativePruner prunes a model over several iterations. Create it with Config.Done.
type IterativePruner struct {
	options

	schedule Schedule
	scorer   Scorer
	masker   *Masker

	// targets of the current iteration: the wrapped model function re-applies their masks.
	targets []*Target

	// regularize is set while fine-tuning, so the scorer training losses (if any) are added.
	regularize bool

	results  []Result
	best     *Result
	bestCtx  *context.Context
	bestMask map[string]*tensors.Tensor

	runDir string
}

// Context with the model being pruned.
func (p *IterativePruner) Context() *context.Context { return p.ctx }

// Backend used by the pruner.
func (p *IterativePruner) Backend() backends.Backend { return p.backend }

// Scorer used by the pruner.
func (p *IterativePruner) Scorer() Scorer { return p.scorer }

// Targets of the last iteration.
func (p *IterativePruner) Targets() []*Target { return p.targets }

// ResetsWeight returns whether surviving weights are restored to their pre-pruning values at every iteration.
func (p *IterativePruner) ResetsWeight() bool { return p.resetWeight }

// Results of all iterations run so far.
func (p *IterativePruner) Results() []Result { return p.results }

// RunDir is the directory where intermediary results of the last Compress are saved, if
// KeepIntermediateResult is set.
func (p *IterativePruner) RunDir() string { return p.runDir }

// WrapModelFn returns a model function that, when building training graphs, re-applies the masks of the
// current targets after every training step, and adds the training losses of the pruning algorithm, if any.
//
// Inference graphs are not changed.
func (p *IterativePruner) WrapModelFn(modelFn train.ModelFn) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		outputs := modelFn(ctx, spec, inputs)
		g := outputs[0].Graph()
		if !ctx.IsTraining(g) || len(p.targets) == 0 {
			return outputs
		}
		targets := p.targets
		if reg, ok := p.scorer.(TrainingRegularizer); ok && p.regularize {
			reg.AddTrainingLosses(ctx, g, targets)
		}
		train.AddPerStepUpdateGraphFn(ctx.InAbsPath(MasksScope), g, func(ctx *context.Context, g *Graph) {
			applyMasksGraph(ctx, g, targets)
		})
		return outputs
	}
}

// snapshot returns a copy of the values of the model variables.
func (p *IterativePruner) snapshot() (map[*context.Variable]*tensors.Tensor, error) {
	values := make(map[*context.Variable]*tensors.Tensor)
	for v := range p.ctx.InAbsPath(p.modelScope).IterVariablesInScope() {
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q for snapshot", v.ScopeAndName())
		}
		values[v], err = value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "copying %q for snapshot", v.ScopeAndName())
		}
	}
	return values, nil
}

// restore the model variables to the snapshot values.
func restore(snapshot map[*context.Variable]*tensors.Tensor) error {
	for v, value := range snapshot {
		clone, err := value.LocalClone()
		if err != nil {
			return err
		}
		if err = v.SetValue(clone); err != nil {
			return errors.WithMessagef(err, "restoring %q", v.ScopeAndName())
		}
	}
	return nil
}

// Compress runs all the pruning iterations.
//
// For each iteration: the weights of the targets are scored, masks are updated to the sparsity scheduled
// for the iteration, weights are optionally reset (ResetWeight), masks are applied, and the model is
// fine-tuned and evaluated.
//
// At the end, if a SpeedupFn was configured, the best result is compacted.
// The best result is then available with BestResult.
func (p *IterativePruner) Compress() error {
	var initial map[*context.Variable]*tensors.Tensor
	if p.resetWeight {
		var err error
		initial, err = p.snapshot()
		if err != nil {
			return err
		}
	}
	if p.keepIntermediate {
		p.runDir = path.Join(fsutil.MustReplaceTildeInDir(p.logDir), uuid.NewString())
		if err := os.MkdirAll(p.runDir, 0777); err != nil {
			return errors.Wrapf(err, "creating pruning log directory %q", p.runDir)
		}
		klog.Infof("pruning: intermediate results saved in %q", p.runDir)
	}
	p.results = nil
	p.best = nil
	for taskID := 1; taskID <= p.totalIteration; taskID++ {
		if err := p.iteration(taskID, initial); err != nil {
			return errors.WithMessagef(err, "pruning iteration %d of %d", taskID, p.totalIteration)
		}
	}

	if p.speedupFn != nil {
		if err := p.speedupBest(); err != nil {
			return err
		}
	}
	return nil
}

// iteration runs one pruning iteration.
func (p *IterativePruner) iteration(taskID int, initial map[*context.Variable]*tensors.Tensor) error {
	start := time.Now()
	configs := p.configs.WithSparsityScaled(func(target float64) float64 {
		return p.schedule(taskID, p.totalIteration, target)
	})
	targets, err := FindTargets(p.ctx, p.modelScope, configs)
	if err != nil {
		return err
	}
	p.targets = targets

	scoringStart := time.Now()
	scores, err := p.scorer.Scores(p, targets)
	if err != nil {
		return errors.WithMessagef(err, "scoring with %q", p.scorer.Name())
	}
	klog.V(1).Infof("pruning: %q scores for %d targets computed in %s", p.scorer.Name(), len(targets),
		time.Since(scoringStart))
	parallelism := context.GetParamOr(p.ctx, ParamParallelism, 0)
	if err = UpdateMasks(p.ctx, targets, scores, p.scorer.Granularity(), parallelism); err != nil {
		return err
	}

	if initial != nil {
		if err = restore(initial); err != nil {
			return err
		}
	}
	if err = p.masker.Apply(p.ctx, targets); err != nil {
		return err
	}

	modelFn := p.WrapModelFn(p.modelFn)
	if p.finetuner != nil {
		p.regularize = true
		err = p.finetuner(p.ctx, modelFn)
		p.regularize = false
		if err != nil {
			return errors.WithMessage(err, "fine-tuning")
		}
	}

	result := Result{TaskID: taskID, Configs: configs, Score: float64(taskID)}
	if p.evaluator != nil {
		result.Score, err = p.evaluator(p.ctx, modelFn)
		if err != nil {
			return errors.WithMessage(err, "evaluating")
		}
	}
	result.Layers, result.Sparsity, err = SparsityReport(p.ctx, targets)
	if err != nil {
		return err
	}
	result.Elapsed = time.Since(start)
	p.results = append(p.results, result)
	klog.Infof("pruning: iteration %d/%d: configs=%s, sparsity=%.2f%%, score=%g, elapsed=%s",
		taskID, p.totalIteration, configs, 100*result.Sparsity, result.Score, result.Elapsed)

	// Ties go to the later iteration, so without an evaluator the last iteration is the best.
	if p.best == nil || result.Score >= p.best.Score {
		if err = p.keepBest(&p.results[len(p.results)-1]); err != nil {
			return err
		}
	}
	if p.keepIntermediate {
		if err = p.saveIntermediate(taskID); err != nil {
			return err
		}
	}
	return nil
}

// keepBest stores a copy of the current model as the best result.
func (p *IterativePruner) keepBest(result *Result) error {
	masks, err := CopyMasks(p.ctx, p.targets)
	if err != nil {
		return err
	}
	bestCtx, err := p.ctx.Clone()
	if err != nil {
		return errors.WithMessage(err, "copying best model")
	}
	if p.bestCtx != nil {
		p.bestCtx.Finalize()
	}
	p.best = result
	p.bestCtx = bestCtx
	p.bestMask = masks
	return nil
}

// saveIntermediate saves a checkpoint of the current model, with its masks, in the run directory.
func (p *IterativePruner) saveIntermediate(taskID int) error {
	ctxCopy, err := p.ctx.Clone()
	if err != nil {
		return err
	}
	defer ctxCopy.Finalize()
	dir := path.Join(p.runDir, fmt.Sprintf("iteration_%03d", taskID))
	checkpoint, err := checkpoints.Build(ctxCopy).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint in %q", dir)
	}
	return checkpoint.Save()
}

// speedupBest compacts the model of the best result, and recomputes its masks for the new shapes.
func (p *IterativePruner) speedupBest() error {
	if p.best == nil {
		return errors.New("no pruning result to speed up")
	}
	if err := p.speedupFn(p.bestCtx, p.bestMask); err != nil {
		return errors.WithMessage(err, "speeding up best pruning result")
	}
	// Masks no longer match the compacted weights: remove them, and re-create them from the
	// remaining zero weights.
	if err := p.bestCtx.InAbsPath(MasksScope).DeleteVariablesInScope(); err != nil {
		return err
	}
	targets, err := FindTargets(p.bestCtx, p.modelScope, p.best.Configs)
	if err != nil {
		return err
	}
	for _, target := range targets {
		weights, err := variableToFloat64(target.Weight)
		if err != nil {
			return err
		}
		mask := make([]float64, len(weights))
		for ii, w := range weights {
			if w != 0 {
				mask[ii] = 1
			}
		}
		if err = SetMask(p.bestCtx, target, mask); err != nil {
			return err
		}
	}
	p.bestMask, err = CopyMasks(p.bestCtx, targets)
	if err != nil {
		return err
	}
	p.best.Layers, p.best.Sparsity, err = SparsityReport(p.bestCtx, targets)
	return err
}

// BestResult returns the best result of Compress: its iteration number (taskID), a context with a copy of
// the model and its masks, the masks indexed by op name, the score and the config list used in that
// iteration.
//
// Without an Evaluator, the best result is the last iteration.
// It returns a nil context and masks if Compress hasn't been run.
func (p *IterativePruner) BestResult() (taskID int, ctx *context.Context, masks map[string]*tensors.Tensor,
	score float64, configs ConfigList) {
	if p.best == nil {
		return 0, nil, nil, 0, nil
	}
	return p.best.TaskID, p.bestCtx, p.bestMask, p.best.Score, p.best.Configs
}

// Best returns the Result of the best iteration, or nil if Compress hasn't been run.
func (p *IterativePruner) Best() *Result {
	return p.best
}
