// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements a hook-extensible training loop over datasets.
//
// A Loop drives a Trainer (typically a compiled model.Sequential) over a
// Dataset, one gradient step per yielded batch, and returns the evolution of
// the training metrics as a History. By itself the loop does little more than
// that, but arbitrary functionality can be attached to it with named hooks:
// checkpointing, progress bars, early stopping, training journals.
//
// The subpackages losses, metrics and optimizers provide the pieces a model
// is compiled with; commandline attaches a terminal progress bar to a Loop.
package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/train/metrics"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. It receives the loss of the batch
// just trained on.
type OnStepFn func(loop *Loop, batchLoss float32) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Trainer is the training half of a model, as seen by a Loop: something able
// to run one gradient step at a time and to report accumulated metrics.
// A compiled model.Sequential implements it.
type Trainer interface {
	// TrainStep runs one gradient update on a batch and returns the batch
	// loss.
	TrainStep(inputs, labels *tensors.Tensor) (batchLoss float32, err error)

	// TrainMetrics returns the metrics accumulated since the last reset,
	// the mean loss first.
	TrainMetrics() []metrics.Metric

	// ResetTrainMetrics restarts the accumulation of all training metrics.
	// The Loop calls it at the start of every epoch.
	ResetTrainMetrics()
}

// Loop runs a training loop, invoking Trainer.TrainStep for every batch
// yielded by a Dataset, and calling the registered hooks around the steps.
//
// The public attributes are meant for reading only; don't change them, or
// behavior is undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer Trainer

	// LoopStep currently being executed. It accumulates across runs, so a
	// second RunSteps picks up where the first left off.
	LoopStep int

	// StartStep is the value of LoopStep at the start of the current run.
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed, or -1 when not yet
	// known. When running Loop.RunEpochs it starts at -1 and is refined at
	// the end of every epoch, once the number of steps per epoch is known.
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	EndStep int

	// Epoch is set by Loop.RunEpochs to the current running epoch, starting
	// from 0. It is -1 while running Loop.RunSteps.
	Epoch int

	// SharedData allows attached tools to publish and consume information
	// across hooks. Keys and the semantics of their values are not specified
	// by the loop.
	SharedData map[string]any

	// TrainStepDurations collected during the current run, one per step.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop driving the given trainer.
func NewLoop(trainer Trainer) *Loop {
	if trainer == nil {
		exceptions.Panicf("train.NewLoop: trainer is nil")
	}
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		EndStep:    -1,
		Epoch:      -1,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) step(inputs, labels *tensors.Tensor) error {
	startTime := time.Now()
	batchLoss, err := loop.Trainer.TrainStep(inputs, labels)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return err
	}

	// Call "OnStep" hooks before aborting on a bad loss, so progress
	// reporting still shows the value that interrupted the training.
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, batchLoss); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}

	if math.IsNaN(float64(batchLoss)) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(float64(batchLoss), 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}
	return nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the
// current LoopStep, so it can be called multiple times, and it will simply
// pick up where it left off last time.
//
// It returns a History with a single entry holding the final value of the
// training metrics, accumulated over the whole run.
func (loop *Loop) RunSteps(ds Dataset, steps int) (*History, error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.Trainer.ResetTrainMetrics()
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.Epoch = -1
	if err := loop.start(ds); err != nil {
		return nil, err
	}
	history := newHistory(loop)

	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		inputs, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf(
					"reached Dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a looping dataset (InMemoryDataset.Infinite), or Loop.RunEpochs() instead of Loop.RunSteps()?",
					loop.LoopStep-loop.StartStep, steps)
			}
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		if err := loop.step(inputs, labels); err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)", steps, loop.LoopStep)
		}
	}

	history.record(loop)
	if err := loop.end(); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return history, nil
}

// RunEpochs runs those many epochs: full passes over the dataset, until it
// yields io.EOF. StartStep is adjusted to the current LoopStep, so it can be
// called multiple times, and it will simply pick up where it left off last
// time.
//
// Loop.Epoch is set to the current running epoch. EndStep starts as -1 and is
// adjusted after each epoch, when one knows how many steps there are going to
// be. Dataset.Reset is called after each epoch (including the last), and the
// training metrics are reset at the start of each epoch, so the History holds
// one entry of per-epoch values for every epoch run.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (*History, error) {
	if epochs <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	if err := loop.start(ds); err != nil {
		return nil, err
	}
	history := newHistory(loop)

	loop.TrainStepDurations = nil
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		loop.Trainer.ResetTrainMetrics()
		yieldsPerEpoch := 0
		for {
			inputs, labels, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: refine the estimate of the last step.
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			if err := loop.step(inputs, labels); err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep(LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		history.record(loop)
		ds.Reset()
	}
	// OnEnd hooks and callers observe the last executed epoch, not one past it.
	loop.Epoch = epochs - 1

	if err := loop.end(); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return history, nil
}

// Metrics returns the current value of every training metric, keyed by
// metric name.
func (loop *Loop) Metrics() map[string]float32 {
	trainMetrics := loop.Trainer.TrainMetrics()
	values := make(map[string]float32, len(trainMetrics))
	for _, metric := range trainMetrics {
		values[metric.Name()] = metric.Result()
	}
	return values
}

// MedianTrainStepDuration returns the median duration of each training step.
// It returns 1 millisecond if no training step was recorded (to avoid
// potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// History records the evolution of the training metrics: one entry per epoch
// for Loop.RunEpochs, or a single entry with the final values for
// Loop.RunSteps.
type History struct {
	// MetricNames in reporting order: the loss first, then the metrics the
	// model was compiled with.
	MetricNames []string

	// Epochs of metric values: Epochs[i][name] is the value of the metric
	// named name at the end of epoch i.
	Epochs []map[string]float32
}

func newHistory(loop *Loop) *History {
	trainMetrics := loop.Trainer.TrainMetrics()
	names := make([]string, 0, len(trainMetrics))
	for _, metric := range trainMetrics {
		names = append(names, metric.Name())
	}
	return &History{MetricNames: names}
}

func (h *History) record(loop *Loop) {
	h.Epochs = append(h.Epochs, loop.Metrics())
}

// Last returns the metric values recorded last, or nil if nothing was
// recorded.
func (h *History) Last() map[string]float32 {
	if h == nil || len(h.Epochs) == 0 {
		return nil
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Series returns the values of one metric across all recorded epochs.
func (h *History) Series(metricName string) []float32 {
	if h == nil {
		return nil
	}
	series := make([]float32, len(h.Epochs))
	for ii, epoch := range h.Epochs {
		series[ii] = epoch[metricName]
	}
	return series
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
// Hooks of the same priority run in registration order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
