// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements gradient descent variants for training.
//
// Optimizers consume the gradients accumulated on layers.Variable values and
// update the variables in place. Each optimizer also exposes its internal
// state (momentum buffers, moment estimates) as a flat map of tensors so that
// training can be checkpointed and resumed, and serializes its hyperparameters
// through polyjson so a compiled model round-trips its optimizer.
//
// Optimizers are built with chainable configurations:
//
//	opt := optimizers.Adam().LearningRate(0.01).Done()
//
// State entries are keyed by the position of each variable in the slice given
// to Step ("velocity.0", "m.3", ...); callers must present variables in the
// same order across save and restore.
package optimizers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers"
	"github.com/seracml/serac/pkg/support/polyjson"
	"github.com/seracml/serac/pkg/support/xslices"
)

// InterfaceName under which optimizers register with polyjson.
const InterfaceName = "Optimizer"

// Optimizer updates trainable variables from their gradients.
type Optimizer interface {
	polyjson.JSONIdentifiable

	// Name of the optimizer, also its key in KnownOptimizers.
	Name() string

	// Step applies one update to the given variables, using the gradients
	// currently attached to them. Every variable must be float32 and carry
	// a gradient. Variables must be presented in the same order on every
	// call, since optimizer state is positional.
	Step(variables []*layers.Variable) error

	// Config returns the hyperparameters as a JSON-encodable map, including
	// the polyjson type tags. FromConfig reverses it.
	Config() map[string]any

	// StateDict returns a copy of the optimizer state, keyed by state name
	// and variable position. Stateless optimizers return an empty map.
	StateDict() (map[string]*tensors.Tensor, error)

	// LoadStateDict replaces the optimizer state with a copy of the given
	// entries, typically read from a checkpoint.
	LoadStateDict(state map[string]*tensors.Tensor) error
}

// KnownOptimizers maps optimizer names to constructors with default
// hyperparameters.
var KnownOptimizers = map[string]func() Optimizer{
	"sgd":  func() Optimizer { return SGD().Done() },
	"adam": func() Optimizer { return Adam().Done() },
}

// FromName returns a new optimizer with default hyperparameters.
// It panics if the name is not a key of KnownOptimizers.
func FromName(name string) Optimizer {
	constructor, found := KnownOptimizers[name]
	if !found {
		exceptions.Panicf("unknown optimizer %q, valid values are %v", name, xslices.SortedKeys(KnownOptimizers))
	}
	return constructor()
}

// FromConfig rebuilds an optimizer from the map produced by Optimizer.Config.
func FromConfig(config map[string]any) (Optimizer, error) {
	if config == nil {
		return nil, errors.New("optimizer config is nil")
	}
	blob, err := json.Marshal(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-encode optimizer config")
	}
	var opt Optimizer
	if err := polyjson.UnmarshalPolymorphic(blob, &opt); err != nil {
		return nil, errors.WithMessage(err, "failed to parse optimizer config")
	}
	return opt, nil
}

func init() {
	polyjson.Register(func() *SGDConfig { return SGD() })
	polyjson.Register(func() *AdamConfig { return Adam() })
}

// configMap serializes an optimizer through polyjson and decodes the result
// into a generic map. Both steps only fail on non-JSON-encodable fields, which
// the built-in optimizers never carry.
func configMap(opt Optimizer) map[string]any {
	blob := must.M1(polyjson.MarshalPolymorphic(opt))
	var config map[string]any
	must.M(json.Unmarshal(blob, &config))
	return config
}

// checkStepVariables verifies that every variable is usable by a float32
// optimizer step.
func checkStepVariables(optName string, variables []*layers.Variable) error {
	for ii, variable := range variables {
		if variable == nil || !variable.IsValid() {
			return errors.Errorf("%s: variable #%d is nil or has no value", optName, ii)
		}
		if variable.DType() != dtypes.Float32 {
			return errors.Errorf("%s only supports float32 variables, variable %q is %s", optName, variable.Name(), variable.DType())
		}
		if variable.Gradient() == nil {
			return errors.Errorf("%s: variable %q (#%d) has no gradient -- run a backward pass before Step", optName, variable.Name(), ii)
		}
	}
	return nil
}

// indexedState collects the state entries keyed "<prefix>.<position>" into a
// dense slice of cloned tensors. Gaps and malformed positions are errors.
func indexedState(state map[string]*tensors.Tensor, prefix string) ([]*tensors.Tensor, error) {
	var result []*tensors.Tensor
	for key, value := range state {
		rest, found := strings.CutPrefix(key, prefix+".")
		if !found {
			continue
		}
		position, err := strconv.Atoi(rest)
		if err != nil || position < 0 {
			return nil, errors.Errorf("malformed optimizer state key %q", key)
		}
		if value == nil {
			return nil, errors.Errorf("optimizer state entry %q is nil", key)
		}
		for len(result) <= position {
			result = append(result, nil)
		}
		result[position] = value.Clone()
	}
	for position, value := range result {
		if value == nil {
			return nil, errors.Errorf("optimizer state is missing entry %q", fmt.Sprintf("%s.%d", prefix, position))
		}
	}
	return result, nil
}

// applyScaled adds scale*delta to target, element-wise in place.
func applyScaled(target, delta *tensors.Tensor, scale float32) {
	tensors.MustMutableFlatData(target, func(targetFlat []float32) {
		tensors.MustConstFlatData(delta, func(deltaFlat []float32) {
			for ii := range targetFlat {
				targetFlat[ii] += scale * deltaFlat[ii]
			}
		})
	})
}

// SGDConfig holds the configuration of a stochastic gradient descent
// optimizer and implements Optimizer once built with Done.
type SGDConfig struct {
	learningRate, momentum float64

	// velocity buffers, one per variable, allocated on first Step when
	// momentum is used.
	velocity []*tensors.Tensor
}

// SGD returns a stochastic gradient descent configuration with the default
// learning rate of 0.01 and no momentum. Call Done to use it as an Optimizer.
func SGD() *SGDConfig {
	return &SGDConfig{learningRate: 0.01}
}

// LearningRate sets the step size. Default is 0.01.
// It returns the config for chaining.
func (sgd *SGDConfig) LearningRate(value float64) *SGDConfig {
	sgd.learningRate = value
	return sgd
}

// Momentum sets the velocity decay factor, 0 disables momentum entirely.
// Default is 0. It returns the config for chaining.
func (sgd *SGDConfig) Momentum(value float64) *SGDConfig {
	sgd.momentum = value
	return sgd
}

// Done validates the configuration and returns it as an Optimizer.
// It panics on invalid hyperparameters.
func (sgd *SGDConfig) Done() Optimizer {
	if err := sgd.validate(); err != nil {
		panic(err)
	}
	return sgd
}

func (sgd *SGDConfig) validate() error {
	if sgd.learningRate <= 0 {
		return errors.Errorf("sgd learning rate must be positive, got %g", sgd.learningRate)
	}
	if sgd.momentum < 0 || sgd.momentum >= 1 {
		return errors.Errorf("sgd momentum must be in [0, 1), got %g", sgd.momentum)
	}
	return nil
}

// Name implements Optimizer.
func (sgd *SGDConfig) Name() string { return "sgd" }

// JSONTags implements polyjson.JSONIdentifiable.
func (sgd *SGDConfig) JSONTags() (jsonType, interfaceName string) {
	return "sgd", InterfaceName
}

// Step implements Optimizer: w -= lr * velocity, with
// velocity = momentum*velocity + gradient (or the raw gradient when momentum
// is disabled).
func (sgd *SGDConfig) Step(variables []*layers.Variable) error {
	if err := checkStepVariables(sgd.Name(), variables); err != nil {
		return err
	}
	if sgd.momentum == 0 {
		lr := float32(sgd.learningRate)
		for _, variable := range variables {
			applyScaled(variable.Value(), variable.Gradient(), -lr)
		}
		return nil
	}

	if sgd.velocity == nil {
		sgd.velocity = make([]*tensors.Tensor, len(variables))
	}
	if len(sgd.velocity) != len(variables) {
		return errors.Errorf("sgd state holds %d variables, Step got %d -- was the state loaded from a different model?", len(sgd.velocity), len(variables))
	}
	lr, momentum := float32(sgd.learningRate), float32(sgd.momentum)
	for ii, variable := range variables {
		grad := variable.Gradient()
		velocity := sgd.velocity[ii]
		if velocity == nil {
			velocity = tensors.FromShape(grad.Shape())
			sgd.velocity[ii] = velocity
		} else if !velocity.Shape().Equal(grad.Shape()) {
			return errors.Errorf("sgd velocity for variable %q (#%d) has shape %s, gradient has shape %s",
				variable.Name(), ii, velocity.Shape(), grad.Shape())
		}
		tensors.MustMutableFlatData(velocity, func(velocityFlat []float32) {
			tensors.MustConstFlatData(grad, func(gradFlat []float32) {
				for jj := range velocityFlat {
					velocityFlat[jj] = momentum*velocityFlat[jj] + gradFlat[jj]
				}
			})
		})
		applyScaled(variable.Value(), velocity, -lr)
	}
	return nil
}

// Config implements Optimizer.
func (sgd *SGDConfig) Config() map[string]any { return configMap(sgd) }

// StateDict implements Optimizer. Without momentum there is no state and the
// map is empty.
func (sgd *SGDConfig) StateDict() (map[string]*tensors.Tensor, error) {
	state := make(map[string]*tensors.Tensor, len(sgd.velocity))
	for ii, velocity := range sgd.velocity {
		if velocity == nil {
			return nil, errors.Errorf("sgd velocity for variable #%d was never initialized", ii)
		}
		state[fmt.Sprintf("velocity.%d", ii)] = velocity.Clone()
	}
	return state, nil
}

// LoadStateDict implements Optimizer.
func (sgd *SGDConfig) LoadStateDict(state map[string]*tensors.Tensor) error {
	for key := range state {
		if !strings.HasPrefix(key, "velocity.") {
			return errors.Errorf("unexpected sgd state key %q", key)
		}
	}
	velocity, err := indexedState(state, "velocity")
	if err != nil {
		return err
	}
	sgd.velocity = velocity
	return nil
}

type sgdParams struct {
	LearningRate float64 `json:"learning_rate"`
	Momentum     float64 `json:"momentum"`
}

// MarshalJSON implements json.Marshaler, serializing only hyperparameters.
// Optimizer state travels separately, through StateDict.
func (sgd *SGDConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(sgdParams{LearningRate: sgd.learningRate, Momentum: sgd.momentum})
}

// UnmarshalJSON implements json.Unmarshaler. Absent fields keep their
// current (default) values.
func (sgd *SGDConfig) UnmarshalJSON(blob []byte) error {
	params := sgdParams{LearningRate: sgd.learningRate, Momentum: sgd.momentum}
	if err := json.Unmarshal(blob, &params); err != nil {
		return errors.Wrap(err, "failed to parse sgd config")
	}
	sgd.learningRate, sgd.momentum = params.LearningRate, params.Momentum
	return sgd.validate()
}
