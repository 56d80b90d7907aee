// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers"
)

// AdamConfig holds the configuration of an Adam optimizer, as described in
// https://arxiv.org/abs/1412.6980, and implements Optimizer once built with
// Done.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64

	// First and second moment estimates, one per variable, plus the global
	// step counter used for bias correction.
	m, v []*tensors.Tensor
	step int64
}

// Adam returns an Adam configuration with the usual defaults: learning rate
// 0.001, beta1 0.9, beta2 0.999 and epsilon 1e-7. Call Done to use it as an
// Optimizer.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: 0.001,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// LearningRate sets the step size. Default is 0.001.
// It returns the config for chaining.
func (adam *AdamConfig) LearningRate(value float64) *AdamConfig {
	adam.learningRate = value
	return adam
}

// Betas sets the exponential decay rates of the first and second moment
// estimates. Defaults are 0.9 and 0.999. It returns the config for chaining.
func (adam *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	adam.beta1, adam.beta2 = beta1, beta2
	return adam
}

// Epsilon sets the denominator offset that keeps updates finite for tiny
// second moments. Default is 1e-7. It returns the config for chaining.
func (adam *AdamConfig) Epsilon(value float64) *AdamConfig {
	adam.epsilon = value
	return adam
}

// Done validates the configuration and returns it as an Optimizer.
// It panics on invalid hyperparameters.
func (adam *AdamConfig) Done() Optimizer {
	if err := adam.validate(); err != nil {
		panic(err)
	}
	return adam
}

func (adam *AdamConfig) validate() error {
	if adam.learningRate <= 0 {
		return errors.Errorf("adam learning rate must be positive, got %g", adam.learningRate)
	}
	if adam.beta1 < 0 || adam.beta1 >= 1 {
		return errors.Errorf("adam beta1 must be in [0, 1), got %g", adam.beta1)
	}
	if adam.beta2 < 0 || adam.beta2 >= 1 {
		return errors.Errorf("adam beta2 must be in [0, 1), got %g", adam.beta2)
	}
	if adam.epsilon <= 0 {
		return errors.Errorf("adam epsilon must be positive, got %g", adam.epsilon)
	}
	return nil
}

// Name implements Optimizer.
func (adam *AdamConfig) Name() string { return "adam" }

// JSONTags implements polyjson.JSONIdentifiable.
func (adam *AdamConfig) JSONTags() (jsonType, interfaceName string) {
	return "adam", InterfaceName
}

// Step implements Optimizer. It maintains exponential moving averages of the
// gradient (m) and its square (v), corrects both for their zero
// initialization bias and updates w -= lr * m^ / (sqrt(v^) + epsilon).
func (adam *AdamConfig) Step(variables []*layers.Variable) error {
	if err := checkStepVariables(adam.Name(), variables); err != nil {
		return err
	}
	if adam.m == nil {
		adam.m = make([]*tensors.Tensor, len(variables))
		adam.v = make([]*tensors.Tensor, len(variables))
	}
	if len(adam.m) != len(variables) {
		return errors.Errorf("adam state holds %d variables, Step got %d -- was the state loaded from a different model?", len(adam.m), len(variables))
	}

	adam.step++
	bias1 := 1 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1 - math.Pow(adam.beta2, float64(adam.step))
	for ii, variable := range variables {
		grad := variable.Gradient()
		m, v := adam.m[ii], adam.v[ii]
		if m == nil || v == nil {
			m, v = tensors.FromShape(grad.Shape()), tensors.FromShape(grad.Shape())
			adam.m[ii], adam.v[ii] = m, v
		}
		if !m.Shape().Equal(grad.Shape()) || !v.Shape().Equal(grad.Shape()) {
			return errors.Errorf("adam moments for variable %q (#%d) have shapes %s and %s, gradient has shape %s",
				variable.Name(), ii, m.Shape(), v.Shape(), grad.Shape())
		}
		tensors.MustMutableFlatData(variable.Value(), func(valueFlat []float32) {
			tensors.MustConstFlatData(grad, func(gradFlat []float32) {
				tensors.MustMutableFlatData(m, func(mFlat []float32) {
					tensors.MustMutableFlatData(v, func(vFlat []float32) {
						for jj := range valueFlat {
							g := float64(gradFlat[jj])
							mNew := adam.beta1*float64(mFlat[jj]) + (1-adam.beta1)*g
							vNew := adam.beta2*float64(vFlat[jj]) + (1-adam.beta2)*g*g
							mFlat[jj], vFlat[jj] = float32(mNew), float32(vNew)
							update := adam.learningRate * (mNew / bias1) / (math.Sqrt(vNew/bias2) + adam.epsilon)
							valueFlat[jj] -= float32(update)
						}
					})
				})
			})
		})
	}
	return nil
}

// Config implements Optimizer.
func (adam *AdamConfig) Config() map[string]any { return configMap(adam) }

// StateDict implements Optimizer. The "step" entry holds the scalar step
// counter, "m.<i>" and "v.<i>" the moment estimates per variable.
func (adam *AdamConfig) StateDict() (map[string]*tensors.Tensor, error) {
	state := make(map[string]*tensors.Tensor, 2*len(adam.m)+1)
	state["step"] = tensors.FromScalar(adam.step)
	for ii := range adam.m {
		if adam.m[ii] == nil || adam.v[ii] == nil {
			return nil, errors.Errorf("adam moments for variable #%d were never initialized", ii)
		}
		state[fmt.Sprintf("m.%d", ii)] = adam.m[ii].Clone()
		state[fmt.Sprintf("v.%d", ii)] = adam.v[ii].Clone()
	}
	return state, nil
}

// LoadStateDict implements Optimizer.
func (adam *AdamConfig) LoadStateDict(state map[string]*tensors.Tensor) error {
	if len(state) == 0 {
		adam.m, adam.v, adam.step = nil, nil, 0
		return nil
	}
	for key := range state {
		if key != "step" && !strings.HasPrefix(key, "m.") && !strings.HasPrefix(key, "v.") {
			return errors.Errorf("unexpected adam state key %q", key)
		}
	}
	stepTensor, found := state["step"]
	if !found {
		return errors.New(`adam state is missing the "step" entry`)
	}
	if stepTensor.DType() != dtypes.Int64 || stepTensor.Shape().Rank() != 0 {
		return errors.Errorf(`adam "step" state must be a scalar int64, got %s`, stepTensor.Shape())
	}
	m, err := indexedState(state, "m")
	if err != nil {
		return err
	}
	v, err := indexedState(state, "v")
	if err != nil {
		return err
	}
	if len(m) != len(v) {
		return errors.Errorf("adam state has %d first moments but %d second moments", len(m), len(v))
	}
	tensors.MustConstFlatData(stepTensor, func(flat []int64) {
		adam.step = flat[0]
	})
	adam.m, adam.v = m, v
	return nil
}

type adamParams struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta_1"`
	Beta2        float64 `json:"beta_2"`
	Epsilon      float64 `json:"epsilon"`
}

// MarshalJSON implements json.Marshaler, serializing only hyperparameters.
// Optimizer state travels separately, through StateDict.
func (adam *AdamConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(adamParams{
		LearningRate: adam.learningRate,
		Beta1:        adam.beta1,
		Beta2:        adam.beta2,
		Epsilon:      adam.epsilon,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Absent fields keep their
// current (default) values.
func (adam *AdamConfig) UnmarshalJSON(blob []byte) error {
	params := adamParams{
		LearningRate: adam.learningRate,
		Beta1:        adam.beta1,
		Beta2:        adam.beta2,
		Epsilon:      adam.epsilon,
	}
	if err := json.Unmarshal(blob, &params); err != nil {
		return errors.Wrap(err, "failed to parse adam config")
	}
	adam.learningRate, adam.beta1, adam.beta2, adam.epsilon =
		params.LearningRate, params.Beta1, params.Beta2, params.Epsilon
	return adam.validate()
}
