// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers/activations"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// Dense is a fully connected layer: output = activation(input·weights + biases), with
// input shaped [batch, features] and output [batch, units].
//
// Its variables ("weights" [features, units] and optionally "biases" [units]) are created
// on Build, from the input shape.
type Dense struct {
	name       string
	units      int
	activation activations.Type
	useBias    bool
	weightInit Initializer
	biasInit   Initializer

	built      bool
	inFeatures int
	weights    *Variable
	biases     *Variable

	training  bool
	lastInput *tensors.Tensor // input x, cached in training mode for Backward
	lastPre   *tensors.Tensor // pre-activation x·W+b, cached in training mode for Backward
}

// NewDense creates a dense layer with the given number of output units.
//
// By default it has no activation, uses a bias, initializes weights with GlorotUniform and
// biases with Zeros. Use the With* methods to change that before the layer is built.
func NewDense(units int) *Dense {
	if units <= 0 {
		exceptions.Panicf("NewDense: units must be positive, got %d", units)
	}
	return &Dense{
		name:       "dense",
		units:      units,
		useBias:    true,
		activation: activations.TypeNone,
		weightInit: GlorotUniform(newDefaultRng()),
		biasInit:   Zeros,
	}
}

// WithName sets the layer name. Returns the layer for chaining.
func (d *Dense) WithName(name string) *Dense {
	d.assertNotBuilt()
	d.name = name
	return d
}

// WithActivation sets the activation applied after the affine transformation, by name
// ("relu", "tanh", ...). It panics on unknown names. Returns the layer for chaining.
func (d *Dense) WithActivation(name string) *Dense {
	d.assertNotBuilt()
	d.activation = activations.FromName(name)
	return d
}

// WithBias sets whether the layer adds a bias term. Returns the layer for chaining.
func (d *Dense) WithBias(useBias bool) *Dense {
	d.assertNotBuilt()
	d.useBias = useBias
	return d
}

// WithWeightsInitializer sets the initializer used for the weights matrix. Returns the
// layer for chaining.
func (d *Dense) WithWeightsInitializer(init Initializer) *Dense {
	d.assertNotBuilt()
	d.weightInit = init
	return d
}

// WithBiasInitializer sets the initializer used for the biases. Returns the layer for
// chaining.
func (d *Dense) WithBiasInitializer(init Initializer) *Dense {
	d.assertNotBuilt()
	d.biasInit = init
	return d
}

func (d *Dense) assertNotBuilt() {
	if d.built {
		exceptions.Panicf("dense layer %q cannot be reconfigured after it is built", d.name)
	}
}

// Name of the layer.
func (d *Dense) Name() string { return d.name }

// Built reports whether the layer's variables have been created.
func (d *Dense) Built() bool { return d.built }

// checkInput validates that input is a [batch, features] float32 shape.
func (d *Dense) checkInput(input shapes.Shape) error {
	if input.Rank() != 2 {
		return errors.Errorf("dense layer %q requires a rank-2 input [batch, features], got %s",
			d.name, input)
	}
	if input.DType != dtypes.Float32 {
		return errors.Errorf("dense layer %q computes in float32, got input dtype %s",
			d.name, input.DType)
	}
	return nil
}

// Build creates the layer's variables from the input shape. It runs at most once; calling
// it again with an input of the same feature count is a no-op.
func (d *Dense) Build(input shapes.Shape) error {
	if err := d.checkInput(input); err != nil {
		return err
	}
	if d.built {
		if input.Dim(-1) != d.inFeatures {
			return errors.Errorf("dense layer %q was built for %d input features, cannot rebuild for input %s",
				d.name, d.inFeatures, input)
		}
		return nil
	}
	d.inFeatures = input.Dim(-1)

	weightsValue, err := d.weightInit(shapes.Make(dtypes.Float32, d.inFeatures, d.units))
	if err != nil {
		return errors.WithMessagef(err, "initializing weights of dense layer %q", d.name)
	}
	d.weights = NewVariable("weights", weightsValue)

	if d.useBias {
		biasesValue, err := d.biasInit(shapes.Make(dtypes.Float32, d.units))
		if err != nil {
			return errors.WithMessagef(err, "initializing biases of dense layer %q", d.name)
		}
		d.biases = NewVariable("biases", biasesValue)
	}
	d.built = true
	return nil
}

// OutputShape returns [batch, units] for a [batch, features] input.
func (d *Dense) OutputShape(input shapes.Shape) (shapes.Shape, error) {
	if err := d.checkInput(input); err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(input.DType, input.Dim(0), d.units), nil
}

// Variables returns the layer's variables in creation order: weights, then biases if
// enabled. Unbuilt layers return nil.
func (d *Dense) Variables() []*Variable {
	if !d.built {
		return nil
	}
	if d.biases == nil {
		return []*Variable{d.weights}
	}
	return []*Variable{d.weights, d.biases}
}

// SetTraining switches the layer in and out of training mode. Outside training mode the
// cached forward intermediates are dropped.
func (d *Dense) SetTraining(training bool) {
	d.training = training
	if !training {
		d.lastInput = nil
		d.lastPre = nil
	}
}

// Forward computes activation(x·weights + biases). If the layer is not yet built, it is
// built from the input shape.
func (d *Dense) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if !d.built {
		if err := d.Build(x.Shape()); err != nil {
			return nil, err
		}
	}
	if err := d.checkInput(x.Shape()); err != nil {
		return nil, err
	}
	if x.Shape().Dim(-1) != d.inFeatures {
		return nil, errors.Errorf("dense layer %q was built for %d input features, got input %s",
			d.name, d.inFeatures, x.Shape())
	}

	pre := matMul(x, d.weights.Value())
	if d.biases != nil {
		addBiasRows(pre, d.biases.Value())
	}

	if d.training {
		d.lastInput = x
		d.lastPre = pre
	}

	if d.activation == activations.TypeNone {
		return pre, nil
	}
	out := tensors.FromShape(pre.Shape())
	tensors.MustConstFlatData(pre, func(preFlat []float32) {
		tensors.MustMutableFlatData(out, func(outFlat []float32) {
			for ii, value := range preFlat {
				outFlat[ii] = activations.Apply(d.activation, value)
			}
		})
	})
	return out, nil
}

// Backward propagates the gradient through the layer: it records the gradients of weights
// and biases and returns the gradient with respect to the input.
//
// It requires a preceding training-mode Forward.
func (d *Dense) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	if d.lastPre == nil || d.lastInput == nil {
		return nil, errors.Errorf("Backward on dense layer %q without a cached forward pass (is the layer in training mode?)",
			d.name)
	}
	if !grad.Shape().Equal(d.lastPre.Shape()) {
		return nil, errors.Errorf("dense layer %q expected output gradient with shape %s, got %s",
			d.name, d.lastPre.Shape(), grad.Shape())
	}

	// dPre = grad ⊙ activation'(pre)
	dPre := grad
	if d.activation != activations.TypeNone {
		dPre = tensors.FromShape(grad.Shape())
		tensors.MustConstFlatData(grad, func(gradFlat []float32) {
			tensors.MustConstFlatData(d.lastPre, func(preFlat []float32) {
				tensors.MustMutableFlatData(dPre, func(dPreFlat []float32) {
					for ii := range gradFlat {
						dPreFlat[ii] = gradFlat[ii] * activations.Derivative(d.activation, preFlat[ii])
					}
				})
			})
		})
	}

	d.weights.SetGradient(matMulTransposeA(d.lastInput, dPre))
	if d.biases != nil {
		d.biases.SetGradient(sumRows(dPre))
	}
	return matMulTransposeB(dPre, d.weights.Value()), nil
}

// Config returns the serializable configuration of the layer.
func (d *Dense) Config() Config {
	activationName := ""
	if d.activation != activations.TypeNone {
		activationName = d.activation.String()
	}
	return &DenseConfig{
		Units:      d.units,
		Activation: activationName,
		UseBias:    d.useBias,
	}
}

// DenseConfig is the JSON-serializable configuration of a Dense layer.
type DenseConfig struct {
	Units      int    `json:"units"`
	Activation string `json:"activation,omitempty"`
	UseBias    bool   `json:"use_bias"`
}

// JSONTags implements polyjson.JSONIdentifiable.
func (c *DenseConfig) JSONTags() (typeName, interfaceName string) {
	return "dense", ConfigInterface
}

// NewLayer creates a fresh, unbuilt Dense layer from the configuration.
func (c *DenseConfig) NewLayer() (Layer, error) {
	if c.Units <= 0 {
		return nil, errors.Errorf("dense config: units must be positive, got %d", c.Units)
	}
	activation := activations.TypeNone
	if c.Activation != "" {
		var err error
		activation, err = activations.TypeString(c.Activation)
		if err != nil {
			return nil, errors.Wrapf(err, "dense config: invalid activation %q", c.Activation)
		}
	}
	d := NewDense(c.Units).WithBias(c.UseBias)
	d.activation = activation
	return d, nil
}

func init() {
	polyjson.Register(func() Config { return &DenseConfig{} })
}

// matMul returns x·w for x [m, k] and w [k, n], all float32.
func matMul(x, w *tensors.Tensor) *tensors.Tensor {
	m, k := x.Shape().Dim(0), x.Shape().Dim(1)
	n := w.Shape().Dim(1)
	out := tensors.FromShape(shapes.Make(dtypes.Float32, m, n))
	tensors.MustConstFlatData(x, func(xFlat []float32) {
		tensors.MustConstFlatData(w, func(wFlat []float32) {
			tensors.MustMutableFlatData(out, func(outFlat []float32) {
				for ii := 0; ii < m; ii++ {
					for kk := 0; kk < k; kk++ {
						xValue := xFlat[ii*k+kk]
						if xValue == 0 {
							continue
						}
						wRow := wFlat[kk*n : (kk+1)*n]
						outRow := outFlat[ii*n : (ii+1)*n]
						for jj, wValue := range wRow {
							outRow[jj] += xValue * wValue
						}
					}
				}
			})
		})
	})
	return out
}

// matMulTransposeA returns xᵀ·g for x [m, k] and g [m, n], yielding [k, n].
func matMulTransposeA(x, g *tensors.Tensor) *tensors.Tensor {
	m, k := x.Shape().Dim(0), x.Shape().Dim(1)
	n := g.Shape().Dim(1)
	out := tensors.FromShape(shapes.Make(dtypes.Float32, k, n))
	tensors.MustConstFlatData(x, func(xFlat []float32) {
		tensors.MustConstFlatData(g, func(gFlat []float32) {
			tensors.MustMutableFlatData(out, func(outFlat []float32) {
				for ii := 0; ii < m; ii++ {
					gRow := gFlat[ii*n : (ii+1)*n]
					for kk := 0; kk < k; kk++ {
						xValue := xFlat[ii*k+kk]
						if xValue == 0 {
							continue
						}
						outRow := outFlat[kk*n : (kk+1)*n]
						for jj, gValue := range gRow {
							outRow[jj] += xValue * gValue
						}
					}
				}
			})
		})
	})
	return out
}

// matMulTransposeB returns g·wᵀ for g [m, n] and w [k, n], yielding [m, k].
func matMulTransposeB(g, w *tensors.Tensor) *tensors.Tensor {
	m, n := g.Shape().Dim(0), g.Shape().Dim(1)
	k := w.Shape().Dim(0)
	out := tensors.FromShape(shapes.Make(dtypes.Float32, m, k))
	tensors.MustConstFlatData(g, func(gFlat []float32) {
		tensors.MustConstFlatData(w, func(wFlat []float32) {
			tensors.MustMutableFlatData(out, func(outFlat []float32) {
				for ii := 0; ii < m; ii++ {
					gRow := gFlat[ii*n : (ii+1)*n]
					outRow := outFlat[ii*k : (ii+1)*k]
					for kk := 0; kk < k; kk++ {
						wRow := wFlat[kk*n : (kk+1)*n]
						var sum float32
						for jj, gValue := range gRow {
							sum += gValue * wRow[jj]
						}
						outRow[kk] = sum
					}
				}
			})
		})
	})
	return out
}

// addBiasRows adds bias [n] to each row of t [m, n], in place.
func addBiasRows(t, bias *tensors.Tensor) {
	m, n := t.Shape().Dim(0), t.Shape().Dim(1)
	tensors.MustConstFlatData(bias, func(biasFlat []float32) {
		tensors.MustMutableFlatData(t, func(tFlat []float32) {
			for ii := 0; ii < m; ii++ {
				row := tFlat[ii*n : (ii+1)*n]
				for jj := range row {
					row[jj] += biasFlat[jj]
				}
			}
		})
	})
}

// sumRows sums t [m, n] over the batch axis, yielding [n].
func sumRows(t *tensors.Tensor) *tensors.Tensor {
	m, n := t.Shape().Dim(0), t.Shape().Dim(1)
	out := tensors.FromShape(shapes.Make(dtypes.Float32, n))
	tensors.MustConstFlatData(t, func(tFlat []float32) {
		tensors.MustMutableFlatData(out, func(outFlat []float32) {
			for ii := 0; ii < m; ii++ {
				row := tFlat[ii*n : (ii+1)*n]
				for jj, value := range row {
					outFlat[jj] += value
				}
			}
		})
	})
	return out
}
