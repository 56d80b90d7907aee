// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements the activation functions supported by serac layers,
// along with their analytic derivatives used during backpropagation.
//
// There is also FromName to convert an activation name (string) to its type, used when
// decoding layer configurations.
package activations

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Type is an enum for the supported activation functions.
//
// It is converted to snake-format strings (e.g.: TypeLeakyRelu -> "leaky_relu"), and can be
// converted back from a string with TypeString or FromName.
type Type int

const (
	TypeNone Type = iota
	TypeRelu
	TypeLeakyRelu
	TypeSigmoid
	TypeTanh
	TypeSwish
	TypeGelu
	TypeSelu
)

//go:generate go tool enumer -type=Type -trimprefix=Type -transform=snake -output=gen_type_enumer.go activations.go

// LeakyReluAlpha is the fixed slope used for negative inputs by TypeLeakyRelu.
const LeakyReluAlpha = 0.3

const (
	SeluAlpha = 1.67326324
	SeluScale = 1.05070098
)

// FromName converts the name of an activation to its type.
// It panics with a helpful message if the name is invalid.
//
// An empty string is converted to TypeNone.
func FromName(activationName string) Type {
	if activationName == "" {
		return TypeNone
	}
	activation, err := TypeString(activationName)
	if err != nil {
		exceptions.Panicf("invalid activation name %q: options are %v", activationName, TypeValues())
	}
	return activation
}

// Apply the given activation type to x.
// The TypeNone activation is a no-op.
func Apply(activation Type, x float32) float32 {
	x64 := float64(x)
	switch activation {
	case TypeNone:
		return x
	case TypeRelu:
		if x > 0 {
			return x
		}
		return 0
	case TypeLeakyRelu:
		if x >= 0 {
			return x
		}
		return LeakyReluAlpha * x
	case TypeSigmoid:
		return float32(sigmoid(x64))
	case TypeTanh:
		return float32(math.Tanh(x64))
	case TypeSwish:
		return float32(x64 * sigmoid(x64))
	case TypeGelu:
		// Gelu(x) = x * 0.5 * (1 + Erf(x / √2))
		return float32(x64 * 0.5 * (1 + math.Erf(x64/math.Sqrt2)))
	case TypeSelu:
		if x > 0 {
			return float32(SeluScale * x64)
		}
		return float32(SeluScale * SeluAlpha * (math.Exp(x64) - 1))
	default:
		exceptions.Panicf("Apply got invalid activation value %q: options are %v", activation, TypeValues())
	}
	return 0
}

// Derivative returns d(Apply(activation, x))/dx, evaluated at the pre-activation input x.
func Derivative(activation Type, x float32) float32 {
	x64 := float64(x)
	switch activation {
	case TypeNone:
		return 1
	case TypeRelu:
		if x > 0 {
			return 1
		}
		return 0
	case TypeLeakyRelu:
		if x >= 0 {
			return 1
		}
		return LeakyReluAlpha
	case TypeSigmoid:
		s := sigmoid(x64)
		return float32(s * (1 - s))
	case TypeTanh:
		t := math.Tanh(x64)
		return float32(1 - t*t)
	case TypeSwish:
		s := sigmoid(x64)
		return float32(s * (1 + x64*(1-s)))
	case TypeGelu:
		// d/dx = Φ(x) + x·φ(x), with Φ the normal CDF and φ the normal PDF.
		cdf := 0.5 * (1 + math.Erf(x64/math.Sqrt2))
		pdf := math.Exp(-0.5*x64*x64) / math.Sqrt(2*math.Pi)
		return float32(cdf + x64*pdf)
	case TypeSelu:
		if x > 0 {
			return SeluScale
		}
		return float32(SeluScale * SeluAlpha * math.Exp(x64))
	default:
		exceptions.Panicf("Derivative got invalid activation value %q: options are %v", activation, TypeValues())
	}
	return 0
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
