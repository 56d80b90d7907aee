// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/support/polyjson"
)

const defaultMedianSamples = 10_001

// StreamingMedianLoss keeps an approximate median of the per-batch loss.
//
// It holds a bounded reservoir of uniformly sampled batch losses; the
// reported value is the median of the reservoir. Medians are more robust to
// the occasional exploding batch than the mean, which makes this metric handy
// for eyeballing noisy training runs.
type StreamingMedianLoss struct {
	// Loss being tracked. Exported so the metric round-trips through a saved
	// compile configuration.
	Loss polyjson.Wrapper[losses.Loss] `json:"loss"`

	// SampleSize bounds the reservoir. Odd sizes give an exact middle sample.
	SampleSize int `json:"sample_size"`

	samplesSeen int
	samples     []float64
	rng         *rand.Rand
}

// NewStreamingMedianLoss creates a median-tracking metric over the given
// loss, with the default reservoir size.
func NewStreamingMedianLoss(loss losses.Loss) *StreamingMedianLoss {
	return &StreamingMedianLoss{
		Loss:       polyjson.Wrap(loss),
		SampleSize: defaultMedianSamples,
	}
}

// WithSampleSize sets the number of random samples kept to estimate the
// median. It returns the metric for chaining.
func (m *StreamingMedianLoss) WithSampleSize(n int) *StreamingMedianLoss {
	m.SampleSize = n
	return m
}

func (m *StreamingMedianLoss) Name() string      { return "median_loss" }
func (m *StreamingMedianLoss) ShortName() string { return "median" }

// JSONTags implements polyjson.JSONIdentifiable.
func (m *StreamingMedianLoss) JSONTags() (string, string) {
	return "streaming_median_loss", InterfaceName
}

func (m *StreamingMedianLoss) Update(labels, predictions *tensors.Tensor) error {
	loss := m.Loss.Value
	if loss == nil {
		return errors.New("median_loss metric has no loss configured")
	}
	value, err := loss.Compute(labels, predictions)
	if err != nil {
		return err
	}
	if m.samples == nil {
		m.samples = make([]float64, 0, m.SampleSize)
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++
	x := float64(value)
	if len(m.samples) < m.SampleSize {
		m.samples = append(m.samples, x)
		return nil
	}
	// Reservoir sampling: keep x with probability SampleSize/samplesSeen,
	// replacing a uniformly chosen resident sample.
	if m.rng.Float64() >= float64(m.SampleSize)/float64(m.samplesSeen) {
		return nil
	}
	m.samples[m.rng.IntN(m.SampleSize)] = x
	return nil
}

// Result returns the median of the reservoir, or NaN before any update.
func (m *StreamingMedianLoss) Result() float32 {
	if len(m.samples) == 0 {
		return float32(math.NaN())
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return float32(sorted[len(sorted)/2])
}

func (m *StreamingMedianLoss) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
