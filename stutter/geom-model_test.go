// elstr: EM-based genotyping of short tandem repeats.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elstr/blob/master/LICENSE.txt>.

package stutter

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = GeomParams{
	InFrameGeom: 0.8, InFrameUp: 0.04, InFrameDown: 0.08,
	OutFrameGeom: 0.7, OutFrameUp: 0.01, OutFrameDown: 0.02,
}

func expectedLogLikelihood(m Model, deviations []Deviation) (ll float64) {
	for _, dev := range deviations {
		if dev.Weight > 0 {
			ll += dev.Weight * m.LogProbability(0, dev.BpDiff)
		}
	}
	return ll
}

func TestNewGeomModelValidation(t *testing.T) {
	_, err := NewGeomModel(testParams, 0)
	assert.True(t, errors.Is(err, ErrInvalidParams), "motif length 0")

	bad := testParams
	bad.InFrameUp = 0.9
	_, err = NewGeomModel(bad, 3)
	assert.True(t, errors.Is(err, ErrInvalidParams), "step probabilities sum above 1")

	bad = testParams
	bad.OutFrameGeom = 0
	_, err = NewGeomModel(bad, 3)
	assert.True(t, errors.Is(err, ErrInvalidParams), "geometric parameter 0")

	bad = testParams
	bad.InFrameDown = math.NaN()
	_, err = NewGeomModel(bad, 3)
	assert.True(t, errors.Is(err, ErrInvalidParams), "NaN step probability")

	_, err = NewGeomModel(testParams, 3)
	assert.NoError(t, err)
}

func TestClassify(t *testing.T) {
	m, err := NewGeomModel(testParams, 4)
	require.NoError(t, err)
	cases := []struct {
		diff  int
		class stepClass
		steps int
	}{
		{0, noStep, 0},
		{4, inFrameUp, 1},
		{-8, inFrameDown, 2},
		{1, outFrameUp, 1},
		{3, outFrameUp, 3},
		{5, outFrameUp, 4},
		{-7, outFrameDown, 6},
	}
	for _, c := range cases {
		class, steps := m.classify(c.diff)
		assert.Equal(t, c.class, class, "class of %v", c.diff)
		assert.Equal(t, c.steps, steps, "steps of %v", c.diff)
	}
}

func TestLogProbabilityIsDistribution(t *testing.T) {
	for _, motifLen := range []int{1, 2, 4, 6} {
		m, err := NewGeomModel(testParams, motifLen)
		require.NoError(t, err)
		var total float64
		for d := -600; d <= 600; d++ {
			lp := m.LogProbability(10, 10+d)
			assert.LessOrEqual(t, lp, 0.0)
			total += math.Exp(lp)
		}
		if motifLen == 1 {
			// no out-of-frame steps exist for a motif of length 1
			total += testParams.OutFrameUp + testParams.OutFrameDown
		}
		assert.InDelta(t, 1, total, 1e-9, "motif length %v", motifLen)
	}
}

func TestLogProbabilityUnitGeom(t *testing.T) {
	params := testParams
	params.InFrameGeom = 1
	m, err := NewGeomModel(params, 2)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(params.InFrameUp), m.LogProbability(0, 2), 1e-12)
	assert.True(t, math.IsInf(m.LogProbability(0, 4), -1))
	assert.False(t, math.IsNaN(m.LogProbability(0, 2)))
}

func TestRefitRecoversParameters(t *testing.T) {
	generator, err := NewGeomModel(testParams, 3)
	require.NoError(t, err)
	var deviations []Deviation
	for d := -300; d <= 300; d++ {
		deviations = append(deviations, Deviation{BpDiff: d, Weight: 1000 * math.Exp(generator.LogProbability(0, d))})
	}
	start, err := NewGeomModel(DefaultGeomParams, 3)
	require.NoError(t, err)
	fit := start.Refit(deviations).(*GeomModel)
	assert.InDelta(t, testParams.InFrameGeom, fit.InFrameGeom, 1e-6)
	assert.InDelta(t, testParams.InFrameUp, fit.InFrameUp, 1e-6)
	assert.InDelta(t, testParams.InFrameDown, fit.InFrameDown, 1e-6)
	assert.InDelta(t, testParams.OutFrameGeom, fit.OutFrameGeom, 1e-6)
	assert.InDelta(t, testParams.OutFrameUp, fit.OutFrameUp, 1e-6)
	assert.InDelta(t, testParams.OutFrameDown, fit.OutFrameDown, 1e-6)
	assert.Equal(t, 3, fit.MotifLen())
	assert.Equal(t, DefaultGeomParams, start.GeomParams, "Refit must not modify its receiver")
}

func TestRefitDoesNotDecreaseExpectedLogLikelihood(t *testing.T) {
	deviations := []Deviation{
		{0, 50}, {4, 3.5}, {-4, 6}, {-8, 1.25}, {1, 0.5}, {-2, 0.75}, {12, 0.1},
	}
	m, err := NewGeomModel(DefaultGeomParams, 4)
	require.NoError(t, err)
	var current Model = m
	previous := expectedLogLikelihood(current, deviations)
	for i := 0; i < 5; i++ {
		current = current.Refit(deviations)
		ll := expectedLogLikelihood(current, deviations)
		assert.GreaterOrEqual(t, ll, previous-1e-9)
		previous = ll
	}
}

func TestRefitWithoutStutterStaysInBounds(t *testing.T) {
	m, err := NewGeomModel(DefaultGeomParams, 2)
	require.NoError(t, err)
	fit := m.Refit([]Deviation{{0, 10}, {0, 5}}).(*GeomModel)
	assert.InDelta(t, MinStepProb, fit.InFrameUp, 1e-15)
	assert.InDelta(t, MinStepProb, fit.OutFrameDown, 1e-15)
	assert.InDelta(t, 1-4*MinStepProb, fit.NoStutter(), 1e-12)
	assert.Equal(t, DefaultGeomParams.InFrameGeom, fit.InFrameGeom)
	assert.Equal(t, DefaultGeomParams.OutFrameGeom, fit.OutFrameGeom)

	unchanged := m.Refit(nil).(*GeomModel)
	assert.Equal(t, m.GeomParams, unchanged.GeomParams)
}

func TestBoundedMultinomial(t *testing.T) {
	probs := boundedMultinomial([]float64{100, 0, 1e-9, 5, 0}, 0.01)
	var sum float64
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.01-1e-15)
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.InDelta(t, 0.97*100/105, probs[0], 1e-12)
	assert.InDelta(t, 0.97*5/105, probs[3], 1e-12)

	unbounded := boundedMultinomial([]float64{1, 1, 2}, 0)
	assert.InDeltaSlice(t, []float64{0.25, 0.25, 0.5}, unbounded, 1e-12)
}

func TestModelFiles(t *testing.T) {
	var out []byte
	out = AppendModel(out, Key{"chr2", 100, 140}, testParams)
	out = AppendModel(out, Key{"chr3", 7, 30}, DefaultGeomParams)
	models, err := ReadModels(bytes.NewReader(append([]byte("# header\n\n"), out...)))
	require.NoError(t, err)
	assert.Len(t, models, 2)
	assert.Equal(t, testParams, models[Key{"chr2", 100, 140}])
	assert.Equal(t, DefaultGeomParams, models[Key{"chr3", 7, 30}])

	_, err = ReadModels(strings.NewReader("chr1\t1\t2\t0.9\n"))
	assert.EqualError(t, err, "stutter model file line 1: expected 9 columns, found 4")

	_, err = ReadModels(strings.NewReader(string(out[:len(out)/2]) + "\n" + "chr1\t1\t2\t0.9\t0.6\t0.6\t0.9\t0\t0\n"))
	assert.Error(t, err)
}
