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

package genotyper

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elstr/stutter"
)

func testCohort() *cohort {
	var c cohort
	c.add("s1", append(repeatBp(0, 6), 4)...)
	c.add("s2", append(repeatBp(0, 4), repeatBp(4, 4)...)...)
	c.add("s3", append(append(repeatBp(4, 5), repeatBp(8, 4)...), 5)...)
	c.add("s4", append(repeatBp(-4, 3), repeatBp(0, 3)...)...)
	c.add("s5")
	return &c
}

func TestHomozygousReferenceFullyPhased(t *testing.T) {
	g, err := New(testLocus, [][]int{{0, 0}}, [][]float64{{0, 0}}, [][]float64{{math.Inf(-1), math.Inf(-1)}}, []string{"s1"})
	require.NoError(t, err)
	_, err = g.Train(10, 0.01, 0.001)
	require.NoError(t, err)
	calls, err := g.Genotype(true)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, [2]int{0, 0}, call.Alleles)
	assert.Equal(t, [2]int{0, 0}, call.Bps)
	assert.True(t, call.Homozygous())
	assert.InDelta(t, 1, call.Posterior, 1e-9)
	assert.Equal(t, 2, call.Reads)
	assert.InDelta(t, 2, call.PhasedReads[0], 1e-9)
	assert.InDelta(t, 0, call.PhasedReads[1], 1e-9)
}

func TestTrainLearnsInFrameStutter(t *testing.T) {
	var c cohort
	c.add("hom", repeatBp(4, 10)...)
	c.add("het", append(repeatBp(0, 5), repeatBp(4, 5)...)...)
	g := c.genotyper(t, testLocus)
	_, err := g.Train(5, 1e-9, 1e-12)
	require.NoError(t, err)

	model, err := g.StutterModel()
	require.NoError(t, err)
	geom, ok := model.(*stutter.GeomModel)
	require.True(t, ok)
	assert.Greater(t, geom.InFrameMass(), geom.OutFrameMass())

	calls, err := g.Genotype(true)
	require.NoError(t, err)
	assert.Equal(t, [2]int{4, 4}, calls[0].Bps)
	assert.ElementsMatch(t, []int{0, 4}, calls[1].Bps[:])
	assert.False(t, calls[1].Homozygous())
	assert.GreaterOrEqual(t, calls[1].UnphasedPosterior, calls[1].Posterior)
	assert.Greater(t, calls[1].UnphasedPosterior, 0.9)
}

func TestPosteriorsNormalized(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	_, err := g.Train(5, 1e-6, 1e-9)
	require.NoError(t, err)
	_, err = g.Genotype(true)
	require.NoError(t, err)

	n := g.NumAlleles()
	for sample := 0; sample < g.NumSamples(); sample++ {
		var total float64
		for a := 0; a < n; a++ {
			for b := 0; b < n; b++ {
				total += math.Exp(g.LogSamplePosterior(a, b, sample))
			}
		}
		assert.InDelta(t, 1, total, 1e-9, "sample %v", sample)
	}
	for read := 0; read < g.NumReads(); read++ {
		for a := 0; a < n; a++ {
			for b := 0; b < n; b++ {
				p0 := math.Exp(g.LogReadPhasePosterior(a, b, read, 0))
				p1 := math.Exp(g.LogReadPhasePosterior(a, b, read, 1))
				assert.InDelta(t, 1, p0+p1, 1e-9, "read %v pair (%v, %v)", read, a, b)
			}
		}
	}
	var priors float64
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			priors += math.Exp(g.LogGenotypePrior(a, b))
		}
	}
	assert.InDelta(t, 1, priors, 1e-9)
}

func TestLogLikelihoodNonDecreasing(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	converged, err := g.Train(25, 0, 0)
	require.NoError(t, err)
	lls := g.LogLikelihoods()
	require.NotEmpty(t, lls)
	assert.LessOrEqual(t, len(lls), 25)
	if !converged {
		assert.Len(t, lls, 25)
	}
	for i := 1; i < len(lls); i++ {
		assert.GreaterOrEqual(t, lls[i], lls[i-1]-llDecreaseTolerance, "iteration %v", i+1)
	}
}

func TestTrainConverges(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	converged, err := g.Train(100, 1e-3, 1e-6)
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Less(t, len(g.LogLikelihoods()), 100)
}

func TestTrainBudgetExhausted(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	converged, err := g.Train(1, 1e9, 1e9)
	require.NoError(t, err)
	assert.False(t, converged)
	assert.Len(t, g.LogLikelihoods(), 1)
}

func TestTrainZeroIterations(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	require.NoError(t, g.SetStutterModel(0.8, 0.04, 0.08, 0.7, 0.01, 0.02))
	before, err := g.StutterModel()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		converged, err := g.Train(0, 0.01, 0.001)
		require.NoError(t, err)
		assert.False(t, converged)
		assert.Empty(t, g.LogLikelihoods())
		after, err := g.StutterModel()
		require.NoError(t, err)
		assert.Equal(t, before.Params(), after.Params())
		uniform := -math.Log(float64(g.NumAlleles() * g.NumAlleles()))
		for a := 0; a < g.NumAlleles(); a++ {
			for b := 0; b < g.NumAlleles(); b++ {
				assert.InDelta(t, uniform, g.LogGenotypePrior(a, b), 1e-12)
			}
		}
	}
}

func TestTrainNegativeIterations(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	_, err := g.Train(-1, 0.01, 0.001)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestFixedStutterModelKept(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	require.NoError(t, g.SetStutterModel(0.8, 0.04, 0.08, 0.7, 0.01, 0.02))
	before, _ := g.StutterModel()
	_, err := g.Train(5, 1e-9, 1e-12)
	require.NoError(t, err)
	after, _ := g.StutterModel()
	assert.Equal(t, before.Params(), after.Params())
}

func TestLearnedStutterModelRefit(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	_, err := g.Train(3, 1e-9, 1e-12)
	require.NoError(t, err)
	model, err := g.StutterModel()
	require.NoError(t, err)
	geom := model.(*stutter.GeomModel)
	assert.NotEqual(t, stutter.DefaultGeomParams, geom.GeomParams)
	for _, bp := range g.AlleleBps() {
		for _, obs := range g.AlleleBps() {
			assert.LessOrEqual(t, model.LogProbability(bp, obs), 0.0)
		}
	}
}

func TestGenotypeDeterministic(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	_, err := g.Train(10, 1e-3, 1e-6)
	require.NoError(t, err)
	first, err := g.Genotype(true)
	require.NoError(t, err)
	second, err := g.Genotype(true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenotypeWithoutTraining(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	require.NoError(t, g.SetStutterModel(0.9, 0.05, 0.05, 0.9, 0.01, 0.01))
	calls, err := g.Genotype(true)
	require.NoError(t, err)
	require.Len(t, calls, 5)
	assert.Equal(t, "s1", calls[0].Sample)
	assert.Equal(t, [2]int{0, 0}, calls[0].Bps)
	assert.Equal(t, [2]int{4, 8}, calls[2].Bps)
}

func TestGenotypeTieBreak(t *testing.T) {
	g := testCohort().genotyper(t, testLocus)
	require.NoError(t, g.SetStutterModel(0.9, 0.05, 0.05, 0.9, 0.01, 0.01))
	calls, err := g.Genotype(true)
	require.NoError(t, err)
	noReads := calls[4]
	assert.Equal(t, 0, noReads.Reads)
	assert.Equal(t, [2]int{0, 0}, noReads.Alleles)
	assert.InDelta(t, 1/float64(g.NumAlleles()*g.NumAlleles()), noReads.Posterior, 1e-12)
}

func TestGenotypeUsesPhasing(t *testing.T) {
	var c cohort
	c.add("s1")
	c.logP1[0] = nil
	c.logP2[0] = nil
	likely, unlikely := math.Log(0.99), math.Log(0.01)
	for i := 0; i < 5; i++ {
		c.bps[0] = append(c.bps[0], 0, 4)
		c.logP1[0] = append(c.logP1[0], unlikely, likely)
		c.logP2[0] = append(c.logP2[0], likely, unlikely)
	}
	g := c.genotyper(t, testLocus)
	require.NoError(t, g.SetStutterModel(0.9, 0.01, 0.01, 0.9, 0.001, 0.001))
	calls, err := g.Genotype(true)
	require.NoError(t, err)
	call := calls[0]
	assert.Equal(t, [2]int{4, 0}, call.Bps)
	assert.Greater(t, call.Posterior, 0.9)
	assert.InDelta(t, 5, call.PhasedReads[0], 0.2)
	assert.InDelta(t, 5, call.PhasedReads[1], 0.2)
}

func TestUnphasedReadContributesNothing(t *testing.T) {
	g, err := New(testLocus, [][]int{{0}}, [][]float64{{math.Inf(-1)}}, [][]float64{{math.Inf(-1)}}, []string{"s1"})
	require.NoError(t, err)
	_, err = g.Train(2, 1e-3, 1e-6)
	require.NoError(t, err)
	for _, ll := range g.LogLikelihoods() {
		assert.Equal(t, 0.0, ll)
	}
	assert.Equal(t, 0.0, g.LogSamplePosterior(0, 0, 0))
	assert.Equal(t, logHalf, g.LogReadPhasePosterior(0, 0, 0, 0))
	calls, err := g.Genotype(true)
	require.NoError(t, err)
	assert.Equal(t, 0, calls[0].Reads)
}

func TestUnphasedReadInMixedCohort(t *testing.T) {
	var c cohort
	c.add("good", append(repeatBp(0, 20), repeatBp(4, 20)...)...)
	c.add("bad", repeatBp(8, 30)...)
	c.bps[1] = append(c.bps[1], -8)
	c.logP1[1] = append(c.logP1[1], math.Inf(-1))
	c.logP2[1] = append(c.logP2[1], math.Inf(-1))
	g := c.genotyper(t, testLocus)

	_, err := g.Train(30, 0, 0)
	require.NoError(t, err)
	lls := g.LogLikelihoods()
	require.NotEmpty(t, lls)
	for i := 1; i < len(lls); i++ {
		assert.GreaterOrEqual(t, lls[i], lls[i-1]-llDecreaseTolerance, "iteration %v", i+1)
	}

	model, err := g.StutterModel()
	require.NoError(t, err)
	assert.Less(t, model.(*stutter.GeomModel).InFrameUp, 0.1)

	calls, err := g.Genotype(true)
	require.NoError(t, err)
	bad := calls[1]
	assert.Equal(t, [2]int{8, 8}, bad.Bps)
	assert.Greater(t, bad.Posterior, 0.9)
	assert.Equal(t, 30, bad.Reads)
	assert.ElementsMatch(t, []int{0, 4}, calls[0].Bps[:])
}

// tableModel is a fixed stutter model that returns lp for every pair of
// sizes.
type tableModel struct {
	lp func(trueBp, observedBp int) float64
}

func (m tableModel) LogProbability(trueBp, observedBp int) float64 {
	return m.lp(trueBp, observedBp)
}

func (m tableModel) Refit([]stutter.Deviation) stutter.Model { return m }
func (m tableModel) MotifLen() int                           { return 4 }
func (m tableModel) Params() []stutter.Param                 { return nil }

func TestUnexplainedSampleLeftOutOfPriors(t *testing.T) {
	var c cohort
	c.add("good", 0, 0, 4, 4)
	c.add("bad", 8)
	g := c.genotyper(t, testLocus)
	g.SetModel(tableModel{func(trueBp, observedBp int) float64 {
		switch {
		case observedBp == 8:
			return math.Inf(-1)
		case trueBp == observedBp:
			return math.Log(0.9)
		default:
			return math.Log(0.05)
		}
	}})

	_, err := g.Train(5, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(9), g.LogSamplePosterior(2, 2, 1), 1e-12)

	var withEight float64
	for a := 0; a < g.NumAlleles(); a++ {
		for b := 0; b < g.NumAlleles(); b++ {
			if a == 2 || b == 2 {
				withEight += math.Exp(g.LogGenotypePrior(a, b))
			}
		}
	}
	assert.Less(t, withEight, 0.05)
}

func TestInvalidStutterModel(t *testing.T) {
	for _, lp := range []float64{math.NaN(), 0.5} {
		lp := lp
		g := testCohort().genotyper(t, testLocus)
		g.SetModel(tableModel{func(int, int) float64 { return lp }})
		_, err := g.Train(3, 1e-3, 1e-6)
		assert.True(t, errors.Is(err, ErrInvalidStutterModel), "lp %v", lp)
		_, err = g.Genotype(true)
		assert.True(t, errors.Is(err, ErrInvalidStutterModel), "lp %v", lp)
	}
}
