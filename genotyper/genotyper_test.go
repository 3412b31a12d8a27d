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
)

var uninformative = math.Log(0.5)

// sampleReads builds the input lists of one sample whose reads carry
// no phasing information.
func sampleReads(bps ...int) (reads []int, logP1, logP2 []float64) {
	for _, bp := range bps {
		reads = append(reads, bp)
		logP1 = append(logP1, uninformative)
		logP2 = append(logP2, uninformative)
	}
	return
}

type cohort struct {
	names        []string
	bps          [][]int
	logP1, logP2 [][]float64
}

func (c *cohort) add(name string, bps ...int) {
	reads, p1, p2 := sampleReads(bps...)
	c.names = append(c.names, name)
	c.bps = append(c.bps, reads)
	c.logP1 = append(c.logP1, p1)
	c.logP2 = append(c.logP2, p2)
}

func (c *cohort) genotyper(t *testing.T, locus Locus) *Genotyper {
	g, err := New(locus, c.bps, c.logP1, c.logP2, c.names)
	require.NoError(t, err)
	return g
}

func repeatBp(bp, n int) []int {
	result := make([]int, n)
	for i := range result {
		result[i] = bp
	}
	return result
}

var testLocus = Locus{Chrom: "chr1", Start: 1000, End: 1011, MotifLen: 4, RefAllele: "ACGTACGTACGT"}

func TestAlleleOrder(t *testing.T) {
	var c cohort
	c.add("s1", 8, -4, 0)
	c.add("s2", 4, -4, 12)
	g := c.genotyper(t, testLocus)
	assert.Equal(t, []int{0, -4, 4, 8, 12}, g.AlleleBps())
	assert.Equal(t, 6, g.NumReads())
	assert.Equal(t, 2, g.NumSamples())
	assert.Equal(t, 5, g.NumAlleles())

	first, count := g.SampleReads(1)
	assert.Equal(t, 3, first)
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, g.ReadAllele(0))
	assert.Equal(t, 4, g.ReadAllele(5))
}

func TestReferenceFirstWithoutReferenceReads(t *testing.T) {
	var c cohort
	c.add("s1", 8, 4)
	g := c.genotyper(t, testLocus)
	assert.Equal(t, []int{0, 4, 8}, g.AlleleBps())
}

func TestReferenceDeduplication(t *testing.T) {
	var c cohort
	c.add("s1", 0, 4, 4, 8)
	c.add("s2", 4)
	locus := testLocus
	locus.RefBp = 4
	g := c.genotyper(t, locus)
	assert.Equal(t, []int{4, 0, 8}, g.AlleleBps())
	assert.Equal(t, 3, g.NumAlleles())
	assert.Equal(t, 0, g.ReadAllele(1))
	assert.Equal(t, 0, g.ReadAllele(4))
}

func TestEmptyCohort(t *testing.T) {
	g, err := New(testLocus, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, g.NumAlleles())
	converged, err := g.Train(3, 0.01, 0.001)
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Equal(t, []float64{0, 0}, g.LogLikelihoods())
	calls, err := g.Genotype(true)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestInvalidInput(t *testing.T) {
	names := []string{"s1"}
	cases := []struct {
		name         string
		locus        Locus
		bps          [][]int
		logP1, logP2 [][]float64
		names        []string
	}{
		{"fewer phase likelihoods", testLocus, [][]int{{0, 4}}, [][]float64{{-1}}, [][]float64{{-1, -1}}, names},
		{"more phase likelihoods", testLocus, [][]int{{0}}, [][]float64{{-1}}, [][]float64{{-1, -1}}, names},
		{"missing sample name", testLocus, [][]int{{0}, {4}}, [][]float64{{-1}, {-1}}, [][]float64{{-1}, {-1}}, names},
		{"missing phase list", testLocus, [][]int{{0}}, nil, [][]float64{{-1}}, names},
		{"positive log-likelihood", testLocus, [][]int{{0}}, [][]float64{{0.5}}, [][]float64{{-1}}, names},
		{"NaN log-likelihood", testLocus, [][]int{{0}}, [][]float64{{-1}}, [][]float64{{math.NaN()}}, names},
		{"duplicate sample", testLocus, [][]int{{0}, {4}}, [][]float64{{-1}, {-1}}, [][]float64{{-1}, {-1}}, []string{"s1", "s1"}},
		{"zero motif length", Locus{Chrom: "chr1", Start: 1, End: 4}, [][]int{{0}}, [][]float64{{-1}}, [][]float64{{-1}}, names},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := New(tc.locus, tc.bps, tc.logP1, tc.logP2, tc.names)
			assert.Nil(t, g)
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}

func TestNegativeInfinityPhaseAccepted(t *testing.T) {
	g, err := New(testLocus, [][]int{{0}}, [][]float64{{0}}, [][]float64{{math.Inf(-1)}}, []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, g.NumReads())
}

func TestSampleIndex(t *testing.T) {
	var c cohort
	c.add("NA12878", 0)
	c.add("NA12891", 4)
	g := c.genotyper(t, testLocus)
	index, ok := g.SampleIndex("NA12891")
	assert.True(t, ok)
	assert.Equal(t, 1, index)
	_, ok = g.SampleIndex("NA12892")
	assert.False(t, ok)
	assert.Equal(t, []string{"NA12878", "NA12891"}, g.SampleNames())
}

func TestStutterModelRequired(t *testing.T) {
	var c cohort
	c.add("s1", 0, 0)
	g := c.genotyper(t, testLocus)
	_, err := g.StutterModel()
	assert.True(t, errors.Is(err, ErrNoStutterModel))
	_, err = g.Genotype(true)
	assert.True(t, errors.Is(err, ErrNoStutterModel))
}

func TestSetStutterModelValidation(t *testing.T) {
	var c cohort
	c.add("s1", 0)
	g := c.genotyper(t, testLocus)
	assert.Error(t, g.SetStutterModel(0.9, 0.6, 0.6, 0.9, 0, 0))
	_, err := g.StutterModel()
	assert.True(t, errors.Is(err, ErrNoStutterModel))
	require.NoError(t, g.SetStutterModel(0.9, 0.05, 0.05, 0.9, 0.01, 0.01))
	_, err = g.StutterModel()
	assert.NoError(t, err)
}

func TestPairMajorLayout(t *testing.T) {
	table := newPairMajor(4, 3, 2)
	seen := make(map[int]bool)
	for pair := 0; pair < 4; pair++ {
		for minor := 0; minor < 3; minor++ {
			for slot := 0; slot < 2; slot++ {
				index := table.index(pair, minor, slot)
				assert.False(t, seen[index])
				seen[index] = true
			}
		}
	}
	assert.Len(t, seen, len(table.values))
	table.set(3, 2, 1, -1.5)
	assert.Equal(t, -1.5, table.get(3, 2, 1))
	assert.Equal(t, -1.5, table.values[len(table.values)-1])
}

func TestLogSumExp(t *testing.T) {
	assert.InDelta(t, math.Log(0.75), logSumExp(math.Log(0.5), math.Log(0.25)), 1e-12)
	assert.Equal(t, -2.0, logSumExp(-2, math.Inf(-1)))
	assert.True(t, math.IsInf(logSumExp(math.Inf(-1), math.Inf(-1)), -1))
	assert.InDelta(t, -1000+math.Log(2), logSumExp(-1000, -1000), 1e-9)
}
