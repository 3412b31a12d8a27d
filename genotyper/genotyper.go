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

// Package genotyper genotypes a short tandem repeat locus across a
// cohort of samples with an expectation-maximization procedure that
// jointly estimates genotype priors, a stutter model, and per-sample
// genotype posteriors from per-read size observations and phasing
// likelihoods.
//
// All probabilities are kept as natural logarithms.
package genotyper

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/willf/bitset"

	"github.com/exascience/elstr/stutter"
)

var (
	// ErrInvalidInput is wrapped by all precondition violations
	// detected while constructing a Genotyper.
	ErrInvalidInput = errors.New("invalid locus input")

	// ErrNoStutterModel is returned when an operation needs a stutter
	// model before one has been set or learned.
	ErrNoStutterModel = errors.New("no stutter model has been specified or learned")

	// ErrInvalidStutterModel is returned by Train and Genotype when the
	// stutter model yields NaN or a positive log-probability.
	ErrInvalidStutterModel = errors.New("stutter model returned an invalid log-probability")
)

// Locus describes the genomic location of an STR.
type Locus struct {
	Chrom      string
	Start, End int32 // 1-based, inclusive
	MotifLen   int
	RefBp      int    // bp value of the reference allele, usually 0
	RefAllele  string // reference sequence, only needed for VCF alleles
}

// Key returns the stutter model file key of the locus.
func (l Locus) Key() stutter.Key {
	return stutter.Key{Chrom: l.Chrom, Start: l.Start, End: l.End}
}

// A Genotyper holds the reads of one locus and the EM state derived
// from them. The read, sample, and allele counts are fixed at
// construction, and so are the sizes of all posterior tables.
type Genotyper struct {
	Locus

	numReads, numSamples, numAlleles int

	alleleIndex  []int     // allele index of each read
	logP1, logP2 []float64 // phasing log-likelihoods of each read
	sampleLabel  []int     // sample index of each read

	// reads whose phasing log-likelihoods are both -Inf carry no
	// information and are left out of the likelihood
	unphased *bitset.BitSet

	sampleNames     []string
	sampleIndices   map[string]int
	readsPerSample  []int
	sampleReadStart []int

	// whether some genotype explains the reads of a sample in the last
	// E-step; unexplained samples are left out of the M-step
	explained []bool

	bpsPerAllele []int

	stutterModel stutter.Model
	fixedStutter bool

	logGtPriors            pairMajor // pairs x 1 x 1
	logSamplePosteriors    pairMajor // pairs x samples x 1
	logReadPhasePosteriors pairMajor // pairs x reads x 2

	// only allocated once allele priors are supplied
	logAllelePriors pairMajor // pairs x samples x 1
	hasAllelePriors *bitset.BitSet

	priorsInitialized bool
	logLikelihoods    []float64
	logStutter        []float64 // true allele x observed allele
}

func invalidInput(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrInvalidInput, fmt.Sprintf(format, v...))
}

// New constructs a Genotyper. bps, logP1, and logP2 hold one list per
// sample, in the order of sampleNames, with the bp deviation and the
// two phasing log-likelihoods of each read.
//
// Any malformed input results in an error that wraps ErrInvalidInput.
func New(locus Locus, bps [][]int, logP1, logP2 [][]float64, sampleNames []string) (*Genotyper, error) {
	if len(bps) != len(logP1) || len(bps) != len(logP2) || len(bps) != len(sampleNames) {
		return nil, invalidInput("%v read lists, %v and %v phasing lists, and %v sample names",
			len(bps), len(logP1), len(logP2), len(sampleNames))
	}
	if locus.MotifLen <= 0 {
		return nil, invalidInput("motif length %v", locus.MotifLen)
	}

	g := &Genotyper{
		Locus:         locus,
		numSamples:    len(sampleNames),
		sampleNames:   append([]string(nil), sampleNames...),
		sampleIndices: make(map[string]int, len(sampleNames)),
	}
	for i, name := range sampleNames {
		if _, found := g.sampleIndices[name]; found {
			return nil, invalidInput("duplicate sample name %v", name)
		}
		g.sampleIndices[name] = i
	}

	alleleSizes := make(map[int]bool)
	for i := range bps {
		if len(bps[i]) != len(logP1[i]) || len(bps[i]) != len(logP2[i]) {
			return nil, invalidInput("sample %v has %v reads, but %v and %v phasing likelihoods",
				sampleNames[i], len(bps[i]), len(logP1[i]), len(logP2[i]))
		}
		for _, bp := range bps[i] {
			alleleSizes[bp] = true
		}
		g.numReads += len(bps[i])
	}

	// the reference allele comes first, the others in ascending order
	delete(alleleSizes, locus.RefBp)
	g.bpsPerAllele = make([]int, 0, len(alleleSizes)+1)
	for bp := range alleleSizes {
		g.bpsPerAllele = append(g.bpsPerAllele, bp)
	}
	sort.Ints(g.bpsPerAllele)
	g.bpsPerAllele = append([]int{locus.RefBp}, g.bpsPerAllele...)
	g.numAlleles = len(g.bpsPerAllele)
	alleleIndices := make(map[int]int, g.numAlleles)
	for i, bp := range g.bpsPerAllele {
		alleleIndices[bp] = i
	}

	g.alleleIndex = make([]int, g.numReads)
	g.logP1 = make([]float64, g.numReads)
	g.logP2 = make([]float64, g.numReads)
	g.sampleLabel = make([]int, g.numReads)
	g.readsPerSample = make([]int, g.numSamples)
	g.sampleReadStart = make([]int, g.numSamples)
	g.explained = make([]bool, g.numSamples)
	g.unphased = bitset.New(uint(g.numReads))

	readIndex := 0
	for i := range bps {
		g.sampleReadStart[i] = readIndex
		g.readsPerSample[i] = len(bps[i])
		for j, bp := range bps[i] {
			p1, p2 := logP1[i][j], logP2[i][j]
			if !(p1 <= 0) || !(p2 <= 0) {
				return nil, invalidInput("read %v of sample %v has phasing log-likelihoods %v and %v, which must be <= 0",
					j, sampleNames[i], p1, p2)
			}
			g.alleleIndex[readIndex] = alleleIndices[bp]
			g.logP1[readIndex] = p1
			g.logP2[readIndex] = p2
			if math.IsInf(p1, -1) && math.IsInf(p2, -1) {
				g.unphased.Set(uint(readIndex))
			}
			g.sampleLabel[readIndex] = i
			readIndex++
		}
	}

	nPairs := g.numAlleles * g.numAlleles
	g.logGtPriors = newPairMajor(nPairs, 1, 1)
	g.logSamplePosteriors = newPairMajor(nPairs, g.numSamples, 1)
	g.logReadPhasePosteriors = newPairMajor(nPairs, g.numReads, 2)
	g.logStutter = make([]float64, nPairs)
	return g, nil
}

func (g *Genotyper) pair(a, b int) int {
	return a*g.numAlleles + b
}

func (g *Genotyper) numPairs() int {
	return g.numAlleles * g.numAlleles
}

// NumReads returns the total number of reads across all samples.
func (g *Genotyper) NumReads() int { return g.numReads }

// NumSamples returns the number of samples.
func (g *Genotyper) NumSamples() int { return g.numSamples }

// NumAlleles returns the number of candidate alleles.
func (g *Genotyper) NumAlleles() int { return g.numAlleles }

// AlleleBps returns the bp value of each allele, reference first.
func (g *Genotyper) AlleleBps() []int {
	return append([]int(nil), g.bpsPerAllele...)
}

// SampleNames returns the sample names in sample index order.
func (g *Genotyper) SampleNames() []string {
	return append([]string(nil), g.sampleNames...)
}

// SampleIndex returns the index of the named sample.
func (g *Genotyper) SampleIndex(name string) (int, bool) {
	index, ok := g.sampleIndices[name]
	return index, ok
}

// SampleReads returns the index of the first read of a sample and its
// number of reads. The reads of a sample are contiguous.
func (g *Genotyper) SampleReads(sample int) (first, count int) {
	return g.sampleReadStart[sample], g.readsPerSample[sample]
}

// ReadAllele returns the allele index a read was assigned to.
func (g *Genotyper) ReadAllele(read int) int {
	return g.alleleIndex[read]
}

// LogGenotypePrior returns the current population log-prior of the
// ordered genotype (a, b).
func (g *Genotyper) LogGenotypePrior(a, b int) float64 {
	return g.logGtPriors.get(g.pair(a, b), 0, 0)
}

// LogSamplePosterior returns the normalized log-posterior of the
// ordered genotype (a, b) for a sample, as of the last E-step.
func (g *Genotyper) LogSamplePosterior(a, b, sample int) float64 {
	return g.logSamplePosteriors.get(g.pair(a, b), sample, 0)
}

// LogReadPhasePosterior returns the log-posterior that a read stems
// from the given phase (0 or 1) if the genotype (a, b) is correct, as
// of the last E-step.
func (g *Genotyper) LogReadPhasePosterior(a, b, read, phase int) float64 {
	return g.logReadPhasePosteriors.get(g.pair(a, b), read, phase)
}

// LogLikelihoods returns the total log-likelihood of each iteration of
// the last call to Train.
func (g *Genotyper) LogLikelihoods() []float64 {
	return append([]float64(nil), g.logLikelihoods...)
}

// SetStutterModel fixes a geometric stutter model with the given
// parameters, replacing any previous model. A fixed model is used as
// is by Train and Genotype.
func (g *Genotyper) SetStutterModel(inFrameGeom, inFrameUp, inFrameDown, outFrameGeom, outFrameUp, outFrameDown float64) error {
	model, err := stutter.NewGeomModel(stutter.GeomParams{
		InFrameGeom: inFrameGeom, InFrameUp: inFrameUp, InFrameDown: inFrameDown,
		OutFrameGeom: outFrameGeom, OutFrameUp: outFrameUp, OutFrameDown: outFrameDown,
	}, g.MotifLen)
	if err != nil {
		return err
	}
	g.SetModel(model)
	return nil
}

// SetModel fixes an arbitrary stutter model, replacing any previous
// model.
func (g *Genotyper) SetModel(model stutter.Model) {
	g.stutterModel = model
	g.fixedStutter = true
}

// StutterModel returns the current stutter model.
func (g *Genotyper) StutterModel() (stutter.Model, error) {
	if g.stutterModel == nil {
		return nil, ErrNoStutterModel
	}
	return g.stutterModel, nil
}

func (g *Genotyper) initStutterModel() {
	model, err := stutter.NewGeomModel(stutter.DefaultGeomParams, g.MotifLen)
	if err != nil {
		// the motif length is checked in New, and the defaults are valid
		panic(err)
	}
	g.stutterModel = model
	g.fixedStutter = false
}

// cacheLogStutter tabulates the stutter log-probability of every
// observed allele for every true allele.
func (g *Genotyper) cacheLogStutter() error {
	for trueIndex, trueBp := range g.bpsPerAllele {
		for obsIndex, obsBp := range g.bpsPerAllele {
			lp := g.stutterModel.LogProbability(trueBp, obsBp)
			if math.IsNaN(lp) || lp > 0 {
				return fmt.Errorf("%w: %v for true size %v and observed size %v at %v:%v",
					ErrInvalidStutterModel, lp, trueBp, obsBp, g.Chrom, g.Start)
			}
			g.logStutter[g.pair(trueIndex, obsIndex)] = lp
		}
	}
	return nil
}

// informative reports whether a read takes part in the likelihood.
func (g *Genotyper) informative(read int) bool {
	return !g.unphased.Test(uint(read))
}
