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
	"math"

	"github.com/exascience/pargo/parallel"
	"gonum.org/v1/gonum/floats"
)

// readLogTerms returns the log-likelihoods of a read coming from phase
// 1 with true allele a, and from phase 2 with true allele b.
func (g *Genotyper) readLogTerms(read, a, b int) (l1, l2 float64) {
	obs := g.alleleIndex[read]
	return g.logP1[read] + g.logStutter[g.pair(a, obs)],
		g.logP2[read] + g.logStutter[g.pair(b, obs)]
}

// sampleLogPosteriors stores the normalized log-posteriors of all pairs
// for one sample and returns the log-likelihood of its reads. joint is
// scratch space of one entry per pair.
func (g *Genotyper) sampleLogPosteriors(source PriorSource, sample int, joint []float64) float64 {
	first, count := g.sampleReadStart[sample], g.readsPerSample[sample]
	for a := 0; a < g.numAlleles; a++ {
		for b := 0; b < g.numAlleles; b++ {
			pair := g.pair(a, b)
			ll := g.logPrior(source, pair, sample)
			for read := first; read < first+count; read++ {
				if g.informative(read) {
					ll += logSumExp(g.readLogTerms(read, a, b))
				}
			}
			joint[pair] = ll
		}
	}
	total := floats.LogSumExp(joint)
	g.explained[sample] = !math.IsInf(total, -1)
	if !g.explained[sample] {
		// no genotype explains the reads, which leaves nothing to learn
		uniform := -math.Log(float64(len(joint)))
		for pair := range joint {
			g.logSamplePosteriors.set(pair, sample, 0, uniform)
		}
		return 0
	}
	for pair, ll := range joint {
		g.logSamplePosteriors.set(pair, sample, 0, ll-total)
	}
	return total
}

// recalcLogSamplePosteriors is the first half of the E-step. It
// returns the total log-likelihood of all samples, the EM objective.
func (g *Genotyper) recalcLogSamplePosteriors(source PriorSource) float64 {
	nPairs := g.numPairs()
	return parallel.RangeReduceFloat64(0, g.numSamples, 0, func(low, high int) float64 {
		joint := make([]float64, nPairs)
		var ll float64
		for sample := low; sample < high; sample++ {
			ll += g.sampleLogPosteriors(source, sample, joint)
		}
		return ll
	}, func(x, y float64) float64 {
		return x + y
	})
}

// recalcLogReadPhasePosteriors is the second half of the E-step: for
// every pair and read, the posterior of each phase given that the pair
// is the true genotype.
func (g *Genotyper) recalcLogReadPhasePosteriors() {
	parallel.Range(0, g.numReads, 0, func(low, high int) {
		for read := low; read < high; read++ {
			for a := 0; a < g.numAlleles; a++ {
				for b := 0; b < g.numAlleles; b++ {
					pair := g.pair(a, b)
					l1, l2 := g.readLogTerms(read, a, b)
					if total := logSumExp(l1, l2); math.IsInf(total, -1) {
						g.logReadPhasePosteriors.set(pair, read, 0, logHalf)
						g.logReadPhasePosteriors.set(pair, read, 1, logHalf)
					} else {
						g.logReadPhasePosteriors.set(pair, read, 0, l1-total)
						g.logReadPhasePosteriors.set(pair, read, 1, l2-total)
					}
				}
			}
		}
	})
}

// eStep caches the stutter log-probabilities for the current model and
// recomputes both posterior tables.
func (g *Genotyper) eStep(source PriorSource) (float64, error) {
	if err := g.cacheLogStutter(); err != nil {
		return 0, err
	}
	ll := g.recalcLogSamplePosteriors(source)
	g.recalcLogReadPhasePosteriors()
	return ll, nil
}
