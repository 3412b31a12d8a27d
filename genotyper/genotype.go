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

import "math"

// A Call is the maximum a posteriori genotype of one sample.
type Call struct {
	Sample string

	// Allele indices and bp deviations on phase 1 and phase 2.
	Alleles [2]int
	Bps     [2]int

	// Posterior of the phased genotype, and of the genotype regardless
	// of phase.
	Posterior, UnphasedPosterior float64

	Reads       int        // reads with phasing information
	PhasedReads [2]float64 // expected reads on each phase
}

// Homozygous reports whether both phases carry the same allele.
func (c Call) Homozygous() bool {
	return c.Alleles[0] == c.Alleles[1]
}

// Genotype performs a final E-step and returns the maximum a
// posteriori genotype of every sample, in sample index order. With
// usePopFreqs false, samples with supplied allele priors use those
// instead of the population priors. Ties between genotypes go to the
// lowest pair index.
//
// Genotype needs a stutter model, set or learned, and returns
// ErrNoStutterModel otherwise. It does not modify the priors or the
// stutter model. Reads without phasing information are not counted.
func (g *Genotyper) Genotype(usePopFreqs bool) ([]Call, error) {
	if g.stutterModel == nil {
		return nil, ErrNoStutterModel
	}
	if !g.priorsInitialized {
		g.initLogGtPriors()
	}
	source := PopulationPriors
	if !usePopFreqs {
		source = SampleAllelePriors
	}
	if _, err := g.eStep(source); err != nil {
		return nil, err
	}

	nPairs := g.numPairs()
	calls := make([]Call, g.numSamples)
	for sample := range calls {
		best, bestLP := 0, g.logSamplePosteriors.get(0, sample, 0)
		for pair := 1; pair < nPairs; pair++ {
			if lp := g.logSamplePosteriors.get(pair, sample, 0); lp > bestLP {
				best, bestLP = pair, lp
			}
		}
		a, b := best/g.numAlleles, best%g.numAlleles
		unphased := bestLP
		if a != b {
			unphased = logSumExp(bestLP, g.logSamplePosteriors.get(g.pair(b, a), sample, 0))
		}
		call := Call{
			Sample:            g.sampleNames[sample],
			Alleles:           [2]int{a, b},
			Bps:               [2]int{g.bpsPerAllele[a], g.bpsPerAllele[b]},
			Posterior:         math.Exp(bestLP),
			UnphasedPosterior: math.Exp(unphased),
		}
		first, count := g.sampleReadStart[sample], g.readsPerSample[sample]
		for read := first; read < first+count; read++ {
			if !g.informative(read) {
				continue
			}
			call.Reads++
			call.PhasedReads[0] += math.Exp(g.logReadPhasePosteriors.get(best, read, 0))
			call.PhasedReads[1] += math.Exp(g.logReadPhasePosteriors.get(best, read, 1))
		}
		calls[sample] = call
	}
	return calls, nil
}
