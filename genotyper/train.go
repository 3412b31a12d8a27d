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
	"log"
	"math"
)

// llDecreaseTolerance is the log-likelihood decrease between two EM
// iterations that is still attributed to rounding.
const llDecreaseTolerance = 1e-6

// Train runs the EM algorithm for at most maxIter iterations, starting
// from uniform genotype priors and, unless a stutter model has been
// set, from stutter.DefaultGeomParams. Each iteration performs an
// E-step with the population priors, re-estimates the priors and a
// learned stutter model, and then compares the total log-likelihood to
// that of the previous iteration.
//
// Train returns true as soon as the absolute improvement drops below
// minLLAbsChange or the improvement relative to the previous
// log-likelihood drops below minLLFracChange, and false if maxIter
// iterations pass without either happening. Not converging is not an
// error; the parameters of the last iteration remain in place. A
// stutter model yielding invalid log-probabilities ends training with
// ErrInvalidStutterModel.
func (g *Genotyper) Train(maxIter int, minLLAbsChange, minLLFracChange float64) (bool, error) {
	if maxIter < 0 {
		return false, invalidInput("negative iteration budget %v", maxIter)
	}
	g.initLogGtPriors()
	if g.stutterModel == nil {
		g.initStutterModel()
	}
	g.logLikelihoods = g.logLikelihoods[:0]

	var prevLL float64
	for iter := 0; iter < maxIter; iter++ {
		ll, err := g.eStep(PopulationPriors)
		if err != nil {
			return false, err
		}
		g.logLikelihoods = append(g.logLikelihoods, ll)

		g.recalcLogGtPriors()
		g.recalcStutterModel()

		if iter > 0 {
			absChange := ll - prevLL
			if absChange < -llDecreaseTolerance {
				log.Printf("Warning: log-likelihood of %v:%v decreased from %v to %v in EM iteration %v",
					g.Chrom, g.Start, prevLL, ll, iter+1)
			}
			var fracChange float64
			if prevLL != 0 {
				fracChange = absChange / math.Abs(prevLL)
			}
			if absChange < minLLAbsChange || fracChange < minLLFracChange {
				return true, nil
			}
		}
		prevLL = ll
	}
	return false, nil
}
