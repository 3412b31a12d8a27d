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
	"sort"

	"github.com/exascience/pargo/parallel"

	"github.com/exascience/elstr/stutter"
)

type deviationWeights map[int]float64

func mergeDeviationWeights(x, y interface{}) interface{} {
	w1, w2 := x.(deviationWeights), y.(deviationWeights)
	if len(w1) < len(w2) {
		w1, w2 = w2, w1
	}
	for diff, weight := range w2 {
		w1[diff] += weight
	}
	return w1
}

// expectedDeviations weighs every observed stutter deviation by the
// posterior of the genotype and phase that would produce it.
func (g *Genotyper) expectedDeviations() []stutter.Deviation {
	weights := parallel.RangeReduce(0, g.numSamples, 0, func(low, high int) interface{} {
		weights := make(deviationWeights)
		for sample := low; sample < high; sample++ {
			if !g.explained[sample] {
				continue
			}
			first, count := g.sampleReadStart[sample], g.readsPerSample[sample]
			for a := 0; a < g.numAlleles; a++ {
				for b := 0; b < g.numAlleles; b++ {
					pair := g.pair(a, b)
					gtWeight := math.Exp(g.logSamplePosteriors.get(pair, sample, 0))
					if gtWeight == 0 {
						continue
					}
					for read := first; read < first+count; read++ {
						if !g.informative(read) {
							continue
						}
						obsBp := g.bpsPerAllele[g.alleleIndex[read]]
						w1 := gtWeight * math.Exp(g.logReadPhasePosteriors.get(pair, read, 0))
						w2 := gtWeight * math.Exp(g.logReadPhasePosteriors.get(pair, read, 1))
						weights[obsBp-g.bpsPerAllele[a]] += w1
						weights[obsBp-g.bpsPerAllele[b]] += w2
					}
				}
			}
		}
		return weights
	}, mergeDeviationWeights).(deviationWeights)

	deviations := make([]stutter.Deviation, 0, len(weights))
	for diff, weight := range weights {
		deviations = append(deviations, stutter.Deviation{BpDiff: diff, Weight: weight})
	}
	sort.Slice(deviations, func(i, j int) bool {
		return deviations[i].BpDiff < deviations[j].BpDiff
	})
	return deviations
}

// recalcStutterModel is the stutter half of the M-step. Fixed models
// are left alone.
func (g *Genotyper) recalcStutterModel() {
	if g.fixedStutter {
		return
	}
	g.stutterModel = g.stutterModel.Refit(g.expectedDeviations())
}
