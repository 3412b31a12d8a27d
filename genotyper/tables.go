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

// pairMajor is a dense table indexed by genotype pair first, then by a
// minor coordinate (a sample or a read), then by a slot within that
// coordinate. It is sized once and never resized.
type pairMajor struct {
	nMinor, nSlots int
	values         []float64
}

func newPairMajor(nPairs, nMinor, nSlots int) pairMajor {
	return pairMajor{
		nMinor: nMinor,
		nSlots: nSlots,
		values: make([]float64, nPairs*nMinor*nSlots),
	}
}

func (t pairMajor) index(pair, minor, slot int) int {
	return (pair*t.nMinor+minor)*t.nSlots + slot
}

func (t pairMajor) get(pair, minor, slot int) float64 {
	return t.values[t.index(pair, minor, slot)]
}

func (t pairMajor) set(pair, minor, slot int, value float64) {
	t.values[t.index(pair, minor, slot)] = value
}

func (t pairMajor) fill(value float64) {
	for i := range t.values {
		t.values[i] = value
	}
}

var (
	negInf  = math.Inf(-1)
	logHalf = math.Log(0.5)
)

// logSumExp returns log(exp(a) + exp(b)) without leaving log space.
func logSumExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if math.IsInf(a, -1) {
		return a
	}
	return a + math.Log1p(math.Exp(b-a))
}
