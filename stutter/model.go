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

// Package stutter models PCR and sequencing stutter at short tandem
// repeat loci: the probability of observing a read of a given size
// when the template carries a given true allele size.
package stutter

// Deviation is a posterior-weighted observation of the difference in
// bp between an observed read size and the true allele it was
// generated from.
type Deviation struct {
	BpDiff int
	Weight float64
}

// Param is a named model parameter, as reported by Model.Params.
type Param struct {
	Name  string
	Value float64
}

// Model is the capability the EM genotyper needs from a stutter model.
//
// LogProbability must return a valid log-probability (<= 0) for all
// pairs of sizes. Refit returns a new model of the same family fit to
// the given weighted deviations; the receiver is left unchanged.
type Model interface {
	LogProbability(trueBp, observedBp int) float64
	Refit(deviations []Deviation) Model
	MotifLen() int
	Params() []Param
}
