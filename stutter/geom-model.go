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
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams is returned for stutter parameters that do not
// describe a probability distribution.
var ErrInvalidParams = errors.New("invalid stutter model parameters")

// Bounds enforced by GeomModel.Refit.
const (
	MinStepProb = 1e-6
	MinGeom     = 0.01
	MaxGeom     = 0.999
)

// GeomParams are the six parameters of the geometric stutter model.
//
// The Up and Down entries are the probabilities of an expansion or a
// contraction of the given kind; the Geom entries are the parameters
// of the geometric distributions of the step sizes. In-frame steps are
// counted in repeat units, out-of-frame steps in bp that are not part
// of a whole repeat unit.
type GeomParams struct {
	InFrameGeom, InFrameUp, InFrameDown    float64
	OutFrameGeom, OutFrameUp, OutFrameDown float64
}

// DefaultGeomParams is the starting point for training when no stutter
// model is supplied.
var DefaultGeomParams = GeomParams{
	InFrameGeom: 0.9, InFrameUp: 0.05, InFrameDown: 0.05,
	OutFrameGeom: 0.9, OutFrameUp: 0.01, OutFrameDown: 0.01,
}

// NoStutter is the probability of observing the true allele size.
func (p GeomParams) NoStutter() float64 {
	return 1 - p.InFrameUp - p.InFrameDown - p.OutFrameUp - p.OutFrameDown
}

func validProb(x float64) bool {
	return x >= 0 && x <= 1
}

// Validate checks that the parameters describe a distribution.
func (p GeomParams) Validate() error {
	for _, geom := range [2]float64{p.InFrameGeom, p.OutFrameGeom} {
		if !(geom > 0 && geom <= 1) {
			return fmt.Errorf("%w: geometric parameter %v not in (0, 1]", ErrInvalidParams, geom)
		}
	}
	for _, step := range [4]float64{p.InFrameUp, p.InFrameDown, p.OutFrameUp, p.OutFrameDown} {
		if !validProb(step) {
			return fmt.Errorf("%w: step probability %v not in [0, 1]", ErrInvalidParams, step)
		}
	}
	if p.NoStutter() < 0 {
		return fmt.Errorf("%w: step probabilities sum to more than 1", ErrInvalidParams)
	}
	return nil
}

type stepClass int

const (
	noStep stepClass = iota
	inFrameUp
	inFrameDown
	outFrameUp
	outFrameDown
	nofStepClasses
)

// GeomModel is a Model where the probability of a stutter event
// decays geometrically with its size, separately for steps that are
// whole repeat units and for steps that are not.
type GeomModel struct {
	GeomParams
	motifLen int

	logClass                 [nofStepClasses]float64
	logInGeom, log1mInGeom   float64
	logOutGeom, log1mOutGeom float64
}

// NewGeomModel returns a GeomModel for a locus with the given motif
// length in bp.
func NewGeomModel(params GeomParams, motifLen int) (*GeomModel, error) {
	if motifLen <= 0 {
		return nil, fmt.Errorf("%w: motif length %v", ErrInvalidParams, motifLen)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return newGeomModel(params, motifLen), nil
}

func newGeomModel(params GeomParams, motifLen int) *GeomModel {
	m := &GeomModel{GeomParams: params, motifLen: motifLen}
	m.logClass[noStep] = math.Log(params.NoStutter())
	m.logClass[inFrameUp] = math.Log(params.InFrameUp)
	m.logClass[inFrameDown] = math.Log(params.InFrameDown)
	m.logClass[outFrameUp] = math.Log(params.OutFrameUp)
	m.logClass[outFrameDown] = math.Log(params.OutFrameDown)
	m.logInGeom = math.Log(params.InFrameGeom)
	m.log1mInGeom = math.Log1p(-params.InFrameGeom)
	m.logOutGeom = math.Log(params.OutFrameGeom)
	m.log1mOutGeom = math.Log1p(-params.OutFrameGeom)
	return m
}

// MotifLen returns the repeat unit length in bp.
func (m *GeomModel) MotifLen() int {
	return m.motifLen
}

// classify returns the step class of a bp difference and its size:
// repeat units for in-frame steps, non-unit bp for out-of-frame steps.
func (m *GeomModel) classify(bpDiff int) (class stepClass, steps int) {
	if bpDiff == 0 {
		return noStep, 0
	}
	size := bpDiff
	if size < 0 {
		size = -size
	}
	if size%m.motifLen == 0 {
		if bpDiff > 0 {
			return inFrameUp, size / m.motifLen
		}
		return inFrameDown, size / m.motifLen
	}
	steps = size - size/m.motifLen
	if bpDiff > 0 {
		return outFrameUp, steps
	}
	return outFrameDown, steps
}

// LogProbability returns the natural log of the probability of
// observing a read of observedBp when the true allele is trueBp.
func (m *GeomModel) LogProbability(trueBp, observedBp int) float64 {
	class, steps := m.classify(observedBp - trueBp)
	result := m.logClass[class]
	switch class {
	case inFrameUp, inFrameDown:
		result += m.logInGeom
		if steps > 1 {
			result += float64(steps-1) * m.log1mInGeom
		}
	case outFrameUp, outFrameDown:
		result += m.logOutGeom
		if steps > 1 {
			result += float64(steps-1) * m.log1mOutGeom
		}
	}
	return result
}

func clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// boundedMultinomial maximizes sum(counts[i] * log(p[i])) subject to
// sum(p) == 1 and p[i] >= floor for all i. The categories pinned to the
// floor only grow from one round to the next, so the loop terminates
// after at most len(counts) rounds.
func boundedMultinomial(counts []float64, floor float64) []float64 {
	probs := make([]float64, len(counts))
	pinned := make([]bool, len(counts))
	for {
		var free float64
		nofPinned := 0
		for i, c := range counts {
			if pinned[i] {
				nofPinned++
			} else {
				free += c
			}
		}
		mass := 1 - floor*float64(nofPinned)
		nofFree := len(counts) - nofPinned
		changed := false
		for i, c := range counts {
			if pinned[i] {
				probs[i] = floor
				continue
			}
			var p float64
			if free > 0 {
				p = mass * c / free
			} else {
				p = mass / float64(nofFree)
			}
			if p < floor {
				pinned[i] = true
				changed = true
			}
			probs[i] = p
		}
		if !changed {
			return probs
		}
	}
}

// Refit returns the maximum-likelihood GeomModel for the weighted
// deviations, within the bounds MinStepProb, MinGeom and MaxGeom.
// Geometric parameters without any supporting weight keep their
// current values.
func (m *GeomModel) Refit(deviations []Deviation) Model {
	var counts [nofStepClasses]float64
	var inExtra, outExtra float64
	for _, dev := range deviations {
		if !(dev.Weight > 0) {
			continue
		}
		class, steps := m.classify(dev.BpDiff)
		counts[class] += dev.Weight
		switch class {
		case inFrameUp, inFrameDown:
			inExtra += dev.Weight * float64(steps-1)
		case outFrameUp, outFrameDown:
			outExtra += dev.Weight * float64(steps-1)
		}
	}
	var total float64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return newGeomModel(m.GeomParams, m.motifLen)
	}
	probs := boundedMultinomial(counts[:], MinStepProb)
	params := GeomParams{
		InFrameGeom:  m.InFrameGeom,
		InFrameUp:    probs[inFrameUp],
		InFrameDown:  probs[inFrameDown],
		OutFrameGeom: m.OutFrameGeom,
		OutFrameUp:   probs[outFrameUp],
		OutFrameDown: probs[outFrameDown],
	}
	if n := counts[inFrameUp] + counts[inFrameDown]; n > 0 {
		params.InFrameGeom = clamp(n/(n+inExtra), MinGeom, MaxGeom)
	}
	if n := counts[outFrameUp] + counts[outFrameDown]; n > 0 {
		params.OutFrameGeom = clamp(n/(n+outExtra), MinGeom, MaxGeom)
	}
	return newGeomModel(params, m.motifLen)
}

// Params lists the parameters under their VCF INFO names.
func (m *GeomModel) Params() []Param {
	return []Param{
		{"INFRAME_PGEOM", m.InFrameGeom},
		{"INFRAME_UP", m.InFrameUp},
		{"INFRAME_DOWN", m.InFrameDown},
		{"OUTFRAME_PGEOM", m.OutFrameGeom},
		{"OUTFRAME_UP", m.OutFrameUp},
		{"OUTFRAME_DOWN", m.OutFrameDown},
	}
}

// InFrameMass is the total probability of a whole-unit stutter event.
func (m *GeomModel) InFrameMass() float64 {
	return m.InFrameUp + m.InFrameDown
}

// OutFrameMass is the total probability of a partial-unit stutter event.
func (m *GeomModel) OutFrameMass() float64 {
	return m.OutFrameUp + m.OutFrameDown
}

func (m *GeomModel) String() string {
	return fmt.Sprintf("inframe(geom=%.4g up=%.4g down=%.4g) outframe(geom=%.4g up=%.4g down=%.4g) motif=%d",
		m.InFrameGeom, m.InFrameUp, m.InFrameDown, m.OutFrameGeom, m.OutFrameUp, m.OutFrameDown, m.motifLen)
}
