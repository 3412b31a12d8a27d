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
	"fmt"
	"math"
	"strconv"

	"github.com/willf/bitset"

	"github.com/exascience/elstr/utils"
	"github.com/exascience/elstr/vcf"
)

// PriorSource selects the genotype priors consulted by the E-step.
type PriorSource int

const (
	// PopulationPriors are the genotype priors learned across all
	// samples.
	PopulationPriors PriorSource = iota

	// SampleAllelePriors are the per-sample priors supplied with
	// SetAllelePriors. Samples without supplied priors fall back to
	// the population priors.
	SampleAllelePriors
)

func (source PriorSource) String() string {
	switch source {
	case PopulationPriors:
		return "population"
	case SampleAllelePriors:
		return "sample allele"
	default:
		return "invalid prior source " + strconv.Itoa(int(source))
	}
}

// MinAllelePrior is the smallest per-haplotype allele probability
// taken from supplied allele priors.
const MinAllelePrior = 1e-4

// FORMAT keys of supplied per-haplotype allele probabilities.
var (
	AP1 = utils.Intern("AP1")
	AP2 = utils.Intern("AP2")
)

func (g *Genotyper) initLogGtPriors() {
	g.logGtPriors.fill(-math.Log(float64(g.numPairs())))
	g.priorsInitialized = true
}

// recalcLogGtPriors sets each genotype prior to its expected frequency
// under the current, normalized posteriors of the explained samples.
func (g *Genotyper) recalcLogGtPriors() {
	if g.numSamples == 0 {
		g.initLogGtPriors()
		return
	}
	nPairs := g.numPairs()
	mass := make([]float64, nPairs)
	var total float64
	for pair := 0; pair < nPairs; pair++ {
		var sum float64
		for sample := 0; sample < g.numSamples; sample++ {
			if g.explained[sample] {
				sum += math.Exp(g.logSamplePosteriors.get(pair, sample, 0))
			}
		}
		mass[pair] = sum
		total += sum
	}
	if total == 0 {
		g.initLogGtPriors()
		return
	}
	logTotal := math.Log(total)
	for pair, sum := range mass {
		g.logGtPriors.set(pair, 0, 0, math.Log(sum)-logTotal)
	}
}

// logPrior returns the log-prior of a pair for a sample under the
// given source.
func (g *Genotyper) logPrior(source PriorSource, pair, sample int) float64 {
	if source == SampleAllelePriors && g.hasAllelePriors != nil && g.hasAllelePriors.Test(uint(sample)) {
		return g.logAllelePriors.get(pair, sample, 0)
	}
	return g.logGtPriors.get(pair, 0, 0)
}

func formatFloats(value interface{}) ([]float64, bool) {
	var entries []interface{}
	switch v := value.(type) {
	case []interface{}:
		entries = v
	case nil:
		return nil, false
	default:
		entries = []interface{}{v}
	}
	result := make([]float64, len(entries))
	for i, entry := range entries {
		switch e := entry.(type) {
		case float64:
			result[i] = e
		case int:
			result[i] = float64(e)
		case string:
			f, err := strconv.ParseFloat(e, 64)
			if err != nil {
				return nil, false
			}
			result[i] = f
		default:
			return nil, false
		}
	}
	return result, true
}

// haplotypeLogPriors maps the VCF probabilities of the ALT alleles to
// log-probabilities of this locus' alleles. VCF alleles that are not
// candidate alleles here are ignored; candidates that the VCF does not
// list get MinAllelePrior.
func (g *Genotyper) haplotypeLogPriors(vcfIndices []int, altProbs []float64) []float64 {
	refProb := 1.0
	for _, p := range altProbs {
		refProb -= p
	}
	probs := make([]float64, g.numAlleles)
	var total float64
	for allele, vcfIndex := range vcfIndices {
		p := 0.0
		switch {
		case vcfIndex == 0:
			p = refProb
		case vcfIndex > 0:
			p = altProbs[vcfIndex-1]
		}
		if p < MinAllelePrior {
			p = MinAllelePrior
		}
		probs[allele] = p
		total += p
	}
	for allele, p := range probs {
		probs[allele] = math.Log(p / total)
	}
	return probs
}

// SetAllelePriors loads per-sample allele priors for this locus from
// the AP1 and AP2 FORMAT fields of a VCF record: the probabilities of
// each ALT allele on the first and the second haplotype. The
// probability of the reference allele is one minus their sum. VCF
// alleles are matched to candidate alleles by sequence, which requires
// the locus reference sequence.
//
// Samples that are absent from the VCF, or that have missing AP
// values, keep the population priors.
func (g *Genotyper) SetAllelePriors(header *vcf.Header, variant *vcf.Variant) error {
	if g.RefAllele == "" {
		return fmt.Errorf("allele priors for %v:%v need the reference sequence", g.Chrom, g.Start)
	}
	sequences, err := g.AlleleSequences()
	if err != nil {
		return err
	}
	vcfAlleles := make(map[string]int, len(variant.Alt)+1)
	vcfAlleles[variant.Ref] = 0
	for i, alt := range variant.Alt {
		vcfAlleles[alt] = i + 1
	}
	vcfIndices := make([]int, g.numAlleles)
	for allele, seq := range sequences {
		if index, ok := vcfAlleles[seq]; ok {
			vcfIndices[allele] = index
		} else {
			vcfIndices[allele] = -1
		}
	}

	vcfSamples := header.SampleNames()
	if len(variant.GenotypeData) != len(vcfSamples) {
		return fmt.Errorf("allele prior record %v:%v has %v samples, but the header lists %v",
			variant.Chrom, variant.Pos, len(variant.GenotypeData), len(vcfSamples))
	}

	if g.hasAllelePriors == nil {
		g.logAllelePriors = newPairMajor(g.numPairs(), g.numSamples, 1)
		g.hasAllelePriors = bitset.New(uint(g.numSamples))
	} else {
		g.hasAllelePriors.ClearAll()
	}

	for i, name := range vcfSamples {
		sample, ok := g.sampleIndices[name]
		if !ok {
			continue
		}
		data := variant.GenotypeData[i]
		ap1, ok1 := data.Get(AP1)
		ap2, ok2 := data.Get(AP2)
		if !ok1 || !ok2 {
			continue
		}
		probs1, ok1 := formatFloats(ap1)
		probs2, ok2 := formatFloats(ap2)
		if !ok1 || !ok2 {
			continue
		}
		if len(probs1) != len(variant.Alt) || len(probs2) != len(variant.Alt) {
			return fmt.Errorf("allele prior record %v:%v has %v and %v AP values for sample %v, but %v ALT alleles",
				variant.Chrom, variant.Pos, len(probs1), len(probs2), name, len(variant.Alt))
		}
		log1 := g.haplotypeLogPriors(vcfIndices, probs1)
		log2 := g.haplotypeLogPriors(vcfIndices, probs2)
		for a := 0; a < g.numAlleles; a++ {
			for b := 0; b < g.numAlleles; b++ {
				g.logAllelePriors.set(g.pair(a, b), sample, 0, log1[a]+log2[b])
			}
		}
		g.hasAllelePriors.Set(uint(sample))
	}
	return nil
}

// HasAllelePriors reports whether supplied priors are in use for the
// given sample.
func (g *Genotyper) HasAllelePriors(sample int) bool {
	return g.hasAllelePriors != nil && g.hasAllelePriors.Test(uint(sample))
}
