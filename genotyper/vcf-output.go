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
	"strconv"
	"strings"

	"github.com/exascience/elstr/internal"
	"github.com/exascience/elstr/stutter"
	"github.com/exascience/elstr/utils"
	"github.com/exascience/elstr/vcf"
)

// FORMAT keys of the genotype calls.
var (
	GB  = utils.Intern("GB")
	Q   = utils.Intern("Q")
	PQ  = utils.Intern("PQ")
	DP  = utils.Intern("DP")
	PDP = utils.Intern("PDP")
)

var callFormat = []utils.Symbol{vcf.GT, GB, Q, PQ, DP, PDP}

// RunIDKey is the meta-information key of the run identifier.
const RunIDKey = "elstrRunID"

func newFormatInformation(id string, number int32, typ vcf.Type, description string) *vcf.FormatInformation {
	format := vcf.NewFormatInformation()
	format.ID = utils.Intern(id)
	format.Number = number
	format.Type = typ
	format.Description = description
	return format
}

// NewVcfHeader returns the header of a VCF file of genotype calls for
// the given samples.
func NewVcfHeader(sampleNames []string, runID string) *vcf.Header {
	header := vcf.NewHeader()
	header.AddMeta("source", utils.ProgramName+" v"+utils.ProgramVersion)
	if runID != "" {
		header.AddMeta(RunIDKey, runID)
	}
	header.Infos = []*vcf.FormatInformation{
		newFormatInformation("INFRAME_PGEOM", 1, vcf.Float, "Parameter for in-frame geometric step size distribution"),
		newFormatInformation("INFRAME_UP", 1, vcf.Float, "Probability that stutter causes an in-frame increase in obs. STR size"),
		newFormatInformation("INFRAME_DOWN", 1, vcf.Float, "Probability that stutter causes an in-frame decrease in obs. STR size"),
		newFormatInformation("OUTFRAME_PGEOM", 1, vcf.Float, "Parameter for out-of-frame geometric step size distribution"),
		newFormatInformation("OUTFRAME_UP", 1, vcf.Float, "Probability that stutter causes an out-of-frame increase in obs. STR size"),
		newFormatInformation("OUTFRAME_DOWN", 1, vcf.Float, "Probability that stutter causes an out-of-frame decrease in obs. STR size"),
		newFormatInformation("END", 1, vcf.Integer, "Inclusive end coordinate for STR's reference allele"),
	}
	header.Formats = []*vcf.FormatInformation{
		newFormatInformation("GT", 1, vcf.String, "Genotype"),
		newFormatInformation("GB", 1, vcf.String, "Base pair differences of genotype from reference"),
		newFormatInformation("Q", 1, vcf.Float, "Posterior probability of phased genotype"),
		newFormatInformation("PQ", 1, vcf.Float, "Posterior probability of unphased genotype"),
		newFormatInformation("DP", 1, vcf.Integer, "Number of valid reads used for sample's genotype"),
		newFormatInformation("PDP", 1, vcf.String, "Fractional reads supporting each haploid allele"),
	}
	header.SetSampleNames(sampleNames)
	return header
}

// AlleleSequences returns the sequence of every allele. Contractions
// remove bases from the end of the reference sequence; expansions
// append bases that continue its last repeat unit.
func (g *Genotyper) AlleleSequences() ([]string, error) {
	ref := g.RefAllele
	unit := strings.Repeat("N", g.MotifLen)
	if len(ref) >= g.MotifLen {
		unit = ref[len(ref)-g.MotifLen:]
	}
	sequences := make([]string, g.numAlleles)
	for allele, bp := range g.bpsPerAllele {
		switch diff := bp - g.RefBp; {
		case diff == 0:
			sequences[allele] = ref
		case diff < 0:
			if len(ref)+diff <= 0 {
				return nil, fmt.Errorf("allele %v bp of %v:%v deletes the entire %v bp reference sequence",
					diff, g.Chrom, g.Start, len(ref))
			}
			sequences[allele] = ref[:len(ref)+diff]
		default:
			var seq strings.Builder
			seq.Grow(len(ref) + diff)
			seq.WriteString(ref)
			for i := 0; i < diff; i++ {
				seq.WriteByte(unit[i%len(unit)])
			}
			sequences[allele] = seq.String()
		}
	}
	return sequences, nil
}

func phasedPair(a, b string) string {
	return a + "|" + b
}

// VcfRecord returns the VCF record of the given calls of this locus,
// as returned by Genotype.
func (g *Genotyper) VcfRecord(calls []Call) (*vcf.Variant, error) {
	if len(calls) != g.numSamples {
		return nil, fmt.Errorf("%v calls for %v samples at %v:%v", len(calls), g.numSamples, g.Chrom, g.Start)
	}
	model, err := g.StutterModel()
	if err != nil {
		return nil, err
	}
	if g.RefAllele == "" {
		return nil, fmt.Errorf("VCF record for %v:%v needs the reference sequence", g.Chrom, g.Start)
	}
	sequences, err := g.AlleleSequences()
	if err != nil {
		return nil, err
	}
	variant := &vcf.Variant{
		Chrom:          g.Chrom,
		Pos:            g.Start,
		Ref:            sequences[0],
		Alt:            sequences[1:],
		GenotypeFormat: callFormat,
		GenotypeData:   make([]utils.SmallMap, len(calls)),
	}
	variant.Info = infoParams(model)
	variant.Info.Set(vcf.END, int(g.End))
	for sample, call := range calls {
		if call.Reads == 0 {
			variant.GenotypeData[sample] = utils.SmallMap{{Key: vcf.GT, Value: nil}}
			continue
		}
		variant.GenotypeData[sample] = utils.SmallMap{
			{Key: vcf.GT, Value: phasedPair(strconv.Itoa(call.Alleles[0]), strconv.Itoa(call.Alleles[1]))},
			{Key: GB, Value: phasedPair(strconv.Itoa(call.Bps[0]), strconv.Itoa(call.Bps[1]))},
			{Key: Q, Value: internal.RoundFloat(call.Posterior, 4)},
			{Key: PQ, Value: internal.RoundFloat(call.UnphasedPosterior, 4)},
			{Key: DP, Value: call.Reads},
			{Key: PDP, Value: phasedPair(
				strconv.FormatFloat(call.PhasedReads[0], 'f', 2, 64),
				strconv.FormatFloat(call.PhasedReads[1], 'f', 2, 64))},
		}
	}
	return variant, nil
}

func infoParams(model stutter.Model) utils.SmallMap {
	params := model.Params()
	info := make(utils.SmallMap, 0, len(params)+1)
	for _, param := range params {
		info = append(info, utils.SmallMapEntry{Key: utils.Intern(param.Name), Value: param.Value})
	}
	return info
}
