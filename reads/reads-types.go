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

// Package reads parses reads files: per-locus lists of STR reads with
// their bp deviations from the reference allele and their phasing
// log-likelihoods, the input of the EM genotyper.
//
// A reads file is tab-separated text:
//
//	#SAMPLES	S1	S2	...
//	LOCUS	chrom	start	end	motif_len	ref_sequence
//	READ	sample	bp_diff	log_p1	log_p2
//
// The #SAMPLES line comes first and fixes the sample order. Every LOCUS
// line starts a new locus, and READ lines belong to the last LOCUS line
// before them. Empty lines and other lines starting with # are ignored.
package reads

import "github.com/exascience/elstr/genotyper"

// Read is one STR read.
type Read struct {
	Sample       int // index into the #SAMPLES line
	BpDiff       int
	LogP1, LogP2 float64
}

// Locus is an STR locus with all its reads.
type Locus struct {
	genotyper.Locus
	Reads       []Read
	SampleNames []string // shared by all loci of a file
}

// Lists returns the bp deviations and phasing log-likelihoods of the
// reads, grouped per sample in the order of SampleNames.
func (locus *Locus) Lists() (bps [][]int, logP1, logP2 [][]float64) {
	n := len(locus.SampleNames)
	bps = make([][]int, n)
	logP1 = make([][]float64, n)
	logP2 = make([][]float64, n)
	for _, read := range locus.Reads {
		bps[read.Sample] = append(bps[read.Sample], read.BpDiff)
		logP1[read.Sample] = append(logP1[read.Sample], read.LogP1)
		logP2[read.Sample] = append(logP2[read.Sample], read.LogP2)
	}
	return
}

// NewGenotyper returns a Genotyper for the locus.
func (locus *Locus) NewGenotyper() (*genotyper.Genotyper, error) {
	bps, logP1, logP2 := locus.Lists()
	return genotyper.New(locus.Locus, bps, logP1, logP2, locus.SampleNames)
}
