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

package reads

import (
	"context"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/exascience/pargo/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReads = `#SAMPLES	NA12878	NA12891
# comment
LOCUS	chr1	1000	1011	4	ACGTACGTACGT
READ	NA12891	4	-0.1	-2.3
READ	NA12878	0	-0.69	-0.69

READ	NA12891	0	0	-inf
LOCUS	chr1	5000	5009	2	.
LOCUS	chr2	200	205	2	ACACAC
READ	NA12878	-2	-1	-1
`

func TestReader(t *testing.T) {
	r, err := NewReader(strings.NewReader(testReads))
	require.NoError(t, err)
	assert.Equal(t, []string{"NA12878", "NA12891"}, r.SampleNames())

	locus, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "chr1", locus.Chrom)
	assert.Equal(t, int32(1000), locus.Start)
	assert.Equal(t, int32(1011), locus.End)
	assert.Equal(t, 4, locus.MotifLen)
	assert.Equal(t, "ACGTACGTACGT", locus.RefAllele)
	require.Len(t, locus.Reads, 3)
	assert.Equal(t, Read{Sample: 1, BpDiff: 4, LogP1: -0.1, LogP2: -2.3}, locus.Reads[0])
	assert.True(t, math.IsInf(locus.Reads[2].LogP2, -1))

	bps, logP1, logP2 := locus.Lists()
	assert.Equal(t, [][]int{{0}, {4, 0}}, bps)
	assert.Equal(t, [][]float64{{-0.69}, {-0.1, 0}}, logP1)
	assert.Len(t, logP2[1], 2)

	g, err := locus.NewGenotyper()
	require.NoError(t, err)
	assert.Equal(t, 3, g.NumReads())
	assert.Equal(t, []int{0, 4}, g.AlleleBps())

	locus, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, int32(5000), locus.Start)
	assert.Empty(t, locus.Reads)
	assert.Equal(t, "", locus.RefAllele)

	locus, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "chr2", locus.Chrom)
	assert.Len(t, locus.Reads, 1)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, r.Err())
}

func TestReaderErrors(t *testing.T) {
	cases := []struct {
		name, text, line string
	}{
		{"read before locus", "#SAMPLES\tS1\nREAD\tS1\t0\t0\t0\n", "line 2"},
		{"unknown sample", "#SAMPLES\tS1\nLOCUS\tchr1\t1\t4\t2\tACAC\nREAD\tS2\t0\t0\t0\n", "line 3"},
		{"bad bp", "#SAMPLES\tS1\nLOCUS\tchr1\t1\t4\t2\tACAC\nREAD\tS1\tx\t0\t0\n", "line 3"},
		{"bad likelihood", "#SAMPLES\tS1\n\nLOCUS\tchr1\t1\t4\t2\tACAC\nREAD\tS1\t0\tp\t0\n", "line 4"},
		{"bad motif", "#SAMPLES\tS1\nLOCUS\tchr1\t1\t4\t0\tACAC\n", "line 2"},
		{"end before start", "#SAMPLES\tS1\nLOCUS\tchr1\t10\t4\t2\tACAC\n", "line 2"},
		{"short locus", "#SAMPLES\tS1\nLOCUS\tchr1\t1\t4\n", "line 2"},
		{"unknown tag", "#SAMPLES\tS1\nLOCUS\tchr1\t1\t4\t2\tACAC\nSNP\tS1\n", "line 3"},
		{"repeated samples", "#SAMPLES\tS1\n#SAMPLES\tS1\n", "line 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewReader(strings.NewReader(tc.text))
			require.NoError(t, err)
			for err == nil {
				_, err = r.Next()
			}
			require.NotEqual(t, io.EOF, err)
			assert.Contains(t, err.Error(), tc.line)
			assert.Error(t, r.Err())
		})
	}
}

func TestReaderHeaderErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"LOCUS\tchr1\t1\t4\t2\tACAC\n",
		"#SAMPLES\tS1\tS1\n",
	} {
		_, err := NewReader(strings.NewReader(text))
		assert.Error(t, err, "%q", text)
	}
}

func TestReaderPipelineSource(t *testing.T) {
	r, err := NewReader(strings.NewReader(testReads))
	require.NoError(t, err)
	var starts []int32
	var p pipeline.Pipeline
	p.Source(r)
	p.SetVariableBatchSize(1, 2)
	p.Add(pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		for _, locus := range data.([]*Locus) {
			starts = append(starts, locus.Start)
		}
		return data
	})))
	p.Run()
	require.NoError(t, p.Err())
	assert.Equal(t, []int32{1000, 5000, 200}, starts)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), "/nonexistent/elstr.reads")
	assert.Error(t, err)
}
