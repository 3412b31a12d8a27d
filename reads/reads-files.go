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
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"

	"github.com/exascience/elstr/genotyper"
	"github.com/exascience/elstr/internal"
)

// Line tags of a reads file.
const (
	SamplesTag = "#SAMPLES"
	LocusTag   = "LOCUS"
	ReadTag    = "READ"
)

const maxLineSize = 1 << 20

// A Reader reads the loci of a reads file one by one. It also
// implements pipeline.Source, delivering batches of *Locus.
type Reader struct {
	rc            io.ReadCloser
	scanner       *bufio.Scanner
	name          string
	lines         int
	sampleNames   []string
	sampleIndices map[string]int
	next          *Locus
	err           error
	data          []*Locus
}

// Open opens a reads file and parses its #SAMPLES line. See
// internal.Open for the supported names.
func Open(ctx context.Context, name string) (*Reader, error) {
	rc, err := internal.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := newReader(rc, name)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return r, nil
}

// NewReader returns a Reader for an already opened reads file.
func NewReader(r io.Reader) (*Reader, error) {
	return newReader(io.NopCloser(r), "reads")
}

func newReader(rc io.ReadCloser, name string) (*Reader, error) {
	r := &Reader{rc: rc, scanner: bufio.NewScanner(rc), name: name}
	r.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	fields, err := r.nextLine()
	if err == io.EOF {
		return nil, pfx.Err(fmt.Errorf("%v: missing %v line", name, SamplesTag))
	} else if err != nil {
		return nil, err
	}
	if fields[0] != SamplesTag {
		return nil, r.lineErr("expected %v line, got %v", SamplesTag, fields[0])
	}
	r.sampleNames = fields[1:]
	r.sampleIndices = make(map[string]int, len(r.sampleNames))
	for i, sample := range r.sampleNames {
		if _, found := r.sampleIndices[sample]; found {
			return nil, r.lineErr("duplicate sample %v", sample)
		}
		r.sampleIndices[sample] = i
	}
	return r, nil
}

func (r *Reader) lineErr(format string, v ...interface{}) error {
	return pfx.Err(fmt.Errorf("%v line %v: %v", r.name, r.lines, fmt.Sprintf(format, v...)))
}

// nextLine returns the fields of the next line with content, or
// io.EOF.
func (r *Reader) nextLine() ([]string, error) {
	for r.scanner.Scan() {
		r.lines++
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" || (line[0] == '#' && !strings.HasPrefix(line, SamplesTag)) {
			continue
		}
		return strings.Split(line, "\t"), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, pfx.Err(fmt.Errorf("%v line %v: %w", r.name, r.lines+1, err))
	}
	return nil, io.EOF
}

// SampleNames returns the samples of the #SAMPLES line.
func (r *Reader) SampleNames() []string {
	return r.sampleNames
}

func (r *Reader) parseLocus(fields []string) (*Locus, error) {
	if len(fields) != 6 {
		return nil, r.lineErr("%v line has %v fields, expected 6", LocusTag, len(fields))
	}
	start, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return nil, r.lineErr("invalid start %v", fields[2])
	}
	end, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil || end < start {
		return nil, r.lineErr("invalid end %v", fields[3])
	}
	motifLen, err := strconv.Atoi(fields[4])
	if err != nil || motifLen <= 0 {
		return nil, r.lineErr("invalid motif length %v", fields[4])
	}
	ref := fields[5]
	if ref == "." {
		ref = ""
	}
	return &Locus{
		Locus: genotyper.Locus{
			Chrom:     fields[1],
			Start:     int32(start),
			End:       int32(end),
			MotifLen:  motifLen,
			RefAllele: ref,
		},
		SampleNames: r.sampleNames,
	}, nil
}

func (r *Reader) parseRead(fields []string) (read Read, err error) {
	if len(fields) != 5 {
		return read, r.lineErr("%v line has %v fields, expected 5", ReadTag, len(fields))
	}
	sample, ok := r.sampleIndices[fields[1]]
	if !ok {
		return read, r.lineErr("unknown sample %v", fields[1])
	}
	read.Sample = sample
	if read.BpDiff, err = strconv.Atoi(fields[2]); err != nil {
		return read, r.lineErr("invalid bp difference %v", fields[2])
	}
	if read.LogP1, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return read, r.lineErr("invalid phase 1 log-likelihood %v", fields[3])
	}
	if read.LogP2, err = strconv.ParseFloat(fields[4], 64); err != nil {
		return read, r.lineErr("invalid phase 2 log-likelihood %v", fields[4])
	}
	return read, nil
}

// Next returns the next locus with all its reads, or io.EOF after the
// last one.
func (r *Reader) Next() (*Locus, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		fields, err := r.nextLine()
		if err == io.EOF {
			locus := r.next
			r.next = nil
			if locus == nil {
				r.err = io.EOF
				return nil, io.EOF
			}
			return locus, nil
		} else if err != nil {
			r.err = err
			return nil, err
		}
		switch fields[0] {
		case LocusTag:
			locus, err := r.parseLocus(fields)
			if err != nil {
				r.err = err
				return nil, err
			}
			if previous := r.next; previous != nil {
				r.next = locus
				return previous, nil
			}
			r.next = locus
		case ReadTag:
			if r.next == nil {
				r.err = r.lineErr("%v line before the first %v line", ReadTag, LocusTag)
				return nil, r.err
			}
			read, err := r.parseRead(fields)
			if err != nil {
				r.err = err
				return nil, err
			}
			r.next.Reads = append(r.next.Reads, read)
		case SamplesTag:
			r.err = r.lineErr("repeated %v line", SamplesTag)
			return nil, r.err
		default:
			r.err = r.lineErr("unknown line tag %v", fields[0])
			return nil, r.err
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.rc.Close()
}

// Err implements the corresponding method of pipeline.Source
func (r *Reader) Err() error {
	if r.err != io.EOF {
		return r.err
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (r *Reader) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (r *Reader) Fetch(size int) (fetched int) {
	r.data = make([]*Locus, 0, size)
	for fetched < size {
		locus, err := r.Next()
		if err != nil {
			break
		}
		r.data = append(r.data, locus)
		fetched++
	}
	return fetched
}

// Data implements the corresponding method of pipeline.Source
func (r *Reader) Data() interface{} {
	return r.data
}
