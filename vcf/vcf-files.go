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

package vcf

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/exascience/elstr/internal"
)

// InputFile represents a VCF file for input: local, gzip-compressed,
// or a Google Cloud Storage object.
type InputFile struct {
	rc io.ReadCloser
	*bufio.Reader
	lines  int
	parser *VariantParser
	sc     StringScanner
}

// OutputFile represents a VCF file for output, gzip-compressed when
// its name ends in .gz.
type OutputFile struct {
	wc io.WriteCloser
	*bufio.Writer
}

// Open a VCF file for input. See internal.Open for the supported
// names.
func Open(ctx context.Context, name string) (*InputFile, error) {
	rc, err := internal.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &InputFile{rc: rc, Reader: bufio.NewReader(rc)}, nil
}

// ParseHeader parses the header of the VCF file and prepares parsing
// of its variant lines.
func (input *InputFile) ParseHeader() (*Header, error) {
	hdr, lines, err := ParseHeader(input.Reader)
	input.lines += lines
	if err != nil {
		return nil, err
	}
	if input.parser, err = hdr.NewVariantParser(); err != nil {
		return nil, err
	}
	return hdr, nil
}

// ParseVariant parses the next variant line. It returns io.EOF after
// the last line.
func (input *InputFile) ParseVariant() (*Variant, error) {
	if input.parser == nil {
		return nil, fmt.Errorf("VCF variant requested before the header was parsed")
	}
	for {
		line, err := getLine(input.Reader)
		if err != nil {
			return nil, err
		}
		input.lines++
		if line == "" {
			continue
		}
		input.sc.Reset(line)
		variant := input.sc.ParseVariant(input.parser)
		if err := input.sc.Err(); err != nil {
			return nil, fmt.Errorf("%v, in VCF line %v", err, input.lines)
		}
		return variant, nil
	}
}

// Close the VCF input file.
func (input *InputFile) Close() error {
	return input.rc.Close()
}

// Create a VCF file for output. See internal.Create for the supported
// names.
func Create(name string) (*OutputFile, error) {
	wc, err := internal.Create(name)
	if err != nil {
		return nil, err
	}
	return &OutputFile{wc, bufio.NewWriter(wc)}, nil
}

// Close flushes and closes the VCF output file.
func (output *OutputFile) Close() error {
	if err := output.Flush(); err != nil {
		_ = output.wc.Close()
		return err
	}
	return output.wc.Close()
}
