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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Key identifies the locus a stutter model was learned for.
type Key struct {
	Chrom      string
	Start, End int32
}

const nofModelFileColumns = 9

// ReadModels reads a stutter model file: one tab-separated line per
// locus with chrom, start, end, and the six GeomParams in declaration
// order. Empty lines and lines starting with '#' are skipped.
func ReadModels(reader io.Reader) (map[Key]GeomParams, error) {
	models := make(map[Key]GeomParams)
	scanner := bufio.NewScanner(reader)
	for lineNr := 1; scanner.Scan(); lineNr++ {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != nofModelFileColumns {
			return nil, fmt.Errorf("stutter model file line %v: expected %v columns, found %v", lineNr, nofModelFileColumns, len(fields))
		}
		var key Key
		key.Chrom = fields[0]
		start, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("stutter model file line %v: %v", lineNr, err)
		}
		end, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("stutter model file line %v: %v", lineNr, err)
		}
		key.Start, key.End = int32(start), int32(end)
		var values [6]float64
		for i := range values {
			if values[i], err = strconv.ParseFloat(fields[3+i], 64); err != nil {
				return nil, fmt.Errorf("stutter model file line %v: %v", lineNr, err)
			}
		}
		params := GeomParams{
			InFrameGeom: values[0], InFrameUp: values[1], InFrameDown: values[2],
			OutFrameGeom: values[3], OutFrameUp: values[4], OutFrameDown: values[5],
		}
		if err = params.Validate(); err != nil {
			return nil, fmt.Errorf("stutter model file line %v: %w", lineNr, err)
		}
		if _, found := models[key]; found {
			return nil, fmt.Errorf("stutter model file line %v: duplicate locus %v:%v-%v", lineNr, key.Chrom, key.Start, key.End)
		}
		models[key] = params
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return models, nil
}

// AppendModel appends the stutter model file line for the given locus
// to out.
func AppendModel(out []byte, key Key, params GeomParams) []byte {
	out = append(out, key.Chrom...)
	out = append(strconv.AppendInt(append(out, '\t'), int64(key.Start), 10), '\t')
	out = strconv.AppendInt(out, int64(key.End), 10)
	for _, value := range [6]float64{
		params.InFrameGeom, params.InFrameUp, params.InFrameDown,
		params.OutFrameGeom, params.OutFrameUp, params.OutFrameDown,
	} {
		out = strconv.AppendFloat(append(out, '\t'), value, 'g', -1, 64)
	}
	return append(out, '\n')
}
