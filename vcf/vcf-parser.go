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
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/exascience/elstr/utils"
)

const (
	descriptionKey = "Description"
	idKey          = "ID"
	numberKey      = "Number"
	typeKey        = "Type"
)

// parseMetaField parses a key=value pair inside angle brackets. Values
// may be double-quoted, with backslash escapes.
func (sc *StringScanner) parseMetaField() (key, value string) {
	sc.SkipSpace()
	key = sc.readUntilBytes([]byte{' ', '='})
	sc.SkipSpace()
	if c, ok := sc.peek(); !ok || c != '=' {
		sc.setErr("invalid key=value pair in a VCF meta-information line: %v", sc.data)
		return
	}
	sc.index++
	if c, ok := sc.peek(); ok && c == '"' {
		sc.index++
		var buf strings.Builder
		for ; sc.index < len(sc.data); sc.index++ {
			switch sc.data[sc.index] {
			case '"':
				sc.index++
				return key, buf.String()
			case '\\':
				sc.index++
				if sc.index == len(sc.data) {
					continue
				}
			}
			_ = buf.WriteByte(sc.data[sc.index])
		}
		sc.setErr("missing closing \" in a VCF meta-information line: %v", sc.data)
		return key, buf.String()
	}
	return key, sc.readUntilBytes([]byte{',', '>'})
}

// parseAngleBrackets calls field for every key=value pair of a
// <key=value,...> meta-information value.
func (sc *StringScanner) parseAngleBrackets(field func(key, value string)) {
	if c, ok := sc.peek(); !ok || c != '<' {
		sc.setErr("missing < in a VCF meta-information line: %v", sc.data)
		return
	}
	sc.index++
	for sc.err == nil {
		key, value := sc.parseMetaField()
		if sc.err != nil {
			return
		}
		field(key, value)
		sc.SkipSpace()
		c, ok := sc.peek()
		switch {
		case ok && c == ',':
			sc.index++
		case ok && c == '>':
			sc.index++
			return
		default:
			sc.setErr("invalid syntax in a VCF meta-information line: %v", sc.data)
		}
	}
}

// ParseMetaInformation parses the value of a meta-information line,
// which is either an unstructured string or a *MetaInformation.
func (sc *StringScanner) ParseMetaInformation() interface{} {
	if c, ok := sc.peek(); !ok || c != '<' {
		start := sc.index
		sc.index = len(sc.data)
		return sc.data[start:]
	}
	meta := NewMetaInformation()
	sc.parseAngleBrackets(func(key, value string) {
		switch key {
		case idKey:
			if meta.ID != nil {
				sc.setErr("multiple IDs in a VCF meta-information line: %v", sc.data)
			}
			meta.ID = utils.Intern(value)
		case descriptionKey:
			meta.Description = value
		default:
			if !meta.Fields.SetUniqueEntry(key, value) {
				sc.setErr("duplicate field key %v in a VCF meta-information line: %v", key, sc.data)
			}
		}
	})
	if meta.ID == nil {
		sc.setErr("missing ID in a VCF meta-information line: %v", sc.data)
	}
	return meta
}

func parseNumber(value string) (int32, error) {
	switch value {
	case "a", "A":
		return NumberA, nil
	case "r", "R":
		return NumberR, nil
	case "g", "G":
		return NumberG, nil
	case ".":
		return NumberDot, nil
	}
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return InvalidNumber, err
	}
	if n < 0 {
		return InvalidNumber, fmt.Errorf("negative Number %v", n)
	}
	return int32(n), nil
}

func parseType(value string) Type {
	for t, name := range typeNames {
		if t > 0 && name == value {
			return Type(t)
		}
	}
	return InvalidType
}

// ParseFormatInformation parses the value of an INFO or FORMAT
// meta-information line.
func (sc *StringScanner) ParseFormatInformation() *FormatInformation {
	format := NewFormatInformation()
	sc.parseAngleBrackets(func(key, value string) {
		switch key {
		case idKey:
			if format.ID != nil {
				sc.setErr("multiple IDs in a VCF INFO/FORMAT meta-information line: %v", sc.data)
			}
			format.ID = utils.Intern(value)
		case descriptionKey:
			format.Description = value
		case numberKey:
			n, err := parseNumber(value)
			if err != nil {
				sc.setErr("%v in a VCF INFO/FORMAT meta-information line: %v", err, sc.data)
			}
			format.Number = n
		case typeKey:
			if format.Type = parseType(value); format.Type == InvalidType {
				sc.setErr("unknown type in a VCF INFO/FORMAT meta-information line: %v", sc.data)
			}
		default:
			if !format.Fields.SetUniqueEntry(key, value) {
				sc.setErr("duplicate field key %v in a VCF meta-information line: %v", key, sc.data)
			}
		}
	})
	switch {
	case format.ID == nil:
		sc.setErr("missing ID in a VCF INFO/FORMAT meta-information line: %v", sc.data)
	case format.Number <= InvalidNumber:
		sc.setErr("missing Number entry in a VCF INFO/FORMAT meta-information line: %v", sc.data)
	case format.Type == InvalidType:
		sc.setErr("missing Type in a VCF INFO/FORMAT meta-information line: %v", sc.data)
	}
	return format
}

func getLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), err
}

// ParseHeader parses a VCF header, up to and including the #CHROM
// line. It also returns the number of lines read.
func ParseHeader(reader *bufio.Reader) (hdr *Header, lines int, err error) {
	line, err := getLine(reader)
	if err != nil {
		return nil, 0, err
	}
	lines++
	if !strings.HasPrefix(line, fileFormatVersionLinePrefix) {
		return nil, lines, errors.New("invalid first line in a VCF file")
	}
	hdr = &Header{FileFormat: line}
	var sc StringScanner
	for {
		line, err = getLine(reader)
		if err == io.EOF {
			return nil, lines, errors.New("unexpected end of VCF header")
		} else if err != nil {
			return nil, lines, err
		}
		lines++
		switch {
		case strings.HasPrefix(line, "##"):
			sc.Reset(line[2:])
			key, found := sc.readUntilByte('=')
			if !found {
				return nil, lines, fmt.Errorf("invalid syntax in VCF header line %v", lines)
			}
			switch key {
			case "fileformat":
				return nil, lines, errors.New("multiple file format meta-information lines in a VCF file")
			case "INFO":
				hdr.Infos = append(hdr.Infos, sc.ParseFormatInformation())
			case "FORMAT":
				hdr.Formats = append(hdr.Formats, sc.ParseFormatInformation())
			default:
				hdr.AddMeta(key, sc.ParseMetaInformation())
			}
			if sc.err != nil {
				return nil, lines, fmt.Errorf("%v, in VCF header line %v", sc.err, lines)
			}
		case strings.HasPrefix(line, "#"):
			hdr.Columns = strings.Split(line[1:], "\t")
			if len(hdr.Columns) < len(DefaultHeaderColumns) {
				return nil, lines, fmt.Errorf("VCF header has %v columns, expected at least %v", len(hdr.Columns), len(DefaultHeaderColumns))
			}
			return hdr, lines, nil
		default:
			return nil, lines, errors.New("missing #CHROM line in a VCF header")
		}
	}
}

// FieldParser is an abstraction for parsing the values of VCF INFO or
// FORMAT entries.
type FieldParser func(*StringScanner) interface{}

func (sc *StringScanner) parseEntry(t Type, separators []byte) interface{} {
	entry := sc.readUntilBytes(separators)
	if entry == "." || sc.err != nil {
		return nil
	}
	switch t {
	case Integer:
		i, err := strconv.ParseInt(entry, 10, 32)
		if err != nil {
			sc.setErr("%v", err)
			return nil
		}
		return int(i)
	case Float:
		f, err := strconv.ParseFloat(entry, 64)
		if err != nil {
			sc.setErr("%v", err)
			return nil
		}
		return f
	case Character:
		r, size := utf8.DecodeRuneInString(entry)
		if r == utf8.RuneError || size != len(entry) {
			sc.setErr("invalid Character entry %v", entry)
			return nil
		}
		return r
	default:
		return entry
	}
}

func makeFieldParser(t Type, number int32, separators []byte) FieldParser {
	if number == 1 {
		return func(sc *StringScanner) interface{} {
			return sc.parseEntry(t, separators)
		}
	}
	return func(sc *StringScanner) interface{} {
		var result []interface{}
		for {
			result = append(result, sc.parseEntry(t, separators))
			if c, ok := sc.peek(); !ok || c != ',' || sc.err != nil {
				return result
			}
			sc.index++
		}
	}
}

var (
	endOfInfoEntry   = []byte{',', ';'}
	endOfFormatEntry = []byte{',', ':'}

	genericInfoParser   = makeFieldParser(String, NumberDot, endOfInfoEntry)
	genericFormatParser = makeFieldParser(String, NumberDot, endOfFormatEntry)
)

// CreateInfoParser creates a specific VCF info section parser for the given format information
func CreateInfoParser(format *FormatInformation) (FieldParser, error) {
	switch format.Type {
	case Flag:
		if format.Number != 0 {
			return nil, errors.New("INFO Type Flag with Number != 0")
		}
		return func(*StringScanner) interface{} { return true }, nil
	case Integer, Float, Character, String:
		return makeFieldParser(format.Type, format.Number, endOfInfoEntry), nil
	default:
		return nil, errors.New("invalid INFO Type")
	}
}

// CreateFormatParser creates a specific VCF format section parser for the given format information
func CreateFormatParser(format *FormatInformation) (FieldParser, error) {
	switch format.Type {
	case Integer, Float, Character, String:
		return makeFieldParser(format.Type, format.Number, endOfFormatEntry), nil
	default:
		return nil, errors.New("invalid FORMAT Type")
	}
}

// nextColumn returns the next tab-separated column, and false if the
// line has no more columns.
func (sc *StringScanner) nextColumn() (string, bool) {
	if sc.index > len(sc.data) {
		return "", false
	}
	start := sc.index
	if i := strings.IndexByte(sc.data[start:], '\t'); i >= 0 {
		sc.index = start + i + 1
		return sc.data[start : start+i], true
	}
	sc.index = len(sc.data) + 1
	return sc.data[start:], true
}

func splitList(column string, separator string) []string {
	if column == "." {
		return nil
	}
	return strings.Split(column, separator)
}

var passList = []utils.Symbol{PASS}

func parseFilter(column string) []utils.Symbol {
	switch column {
	case ".":
		return nil
	case "PASS":
		return passList
	}
	var result []utils.Symbol
	for _, filter := range strings.Split(column, ";") {
		result = append(result, utils.Intern(filter))
	}
	return result
}

func parseInfo(column string, parsers utils.SmallMap) (utils.SmallMap, error) {
	if column == "." || column == "" {
		return nil, nil
	}
	var sc StringScanner
	sc.Reset(column)
	var result utils.SmallMap
	for sc.err == nil && sc.Len() > 0 {
		key := utils.Intern(sc.readUntilBytes([]byte{'=', ';'}))
		var value interface{} = true
		if c, ok := sc.peek(); ok && c == '=' {
			sc.index++
			parser := genericInfoParser
			if p, ok := parsers.Get(key); ok {
				parser = p.(FieldParser)
			}
			value = parser(&sc)
		}
		result = append(result, utils.SmallMapEntry{Key: key, Value: value})
		if c, ok := sc.peek(); ok {
			if c != ';' {
				sc.setErr("invalid INFO entry for %v", *key)
			}
			sc.index++
		}
	}
	return result, sc.err
}

func parseSample(column string, format []utils.Symbol, parsers []FieldParser) (utils.SmallMap, error) {
	var sc StringScanner
	sc.Reset(column)
	data := make(utils.SmallMap, 0, len(format))
	for j, key := range format {
		data = append(data, utils.SmallMapEntry{Key: key, Value: parsers[j](&sc)})
		c, ok := sc.peek()
		if !ok || sc.err != nil {
			break
		}
		if c != ':' {
			sc.setErr("invalid FORMAT entry for %v", *key)
			break
		}
		sc.index++
	}
	return data, sc.err
}

// VariantParser is an optimized parser for VCF variant lines.
//
// NSamples can be decreased as necessary to parse fewer samples, including down to zero.
type VariantParser struct {
	InfoParsers, FormatParsers utils.SmallMap
	NSamples                   int
}

// NewVariantParser creates a VariantParser for the given VCF header.
func (header *Header) NewVariantParser() (*VariantParser, error) {
	var vp VariantParser
	for _, format := range header.Infos {
		parser, err := CreateInfoParser(format)
		if err != nil {
			return nil, fmt.Errorf("%v for INFO %v", err, *format.ID)
		}
		vp.InfoParsers = append(vp.InfoParsers, utils.SmallMapEntry{Key: format.ID, Value: parser})
	}
	for _, format := range header.Formats {
		parser, err := CreateFormatParser(format)
		if err != nil {
			return nil, fmt.Errorf("%v for FORMAT %v", err, *format.ID)
		}
		vp.FormatParsers = append(vp.FormatParsers, utils.SmallMapEntry{Key: format.ID, Value: parser})
	}
	vp.NSamples = len(header.SampleNames())
	return &vp, nil
}

// ParseVariant parses a VCF variant line
func (sc *StringScanner) ParseVariant(vp *VariantParser) *Variant {
	var columns [8]string
	for i := range columns {
		column, ok := sc.nextColumn()
		if !ok {
			sc.setErr("VCF data line has %v columns, expected at least %v", i, len(columns))
			return nil
		}
		columns[i] = column
	}
	variant := &Variant{
		Chrom:  columns[0],
		Pos:    -1,
		ID:     splitList(columns[2], ";"),
		Ref:    columns[3],
		Alt:    splitList(columns[4], ","),
		Filter: parseFilter(columns[6]),
	}
	if columns[1] != "." {
		pos, err := strconv.ParseInt(columns[1], 10, 32)
		if err != nil {
			sc.setErr("%v", err)
			return nil
		}
		variant.Pos = int32(pos)
	}
	if columns[5] != "." {
		qual, err := strconv.ParseFloat(columns[5], 64)
		if err != nil {
			sc.setErr("%v", err)
			return nil
		}
		variant.Qual = qual
	}
	info, err := parseInfo(columns[7], vp.InfoParsers)
	if err != nil {
		sc.setErr("%v", err)
		return nil
	}
	variant.Info = info
	if vp.NSamples == 0 {
		return variant
	}

	column, ok := sc.nextColumn()
	if !ok {
		sc.setErr("missing FORMAT column in VCF data line")
		return nil
	}
	parsers := make([]FieldParser, 0, strings.Count(column, ":")+1)
	for _, key := range strings.Split(column, ":") {
		format := utils.Intern(key)
		variant.GenotypeFormat = append(variant.GenotypeFormat, format)
		if parser, ok := vp.FormatParsers.Get(format); ok {
			parsers = append(parsers, parser.(FieldParser))
		} else {
			parsers = append(parsers, genericFormatParser)
		}
	}
	variant.GenotypeData = make([]utils.SmallMap, 0, vp.NSamples)
	for i := 0; i < vp.NSamples; i++ {
		column, ok := sc.nextColumn()
		if !ok {
			sc.setErr("VCF data line has %v samples, expected %v", i, vp.NSamples)
			return nil
		}
		data, err := parseSample(column, variant.GenotypeFormat, parsers)
		if err != nil {
			sc.setErr("%v", err)
			return nil
		}
		variant.GenotypeData = append(variant.GenotypeData, data)
	}
	return variant
}
