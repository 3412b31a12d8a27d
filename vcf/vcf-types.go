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

// Package vcf reads and writes the subset of VCF 4.x used by elstr:
// per-sample allele priors on input, STR genotype calls on output.
package vcf

import (
	"log"

	"github.com/exascience/elstr/internal"
	"github.com/exascience/elstr/utils"
)

// The VCF file format version written by elstr.
const (
	FileFormatVersion           = "VCFv4.2"
	FileFormatVersionLine       = "##fileformat=VCFv4.2"
	fileFormatVersionLinePrefix = "##fileformat=VCFv4."
)

// DefaultHeaderColumns for VCF files.
var DefaultHeaderColumns = []string{"CHROM", "POS", "ID", "REF", "ALT", "QUAL", "FILTER", "INFO"}

// FormatColumn follows DefaultHeaderColumns in files with samples.
const FormatColumn = "FORMAT"

// Type is an enumeration type for different VCF field types
type Type uint

// The different VCF field types
const (
	InvalidType Type = iota
	Integer          // represented as int
	Float            // represented as float64
	Flag             // represented as bool with fixed value true
	Character        // represented as rune
	String           // represented as string
)

var typeNames = [...]string{"", "Integer", "Float", "Flag", "Character", "String"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return ""
}

// Constants for format information Number entries.
const (
	NumberA int32 = -1 * (1 + iota)
	NumberR
	NumberG
	NumberDot
	InvalidNumber
)

// Commonly used VCF entries.
var (
	END  = utils.Intern("END")
	GT   = utils.Intern("GT")
	PASS = utils.Intern("PASS")
)

type (
	// MetaInformation in VCF files, such as ##contig=<ID=chr1,length=...>.
	MetaInformation struct {
		ID          utils.Symbol
		Description string // "" if not present
		Fields      utils.StringMap
	}

	// FormatInformation describes an INFO or FORMAT key.
	FormatInformation struct {
		ID          utils.Symbol
		Description string // "" if not present
		Number      int32  // > InvalidNumber
		Type        Type
		Fields      utils.StringMap
	}

	// MetaLine is a meta-information line other than fileformat,
	// INFO, and FORMAT. Value is a string or a *MetaInformation.
	MetaLine struct {
		Key   string
		Value interface{}
	}

	// Header section of a VCF file.
	Header struct {
		FileFormat string
		Infos      []*FormatInformation
		Formats    []*FormatInformation
		Meta       []MetaLine
		Columns    []string
	}

	// Variant line in a VCF file.
	Variant struct {
		Chrom          string
		Pos            int32    // < 0 if unknown
		ID             []string // nil/empty if missing
		Ref            string
		Alt            []string       // nil/empty if missing
		Qual           interface{}    // float64, or nil if missing
		Filter         []utils.Symbol // nil/empty if missing
		Info           utils.SmallMap // values are int, float64, bool, rune, string, or []interface{}
		GenotypeFormat []utils.Symbol
		GenotypeData   []utils.SmallMap // one per sample, missing values are nil
	}
)

// NewMetaInformation creates an empty instance.
func NewMetaInformation() *MetaInformation {
	return &MetaInformation{Fields: make(utils.StringMap)}
}

// NewFormatInformation creates an empty instance.
func NewFormatInformation() *FormatInformation {
	return &FormatInformation{Number: InvalidNumber, Fields: make(utils.StringMap)}
}

// NewHeader creates an empty instance.
func NewHeader() *Header {
	return &Header{
		FileFormat: FileFormatVersionLine,
		Columns:    append([]string(nil), DefaultHeaderColumns...),
	}
}

// AddMeta appends a meta-information line.
func (header *Header) AddMeta(key string, value interface{}) {
	header.Meta = append(header.Meta, MetaLine{key, value})
}

// GetMeta returns the values of all meta-information lines with the
// given key.
func (header *Header) GetMeta(key string) (values []interface{}) {
	for _, meta := range header.Meta {
		if meta.Key == key {
			values = append(values, meta.Value)
		}
	}
	return
}

// SetSampleNames replaces the sample columns of the header.
func (header *Header) SetSampleNames(names []string) {
	header.Columns = append([]string(nil), DefaultHeaderColumns...)
	if len(names) > 0 {
		header.Columns = append(header.Columns, FormatColumn)
		header.Columns = append(header.Columns, names...)
	}
}

// SampleNames returns the sample columns of the header.
func (header *Header) SampleNames() []string {
	if n := len(DefaultHeaderColumns) + 1; len(header.Columns) > n {
		return header.Columns[n:]
	}
	return nil
}

// Start returns the start position of a VCF line in the reference.
func (v *Variant) Start() int32 {
	return v.Pos
}

// End returns the end position of a VCF line in the reference, determined either by the END field or len(v.Ref)
func (v *Variant) End() int32 {
	if end, ok := v.Info.Get(END); ok {
		switch e := end.(type) {
		case int:
			return int32(e)
		case string:
			i := internal.ParseInt(e, 10, 32)
			v.Info.Set(END, int(i))
			return int32(i)
		case []interface{}:
			if len(e) == 1 {
				if s, ok := e[0].(string); ok {
					i := internal.ParseInt(s, 10, 32)
					v.Info.Set(END, int(i))
					return int32(i)
				}
			}
		}
		log.Panicf("invalid END value %v", end)
	}
	return v.Pos - 1 + int32(len(v.Ref))
}

// SetEnd sets the end position of a VCF line in the reference by setting the END field.
// If the end position can be calculated from the start position and the length of Ref,
// delete the END field.
func (v *Variant) SetEnd(value int32) {
	if value == v.Pos-1+int32(len(v.Ref)) {
		v.Info, _ = v.Info.Delete(END)
	} else {
		v.Info.Set(END, int(value))
	}
}

// Pass determines whether the variant passed all filters.
func (v *Variant) Pass() bool {
	return len(v.Filter) == 1 && v.Filter[0] == PASS
}
