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
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/exascience/elstr/utils"
)

// FormatString outputs a string to a VCF file, adding necessary double quotes and escapes
func FormatString(out io.ByteWriter, str string) error {
	_ = out.WriteByte('"')
	for i := 0; i < len(str); i++ {
		b := str[i]
		if b == '"' || b == '\\' {
			_ = out.WriteByte('\\')
		}
		_ = out.WriteByte(b)
	}
	return out.WriteByte('"')
}

func needsQuotes(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', ' ', ',', '>':
			return true
		}
	}
	return false
}

func formatFields(out *bufio.Writer, fields utils.StringMap, alwaysQuote func(string) bool) {
	for _, key := range fields.SortedKeys() {
		value := fields[key]
		_ = out.WriteByte(',')
		_, _ = out.WriteString(key)
		_ = out.WriteByte('=')
		if alwaysQuote(key) || needsQuotes(value) {
			_ = FormatString(out, value)
		} else {
			_, _ = out.WriteString(value)
		}
	}
}

func neverQuote(string) bool { return false }

func quoteSourceAndVersion(key string) bool {
	return key == "Source" || key == "Version"
}

// FormatMetaInformation outputs VCF meta information, which can be just a string or *MetaInformation
func FormatMetaInformation(out *bufio.Writer, meta interface{}) error {
	switch m := meta.(type) {
	case string:
		_, _ = out.WriteString(m)
		return out.WriteByte('\n')
	case *MetaInformation:
		_, _ = out.WriteString("<ID=")
		_, _ = out.WriteString(*m.ID)
		formatFields(out, m.Fields, neverQuote)
		if m.Description != "" {
			_, _ = out.WriteString(",Description=")
			_ = FormatString(out, m.Description)
		}
		_, err := out.WriteString(">\n")
		return err
	default:
		return errors.New("invalid MetaInformation type")
	}
}

// FormatFormatInformation outputs VCF info or format information
func FormatFormatInformation(out *bufio.Writer, format *FormatInformation, infoNotFormat bool) error {
	_, _ = out.WriteString("<ID=")
	_, _ = out.WriteString(*format.ID)
	_, _ = out.WriteString(",Number=")
	if format.Number >= 0 {
		_, _ = out.WriteString(strconv.FormatInt(int64(format.Number), 10))
	} else {
		switch format.Number {
		case NumberA:
			_ = out.WriteByte('A')
		case NumberR:
			_ = out.WriteByte('R')
		case NumberG:
			_ = out.WriteByte('G')
		case NumberDot:
			_ = out.WriteByte('.')
		default:
			return errors.New("unknown Number kind in a VCF meta-information line")
		}
	}
	if format.Type == InvalidType || format.Type > String {
		return errors.New("invalid Type in a VCF meta-information line")
	}
	_, _ = out.WriteString(",Type=")
	_, _ = out.WriteString(format.Type.String())
	if infoNotFormat {
		formatFields(out, format.Fields, quoteSourceAndVersion)
	} else {
		formatFields(out, format.Fields, neverQuote)
	}
	if format.Description != "" {
		_, _ = out.WriteString(",Description=")
		_ = FormatString(out, format.Description)
	}
	_, err := out.WriteString(">\n")
	return err
}

// Format outputs a VCF header
func (header *Header) Format(out *bufio.Writer) error {
	_, _ = out.WriteString(header.FileFormat)
	_ = out.WriteByte('\n')
	for _, meta := range header.Meta {
		_, _ = out.WriteString("##")
		_, _ = out.WriteString(meta.Key)
		_ = out.WriteByte('=')
		if err := FormatMetaInformation(out, meta.Value); err != nil {
			return err
		}
	}
	for _, info := range header.Infos {
		_, _ = out.WriteString("##INFO=")
		if err := FormatFormatInformation(out, info, true); err != nil {
			return err
		}
	}
	for _, format := range header.Formats {
		_, _ = out.WriteString("##FORMAT=")
		if err := FormatFormatInformation(out, format, false); err != nil {
			return err
		}
	}
	_ = out.WriteByte('#')
	for i, col := range header.Columns {
		if i > 0 {
			_ = out.WriteByte('\t')
		}
		_, _ = out.WriteString(col)
	}
	return out.WriteByte('\n')
}

func formatStringList(out []byte, list []string, separator byte) []byte {
	if len(list) == 0 {
		return append(out, '.', '\t')
	}
	out = append(out, list[0]...)
	for _, entry := range list[1:] {
		out = append(out, separator)
		out = append(out, entry...)
	}
	return append(out, '\t')
}

func formatSymbolList(out []byte, list []utils.Symbol, separator byte) []byte {
	if len(list) == 0 {
		return append(out, '.')
	}
	out = append(out, (*list[0])...)
	for _, sym := range list[1:] {
		out = append(out, separator)
		out = append(out, (*sym)...)
	}
	return out
}

func formatValue(out []byte, value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return append(out, '.'), nil
	case int:
		return strconv.AppendInt(out, int64(v), 10), nil
	case float64:
		return strconv.AppendFloat(out, v, 'g', -1, 64), nil
	case rune:
		return utf8.AppendRune(out, v), nil
	case string:
		return append(out, v...), nil
	case []interface{}:
		if len(v) == 0 {
			return append(out, '.'), nil
		}
		for i, entry := range v {
			if i > 0 {
				out = append(out, ',')
			}
			var err error
			if out, err = formatValue(out, entry); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, errors.New("invalid value type")
	}
}

func formatInfo(out []byte, info utils.SmallMap) ([]byte, error) {
	if len(info) == 0 {
		return append(out, '.'), nil
	}
	for i, entry := range info {
		if i > 0 {
			out = append(out, ';')
		}
		out = append(out, (*entry.Key)...)
		if b, ok := entry.Value.(bool); ok {
			if !b {
				return nil, errors.New("unexpected boolean value")
			}
			continue
		}
		out = append(out, '=')
		var err error
		if out, err = formatValue(out, entry.Value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// formatGenotypeData drops trailing missing entries, except for a
// trailing GT.
func formatGenotypeData(out []byte, format []utils.Symbol, data utils.SmallMap) ([]byte, error) {
	pos := len(out)
	for i, key := range format {
		if i > 0 {
			out = append(out, ':')
		}
		value, _ := data.Get(key)
		var err error
		if out, err = formatValue(out, value); err != nil {
			return nil, err
		}
		if value != nil || key == GT || i == 0 {
			pos = len(out)
		}
	}
	return out[:pos], nil
}

// Format outputs a VCF variant line
func (variant *Variant) Format(out []byte) ([]byte, error) {
	out = append(append(out, variant.Chrom...), '\t')
	if variant.Pos < 0 {
		out = append(out, '.', '\t')
	} else {
		out = append(strconv.AppendInt(out, int64(variant.Pos), 10), '\t')
	}
	out = formatStringList(out, variant.ID, ';')
	out = append(append(out, variant.Ref...), '\t')
	out = formatStringList(out, variant.Alt, ',')
	if value, ok := variant.Qual.(float64); ok {
		out = append(strconv.AppendFloat(out, value, 'f', -1, 64), '\t')
	} else {
		out = append(out, '.', '\t')
	}
	out = append(formatSymbolList(out, variant.Filter, ';'), '\t')
	var err error
	if out, err = formatInfo(out, variant.Info); err != nil {
		return nil, err
	}
	if len(variant.GenotypeFormat) > 0 {
		out = append(out, '\t')
		out = formatSymbolList(out, variant.GenotypeFormat, ':')
		for _, data := range variant.GenotypeData {
			out = append(out, '\t')
			if out, err = formatGenotypeData(out, variant.GenotypeFormat, data); err != nil {
				return nil, err
			}
		}
	}
	return append(out, '\n'), nil
}
