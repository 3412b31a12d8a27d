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

import "fmt"

// A StringScanner scans and parses the lines of a VCF file.
//
// The first error encountered is kept and reported by Err. The zero
// StringScanner is valid and empty.
type StringScanner struct {
	index int
	data  string
	err   error
}

// Reset resets the scanner, and initializes it with the given string.
func (sc *StringScanner) Reset(s string) {
	sc.index = 0
	sc.data = s
	sc.err = nil
}

// Len returns the number of bytes that still need to be scanned.
func (sc *StringScanner) Len() int {
	if sc.index >= len(sc.data) {
		return 0
	}
	return len(sc.data) - sc.index
}

// Err returns the first error encountered since the last Reset.
func (sc *StringScanner) Err() error {
	return sc.err
}

func (sc *StringScanner) setErr(format string, v ...interface{}) {
	if sc.err == nil {
		sc.err = fmt.Errorf(format, v...)
	}
}

// SkipSpace skips ' ' runes
func (sc *StringScanner) SkipSpace() {
	for end := sc.index; end < len(sc.data); end++ {
		if sc.data[end] != ' ' {
			sc.index = end
			return
		}
	}
	sc.index = len(sc.data)
}

func (sc *StringScanner) peek() (byte, bool) {
	if sc.index < len(sc.data) {
		return sc.data[sc.index], true
	}
	return 0, false
}

// readUntilByte reads up to c and skips c.
func (sc *StringScanner) readUntilByte(c byte) (s string, found bool) {
	start := sc.index
	for end := sc.index; end < len(sc.data); end++ {
		if sc.data[end] == c {
			sc.index = end + 1
			return sc.data[start:end], true
		}
	}
	sc.index = len(sc.data)
	return sc.data[start:], false
}

// readUntilBytes reads up to, but not including, any of the given bytes.
func (sc *StringScanner) readUntilBytes(bytes []byte) string {
	start := sc.index
	for end := sc.index; end < len(sc.data); end++ {
		c := sc.data[end]
		for _, b := range bytes {
			if c == b {
				sc.index = end
				return sc.data[start:end]
			}
		}
	}
	sc.index = len(sc.data)
	return sc.data[start:]
}
