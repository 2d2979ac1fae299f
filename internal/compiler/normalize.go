package compiler

import (
	"bytes"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Normalize canonicalizes source text so that edits which cannot change the
// compiled output do not change the artifact hash: a leading BOM is dropped,
// line endings become LF, trailing whitespace is stripped from every line,
// and blank lines at either end are removed.
func Normalize(source []byte) []byte {
	src := bytes.TrimPrefix(source, bom)
	src = bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))
	src = bytes.ReplaceAll(src, []byte("\r"), []byte("\n"))

	lines := bytes.Split(src, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t\f\v")
	}
	start, end := 0, len(lines)
	for start < end && len(lines[start]) == 0 {
		start++
	}
	for end > start && len(lines[end-1]) == 0 {
		end--
	}
	return bytes.Join(lines[start:end], []byte("\n"))
}
