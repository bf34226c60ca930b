package stringutils

import "strings"

// IndentString prefixes each line of the string with indent.
func IndentString(str, indent string) string {
	spl := strings.SplitAfter(str, "\n")
	return strings.Join(append([]string{""}, spl...), indent)
}

// FirstLine returns str up to the first line break, surrounding whitespace is
// removed.
func FirstLine(str string) string {
	str = strings.TrimSpace(str)
	if idx := strings.IndexByte(str, '\n'); idx != -1 {
		return strings.TrimSpace(str[:idx])
	}

	return str
}
