package streams

import "strings"

// CompareSequence orders two decimal sequence numbers numerically.
// Sequence numbers can exceed 64 bits, so they are compared as strings:
// longer (after stripping leading zeros) is larger, equal lengths compare
// lexically. An empty sequence number sorts before every other value.
func CompareSequence(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// SequenceAfter reports whether seq is strictly after last.
func SequenceAfter(seq, last string) bool {
	if last == "" {
		return true
	}
	return CompareSequence(seq, last) > 0
}
