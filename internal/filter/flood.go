package filter

import (
	"strings"
	"unicode"
)

// Synthetic pattern labels reported for flood hits.
const (
	LabelCharFlood = "flood:char"
	LabelWordFlood = "flood:word"
)

const (
	charFloodThreshold = 5
	wordFloodThreshold = 3
)

// hasCharFlood reports whether text contains charFloodThreshold or
// more consecutive identical characters. RE2 has no backreferences, so
// this is a linear scan.
func hasCharFlood(text string) bool {
	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= charFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports whether the same word appears wordFloodThreshold
// or more times consecutively. Words are delimited by whitespace; the
// comparison is done on already-normalized text so case and leet
// variants collapse.
func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodThreshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		if w == prev {
			count++
			if count >= wordFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = w
		}
	}
	return false
}

// floodHits returns the synthetic labels for flooding found in the
// normalized text, in a fixed order.
func floodHits(normalized string) []string {
	var hits []string
	if hasCharFlood(normalized) {
		hits = append(hits, LabelCharFlood)
	}
	if hasWordFlood(normalized) {
		hits = append(hits, LabelWordFlood)
	}
	return hits
}
