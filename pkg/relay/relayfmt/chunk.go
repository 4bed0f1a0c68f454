// Copyright 2024-2026 Aiku AI

package relayfmt

import (
	"regexp"
	"strconv"
	"unicode"
	"unicode/utf8"
)

// lookbackWindow is how far before the limit Split searches for whitespace.
const lookbackWindow = 200

var partIndicatorRe = regexp.MustCompile(`^Part \d+/\d+\n\n`)

// PartIndicator returns the prefix placed on chunk i of n.
func PartIndicator(i, n int) string {
	return "Part " + strconv.Itoa(i) + "/" + strconv.Itoa(n) + "\n\n"
}

// StripPartIndicator removes a leading part indicator from chunk, if any.
func StripPartIndicator(chunk string) string {
	return partIndicatorRe.ReplaceAllString(chunk, "")
}

// Split breaks text into chunks of at most maxLen characters (runes). Text
// that fits is returned as a single chunk without an indicator. Otherwise
// every chunk starts with PartIndicator and the bodies are cut after the last
// whitespace close to the limit, or hard at the limit when there is none.
// Concatenating the bodies reproduces text exactly.
func Split(text string, maxLen int) ([]string, error) {
	if maxLen <= 0 {
		return nil, ErrChunkLimit
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}, nil
	}

	runes := []rune(text)

	// The indicator width depends on the chunk count, so grow the assumed
	// count until the bodies fit next to the widest indicator.
	assumed := 2
	var bodies []string
	for {
		budget := maxLen - utf8.RuneCountInString(PartIndicator(assumed, assumed))
		if budget < 1 {
			return nil, ErrChunkLimit
		}
		bodies = cutRunes(runes, budget)
		if digits(len(bodies)) <= digits(assumed) {
			break
		}
		assumed = len(bodies)
	}

	chunks := make([]string, len(bodies))
	for i, body := range bodies {
		chunks[i] = PartIndicator(i+1, len(bodies)) + body
	}
	return chunks, nil
}

// cutRunes splits runes into non-empty pieces of at most budget runes,
// preferring to end a piece on whitespace.
func cutRunes(runes []rune, budget int) []string {
	var out []string
	window := min(lookbackWindow, budget/2)
	for start := 0; start < len(runes); {
		end := start + budget
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}

		cut := end
		for j := end; j > end-window && j > start; j-- {
			if unicode.IsSpace(runes[j-1]) {
				cut = j
				break
			}
		}
		out = append(out, string(runes[start:cut]))
		start = cut
	}
	return out
}

func digits(n int) int {
	return len(strconv.Itoa(n))
}
