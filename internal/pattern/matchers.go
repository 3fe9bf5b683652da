package pattern

import (
	"regexp"
	"strconv"
	"strings"
)

func matchLiteral(chunk []byte, literal string, caseSensitive bool) *CustomMatch {
	if literal == "" {
		return nil
	}
	hay := string(chunk)
	needle := literal
	if !caseSensitive {
		hay = strings.ToLower(hay)
		needle = strings.ToLower(needle)
	}
	idx := strings.Index(hay, needle)
	if idx < 0 {
		return nil
	}
	return &CustomMatch{Match: literal, Position: idx}
}

// matchLiteralSet returns the earliest-position match among set, breaking
// ties by the order literals were given.
func matchLiteralSet(chunk []byte, set []string, caseSensitive bool) *CustomMatch {
	hay := string(chunk)
	searchHay := hay
	if !caseSensitive {
		searchHay = strings.ToLower(hay)
	}

	bestPos := -1
	var bestLiteral string
	for _, lit := range set {
		needle := lit
		if !caseSensitive {
			needle = strings.ToLower(needle)
		}
		idx := strings.Index(searchHay, needle)
		if idx < 0 {
			continue
		}
		if bestPos == -1 || idx < bestPos {
			bestPos = idx
			bestLiteral = lit
		}
	}
	if bestPos == -1 {
		return nil
	}
	return &CustomMatch{Match: bestLiteral, Position: bestPos}
}

func matchRegex(re *regexp.Regexp, chunk []byte) *CustomMatch {
	if re == nil {
		return nil
	}
	loc := re.FindSubmatchIndex(chunk)
	if loc == nil {
		return nil
	}

	groups := make(map[string]string)
	names := re.SubexpNames()
	for i := 1; i*2 < len(loc); i++ {
		if loc[i*2] < 0 {
			continue
		}
		val := string(chunk[loc[i*2]:loc[i*2+1]])
		groups[strconv.Itoa(i)] = val
		if names[i] != "" {
			groups[names[i]] = val
		}
	}

	return &CustomMatch{
		Match:    string(chunk[loc[0]:loc[1]]),
		Position: loc[0],
		Groups:   groups,
	}
}

func matchAnsiClass(chunk []byte, want AnsiCategory) *CustomMatch {
	for _, seq := range findAnsiSequences(chunk) {
		if seq.category == want {
			return &CustomMatch{Match: seq.raw, Position: seq.pos}
		}
	}
	return nil
}
