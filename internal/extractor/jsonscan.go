package extractor

import "encoding/json"

// FirstJSONObject returns the first balanced {...} substring of text that is
// valid JSON. Braces inside string literals are ignored. When a balanced
// candidate does not parse, scanning resumes after its opening brace.
func FirstJSONObject(text string) (string, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}

		end := matchingBrace(text, start)
		if end < 0 {
			continue
		}

		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// matchingBrace returns the index of the brace closing the one at start, or -1.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
