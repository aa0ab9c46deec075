package config

import (
	"strings"
)

// StripJSONComments removes // and /* */ comments from JSONC content, along
// with trailing commas before a closing bracket or brace
func StripJSONComments(data []byte) []byte {
	input := string(data)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	inString := false
	for i < len(input) {
		// Track string state (to avoid stripping inside strings)
		if input[i] == '"' && (i == 0 || input[i-1] != '\\') {
			inString = !inString
			result.WriteByte(input[i])
			i++
			continue
		}

		if !inString {
			if i+1 < len(input) && input[i] == '/' && input[i+1] == '/' {
				for i < len(input) && input[i] != '\n' {
					i++
				}
				continue
			}

			if i+1 < len(input) && input[i] == '/' && input[i+1] == '*' {
				i += 2
				for i+1 < len(input) {
					if input[i] == '*' && input[i+1] == '/' {
						i += 2
						break
					}
					i++
				}
				continue
			}
		}

		result.WriteByte(input[i])
		i++
	}

	return stripTrailingCommas(result.String())
}

// stripTrailingCommas drops a comma whose next non-space character closes an
// object or array. Input must already be free of comments.
func stripTrailingCommas(input string) []byte {
	out := make([]byte, 0, len(input))
	inString := false
	for i := 0; i < len(input); i++ {
		c := input[i]
		if c == '"' && (i == 0 || input[i-1] != '\\') {
			inString = !inString
		}
		if c == ',' && !inString {
			j := i + 1
			for j < len(input) && strings.IndexByte(" \t\r\n", input[j]) >= 0 {
				j++
			}
			if j < len(input) && (input[j] == '}' || input[j] == ']') {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
