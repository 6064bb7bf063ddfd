package gateway

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the Discord message length cap, the smallest limit
// among the supported platforms.
const DefaultChunkSize = 2000

// SplitMessage splits content into chunks of at most size runes, keeping
// whole lines together where possible. A single line longer than size is cut
// hard at the boundary. The result is never empty.
func SplitMessage(content string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []string
	current := ""
	curLen := 0

	for _, line := range strings.Split(content, "\n") {
		lineLen := utf8.RuneCountInString(line)

		if curLen+lineLen+1 <= size {
			if current != "" {
				current += "\n"
				curLen++
			}
			current += line
			curLen += lineLen
			continue
		}

		if lineLen > size {
			if current != "" {
				chunks = append(chunks, current)
				current = ""
				curLen = 0
			}
			runes := []rune(line)
			for i := 0; i < len(runes); i += size {
				end := i + size
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[i:end]))
			}
			continue
		}

		if current != "" {
			chunks = append(chunks, current)
		}
		current = line
		curLen = lineLen
	}

	if current != "" {
		chunks = append(chunks, current)
	}
	if len(chunks) == 0 {
		chunks = []string{content}
	}
	return chunks
}
