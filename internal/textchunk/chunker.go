// Package textchunk splits long input text into bounded-size chunks at natural
// sentence or word boundaries for independent synthesis requests.
package textchunk

import "strings"

// Sentence-ending runes, including the full-width forms used in CJK text.
// A newline counts as a sentence boundary too.
const sentenceEnders = ".!?\n。！？"

// Split divides text into trimmed, non-empty chunks of at most maxChunkSize
// runes each. Within every window it prefers to cut immediately after the last
// sentence-ending punctuation mark, then after the last space, and only
// hard-cuts mid-word when a single word exceeds the whole window. The function
// is pure: the same input always yields the same chunk sequence.
//
// A non-positive maxChunkSize yields the trimmed text as a single chunk.
func Split(text string, maxChunkSize int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if maxChunkSize <= 0 || len(runes) <= maxChunkSize {
		return []string{trimmed}
	}

	var chunks []string

	for position := 0; position < len(runes); {
		remaining := len(runes) - position
		if remaining <= maxChunkSize {
			appendChunk(&chunks, runes[position:])

			break
		}

		window := runes[position : position+maxChunkSize]
		cut := cutPoint(window)

		appendChunk(&chunks, window[:cut])

		position += cut
	}

	return chunks
}

// cutPoint returns the rune offset to cut the window at. The break character
// stays in the preceding chunk, so the offset is one past it.
func cutPoint(window []rune) int {
	lastSentenceEnd := -1
	lastSpace := -1

	for i, r := range window {
		switch {
		case strings.ContainsRune(sentenceEnders, r):
			lastSentenceEnd = i
		case r == ' ':
			lastSpace = i
		}
	}

	if lastSentenceEnd >= 0 {
		return lastSentenceEnd + 1
	}

	if lastSpace >= 0 {
		return lastSpace + 1
	}

	// A single unbroken word longer than the window: hard-cut at the limit.
	return len(window)
}

// appendChunk trims a candidate chunk and drops it if nothing remains.
func appendChunk(chunks *[]string, window []rune) {
	chunk := strings.TrimSpace(string(window))
	if chunk != "" {
		*chunks = append(*chunks, chunk)
	}
}
