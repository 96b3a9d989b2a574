package storage

import "strings"

// ChunkText splits text into overlapping segments sized for embedding.
// Token counts are approximated as four characters per token. Each window
// is cut at the last ". " boundary when that boundary falls past 70% of the
// window, otherwise at the raw window edge. The next window starts
// overlapTokens*4 characters before the cut; when the overlap would swallow
// the whole window the start is forced to the cut so the walk always
// advances.
func ChunkText(text string, targetTokens, overlapTokens int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	chunkChars := targetTokens * 4
	overlapChars := overlapTokens * 4
	if chunkChars <= 0 {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + chunkChars
		if end > len(runes) {
			end = len(runes)
		}

		cut := end
		if end < len(runes) {
			if p := lastSentenceEnd(runes[start:end]); float64(p) > float64(chunkChars)*0.7 {
				cut = start + p + 1
			}
		}

		chunks = append(chunks, strings.TrimSpace(string(runes[start:cut])))

		next := cut - overlapChars
		if next <= start {
			next = cut
		}
		start = next
	}

	return chunks
}

// lastSentenceEnd returns the index of the period of the last ". " in the
// window, or -1.
func lastSentenceEnd(window []rune) int {
	for i := len(window) - 2; i >= 0; i-- {
		if window[i] == '.' && window[i+1] == ' ' {
			return i
		}
	}
	return -1
}
