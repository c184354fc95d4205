package rag

import "strings"

const (
	DefaultChunkSize    = 1000
	DefaultOverlapRatio = 0.2

	// a chunk may stretch this far past its nominal end to finish a sentence
	sentenceLookahead = 100
)

// Chunk splits text into overlapping chunks of roughly maxChunkSize
// characters, extending a chunk to the next '.' when one is close by.
// Out-of-range options fall back to the defaults.
func Chunk(text string, maxChunkSize int, overlapRatio float64) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultChunkSize
	}
	if overlapRatio < 0 || overlapRatio >= 1 {
		overlapRatio = DefaultOverlapRatio
	}
	runes := []rune(text)
	n := len(runes)
	overlap := int(float64(maxChunkSize) * overlapRatio)

	var chunks []string
	for start := 0; start < n; {
		end := start + maxChunkSize
		if end < n {
			if period := indexRune(runes, '.', end); period >= 0 && period-end < sentenceLookahead {
				end = period + 1
			}
		}
		if end > n {
			end = n
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

func indexRune(runes []rune, r rune, from int) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
