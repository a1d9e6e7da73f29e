package worker

import (
	"strings"
	"unicode/utf8"
)

// Chunking geometry for ingest. Sized for sentence-scale retrieval: small
// enough that a hit is specific, overlapped so sentences on a boundary
// appear whole in at least one chunk.
const (
	chunkSize    = 500
	chunkOverlap = 50
)

// extractText produces indexable text from uploaded bytes. Plain-text
// content passes through; binary container formats are reduced to their
// printable runs, which is enough for keyword-bearing passages.
//
// TODO: wire a real PDF/DOCX extractor once one is picked for the ingest
// pipeline; the printable-run fallback loses layout and some encodings.
func extractText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}

	var sb strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= 4 { // ignore short binary noise
			sb.Write(run)
			sb.WriteByte('\n')
		}
		run = run[:0]
	}
	for _, b := range data {
		if b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			run = append(run, b)
			continue
		}
		flush()
	}
	flush()
	return sb.String()
}

// splitChunks cuts text into overlapping windows on rune boundaries,
// dropping whitespace-only pieces.
func splitChunks(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	step := chunkSize - chunkOverlap
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
