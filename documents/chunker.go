package documents

import (
	"os"
	"strconv"
	"strings"
)

// Segment is one chunk of a document's normalized text. Start and End are
// rune offsets into the normalized text, so consecutive segments can be
// stitched back together without their shared overlap.
type Segment struct {
	Text       string
	Start      int
	End        int
	TokenCount int
}

// Chunker splits normalized text into overlapping, size-bounded segments.
// Splitting is deterministic: the same text and configuration always yield
// the same segment sequence, which keeps re-ingestion idempotent.
type Chunker struct {
	targetSize int
	overlap    int
}

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

func NewChunker(targetSize, overlap int) *Chunker {
	if targetSize <= 0 {
		targetSize = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	// The overlap must leave room to advance, otherwise splitting stalls.
	if overlap >= targetSize/2 {
		overlap = targetSize/2 - 1
		if overlap < 0 {
			overlap = 0
		}
	}
	return &Chunker{targetSize: targetSize, overlap: overlap}
}

// NewChunkerFromEnv reads CHUNK_SIZE and CHUNK_OVERLAP, in characters.
func NewChunkerFromEnv() *Chunker {
	targetSize := defaultChunkSize
	if raw := strings.TrimSpace(os.Getenv("CHUNK_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			targetSize = parsed
		}
	}
	overlap := defaultChunkOverlap
	if raw := strings.TrimSpace(os.Getenv("CHUNK_OVERLAP")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			overlap = parsed
		}
	}
	return NewChunker(targetSize, overlap)
}

func (c *Chunker) TargetSize() int { return c.targetSize }
func (c *Chunker) Overlap() int    { return c.overlap }

// Split produces the ordered segment sequence for text. Empty input yields
// no segments; any non-empty input yields at least one. Cuts prefer a
// paragraph break, then a sentence end, then whitespace, falling back to a
// hard cut when no boundary exists inside the size budget.
func (c *Chunker) Split(text string) []Segment {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil
	}

	runes := []rune(normalized)
	total := len(runes)

	minSpan := c.targetSize / 2
	if minSpan <= c.overlap {
		minSpan = c.overlap + 1
	}

	segments := make([]Segment, 0, total/c.targetSize+1)
	start := 0
	for start < total {
		end := start + c.targetSize
		if end >= total {
			end = total
		} else {
			end = findBoundary(runes, start+minSpan, end)
		}

		segmentText := string(runes[start:end])
		segments = append(segments, Segment{
			Text:       segmentText,
			Start:      start,
			End:        end,
			TokenCount: EstimateTokenCount(segmentText),
		})

		if end >= total {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return segments
}

// NormalizeText collapses newline variants and trims surrounding whitespace.
// It is the only transformation applied before chunking, so de-overlapped
// segment concatenation reproduces exactly this form of the input.
func NormalizeText(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return strings.TrimSpace(replaced)
}

// findBoundary picks the best cut position inside [min, max], scanning
// backward so the chunk stays as large as its budget allows.
func findBoundary(runes []rune, min, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return max
	}

	// Paragraph break first.
	for i := max - 1; i > min; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	// Then sentence enders and single newlines.
	for i := max - 1; i >= min; i-- {
		switch runes[i] {
		case '\n', '.', '!', '?', '。', '！', '？':
			return i + 1
		}
	}
	// Then plain whitespace.
	for i := max - 1; i >= min; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i + 1
		}
	}
	return max
}

// EstimateTokenCount approximates the token cost of text, counting words
// plus a share of the rune length so CJK text without spaces is not
// undercounted.
func EstimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	wordCount := len(strings.Fields(trimmed))
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}
