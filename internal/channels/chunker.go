package channels

import (
	"strings"
	"unicode"

	"github.com/haasonsaas/relay/pkg/models"
)

// ChunkStrategy selects how long messages are split.
type ChunkStrategy string

const (
	// ChunkLength breaks at word boundaries.
	ChunkLength ChunkStrategy = "length"
	// ChunkNewline breaks at paragraph boundaries and keeps code fences
	// intact, closing and reopening a fence that straddles a boundary.
	ChunkNewline ChunkStrategy = "newline"
)

// defaultChunkLimit applies to channels without a known limit.
const defaultChunkLimit = 4000

// channelLimits holds per-platform outbound message limits, kept for
// compatibility with existing deployments.
var channelLimits = map[models.ChannelType]int{
	models.ChannelTelegram: 4000,
	models.ChannelDiscord:  2000,
	models.ChannelSlack:    4000,
}

// LimitFor returns the outbound character limit for a channel type.
func LimitFor(typ models.ChannelType) int {
	if limit, ok := channelLimits[typ]; ok {
		return limit
	}
	return defaultChunkLimit
}

// Chunker splits outbound text into pieces within a channel's limit.
type Chunker struct {
	Limit    int
	Strategy ChunkStrategy
}

// NewChunker creates a chunker with an explicit limit.
func NewChunker(limit int, strategy ChunkStrategy) *Chunker {
	if limit <= 0 {
		limit = defaultChunkLimit
	}
	if strategy == "" {
		strategy = ChunkNewline
	}
	return &Chunker{Limit: limit, Strategy: strategy}
}

// ChunkerFor creates a chunker sized for the given channel type.
func ChunkerFor(typ models.ChannelType, strategy ChunkStrategy) *Chunker {
	return NewChunker(LimitFor(typ), strategy)
}

// Split breaks text into chunks no longer than Limit. Empty input yields
// no chunks.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.Limit {
		return []string{text}
	}
	if c.Strategy == ChunkLength {
		return c.splitByLength(text)
	}
	return c.splitByNewline(text)
}

// splitByLength breaks at the last word boundary within the window, or
// hard-breaks when a single word exceeds the limit.
func (c *Chunker) splitByLength(text string) []string {
	var chunks []string
	remaining := text
	for len(remaining) > c.Limit {
		window := remaining[:c.Limit]
		breakIdx := strings.LastIndexFunc(window, unicode.IsSpace)
		if breakIdx <= 0 {
			breakIdx = c.Limit
		}
		chunk := strings.TrimRightFunc(remaining[:breakIdx], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// splitByNewline prefers paragraph breaks, then single newlines, and
// treats fenced code blocks as atomic where possible. A fence that cannot
// fit is closed at the break and reopened with its original info line in
// the next chunk.
func (c *Chunker) splitByNewline(text string) []string {
	var chunks []string
	remaining := text

	for len(remaining) > c.Limit {
		spans := parseFenceSpans(remaining)
		breakIdx := c.newlineBreakPoint(remaining, spans)
		if breakIdx <= 0 {
			breakIdx = c.Limit
		}
		chunk := remaining[:breakIdx]

		if span := spanCovering(spans, breakIdx); span != nil && span.start < breakIdx {
			// Splitting inside a fence: close it and reopen in the next chunk.
			chunk = strings.TrimRightFunc(chunk, unicode.IsSpace)
			if !strings.HasSuffix(chunk, "\n") {
				chunk += "\n"
			}
			chunk += span.fence
			remaining = span.openLine + "\n" + strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
		} else {
			remaining = strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
		}

		if chunk = strings.TrimSpace(chunk); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// newlineBreakPoint picks a break position within the limit window.
func (c *Chunker) newlineBreakPoint(text string, spans []fenceSpan) int {
	window := text[:c.Limit]

	if span := spanCovering(spans, c.Limit); span != nil {
		// The window edge lands inside a fence. Prefer breaking right
		// before the fence opens; otherwise break on a line inside it.
		if span.start > 0 {
			if idx := strings.LastIndex(text[:span.start], "\n"); idx > 0 {
				return idx + 1
			}
		}
		body := span.start + len(span.openLine) + 1
		if body < len(window) {
			if idx := strings.LastIndex(window[body:], "\n"); idx > 0 {
				return body + idx + 1
			}
		}
		return c.Limit
	}

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	// No newline in the window, degrade to a word boundary.
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return c.Limit
}

// fenceSpan is one fenced code block within a text.
type fenceSpan struct {
	start    int
	end      int    // byte offset just past the closing fence line
	fence    string // ``` or ~~~
	openLine string // full opening line, including any info string
}

// spanCovering returns the span containing pos, if any.
func spanCovering(spans []fenceSpan, pos int) *fenceSpan {
	for i := range spans {
		if spans[i].start < pos && spans[i].end >= pos {
			return &spans[i]
		}
	}
	return nil
}

// parseFenceSpans scans text line by line for fenced code blocks. An
// unclosed fence extends to the end of the text.
func parseFenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	var current *fenceSpan

	pos := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case current == nil && (strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")):
			current = &fenceSpan{start: pos, end: -1, fence: trimmed[:3], openLine: line}
		case current != nil && strings.HasPrefix(trimmed, current.fence):
			current.end = pos + len(line)
			spans = append(spans, *current)
			current = nil
		}
		pos += len(line) + 1
	}
	if current != nil {
		current.end = len(text)
		spans = append(spans, *current)
	}
	return spans
}
