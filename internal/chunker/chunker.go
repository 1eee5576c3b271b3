// Package chunker splits file contents into line-bounded chunks. The
// strategy is chosen by file extension; every chunk carries 1-based
// inclusive line numbers and the exact text of its lines joined by "\n".
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultTokens is the chunk-size hint used when none is configured.
const DefaultTokens = 512

// Chunk is a contiguous slice of a file's lines.
type Chunk struct {
	StartLine int
	EndLine   int
	Text      string
}

// Hash returns the SHA-256 hex of a chunk's text.
func Hash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// Strategy turns file text into chunks under a token budget.
type Strategy func(text string, tokens int) []Chunk

// strategies maps lowercased extensions to their chunking strategy.
// Markdown is the default for unknown extensions.
var strategies = map[string]Strategy{
	".md":    Markdown,
	".txt":   Markdown,
	".json":  jsonWithSplit,
	".jsonl": jsonlWithSplit,
	".yaml":  yamlWithSplit,
	".yml":   yamlWithSplit,
}

// Split chunks text using the strategy registered for the path's extension.
func Split(path, text string, tokens int) []Chunk {
	if text == "" {
		return nil
	}
	if tokens <= 0 {
		tokens = DefaultTokens
	}
	strat, ok := strategies[strings.ToLower(filepath.Ext(path))]
	if !ok {
		strat = Markdown
	}
	return strat(text, tokens)
}

var headingRe = regexp.MustCompile(`^#{1,6}\s`)

// Markdown is the sliding-window strategy: accumulate lines under a
// character budget, flush before ATX headings so a heading stays with its
// content, and seed each size-triggered flush's successor with a line
// overlap from the tail of the flushed window.
func Markdown(text string, tokens int) []Chunk {
	if text == "" {
		return nil
	}
	if tokens <= 0 {
		tokens = DefaultTokens
	}
	maxChars := tokens * 4
	if maxChars < 32 {
		maxChars = 32
	}
	overlapChars := (tokens / 8) * 4

	lines := strings.Split(text, "\n")
	var chunks []Chunk
	var buf []string
	bufChars := 0
	startLine := 1

	flush := func(endLine int) {
		joined := strings.Join(buf, "\n")
		if strings.TrimSpace(joined) != "" {
			chunks = append(chunks, Chunk{StartLine: startLine, EndLine: endLine, Text: joined})
		}
	}

	for i, line := range lines {
		lineNo := i + 1
		cost := len(line) + 1

		switch {
		case headingRe.MatchString(line) && len(buf) > 0:
			flush(lineNo - 1)
			buf = buf[:0]
			bufChars = 0
			startLine = lineNo
		case len(buf) > 0 && bufChars+cost > maxChars:
			flush(lineNo - 1)
			// Seed the next window with a tail suffix of the flushed one.
			var overlap []string
			ovChars := 0
			for j := len(buf) - 1; j >= 0 && ovChars < overlapChars; j-- {
				overlap = append(overlap, buf[j])
				ovChars += len(buf[j]) + 1
			}
			// overlap was collected tail-first; restore source order.
			for l, r := 0, len(overlap)-1; l < r; l, r = l+1, r-1 {
				overlap[l], overlap[r] = overlap[r], overlap[l]
			}
			startLine = lineNo - len(overlap)
			buf = overlap
			bufChars = ovChars
		}

		buf = append(buf, line)
		bufChars += cost
	}
	if len(buf) > 0 {
		flush(len(lines))
	}
	return chunks
}

// wholeFile emits one chunk covering every line, or nothing for blank text.
func wholeFile(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []Chunk{{
		StartLine: 1,
		EndLine:   len(strings.Split(text, "\n")),
		Text:      text,
	}}
}

// splitOversize breaks any chunk whose text exceeds tokens*4 characters into
// consecutive line-wise slices, preserving line numbers. Applied after every
// non-markdown strategy.
func splitOversize(chunks []Chunk, tokens int) []Chunk {
	maxChars := tokens * 4
	var out []Chunk
	for _, c := range chunks {
		if len(c.Text) <= maxChars {
			out = append(out, c)
			continue
		}
		lines := strings.Split(c.Text, "\n")
		start := 0
		chars := 0
		for i, line := range lines {
			cost := len(line) + 1
			if chars+cost > maxChars && i > start {
				out = append(out, Chunk{
					StartLine: c.StartLine + start,
					EndLine:   c.StartLine + i - 1,
					Text:      strings.Join(lines[start:i], "\n"),
				})
				start = i
				chars = 0
			}
			chars += cost
		}
		if start < len(lines) {
			out = append(out, Chunk{
				StartLine: c.StartLine + start,
				EndLine:   c.StartLine + len(lines) - 1,
				Text:      strings.Join(lines[start:], "\n"),
			})
		}
	}
	return out
}

func jsonWithSplit(text string, tokens int) []Chunk {
	return splitOversize(jsonChunks(text), tokens)
}

func jsonlWithSplit(text string, tokens int) []Chunk {
	return splitOversize(jsonlChunks(text), tokens)
}

func yamlWithSplit(text string, tokens int) []Chunk {
	return splitOversize(yamlChunks(text), tokens)
}

// jsonlChunks emits one chunk per line that is non-empty after trimming.
func jsonlChunks(text string) []Chunk {
	var chunks []Chunk
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		chunks = append(chunks, Chunk{StartLine: i + 1, EndLine: i + 1, Text: line})
	}
	return chunks
}
