package chunker

import (
	"regexp"
	"strings"
)

var (
	yamlSepRe = regexp.MustCompile(`^---\s*$`)
	yamlKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*\s*:`)
)

// yamlChunks splits multi-document files on "---" separators, otherwise by
// top-level keys. Files with at most one key become a single chunk.
func yamlChunks(text string) []Chunk {
	lines := strings.Split(text, "\n")

	var seps []int
	for i, line := range lines {
		if yamlSepRe.MatchString(line) {
			seps = append(seps, i+1)
		}
	}
	if len(seps) >= 2 {
		return yamlDocumentChunks(lines, seps)
	}

	var keys []int
	for i, line := range lines {
		if yamlKeyRe.MatchString(line) {
			keys = append(keys, i+1)
		}
	}
	if len(keys) <= 1 {
		return wholeFile(strings.Join(lines, "\n"))
	}

	var chunks []Chunk
	for i, start := range keys {
		end := len(lines)
		if i+1 < len(keys) {
			end = keys[i+1] - 1
		}
		body := strings.Join(lines[start-1:end], "\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		chunks = append(chunks, Chunk{StartLine: start, EndLine: end, Text: body})
	}
	return chunks
}

// yamlDocumentChunks emits one chunk per document segment: any leading lines
// before the first separator, then one segment per "---" line. Segments
// whose non-separator body is blank are skipped.
func yamlDocumentChunks(lines []string, seps []int) []Chunk {
	var chunks []Chunk

	emit := func(start, end int) {
		if start > end {
			return
		}
		body := strings.Join(lines[start-1:end], "\n")
		if blankBesidesSeparators(lines[start-1 : end]) {
			return
		}
		chunks = append(chunks, Chunk{StartLine: start, EndLine: end, Text: body})
	}

	if seps[0] > 1 {
		emit(1, seps[0]-1)
	}
	for i, sep := range seps {
		end := len(lines)
		if i+1 < len(seps) {
			end = seps[i+1] - 1
		}
		emit(sep, end)
	}
	return chunks
}

func blankBesidesSeparators(lines []string) bool {
	for _, line := range lines {
		if yamlSepRe.MatchString(line) {
			continue
		}
		if strings.TrimSpace(line) != "" {
			return false
		}
	}
	return true
}
