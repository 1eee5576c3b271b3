package chunker

import (
	"encoding/json"
	"regexp"
	"strings"
)

var topKeyRe = regexp.MustCompile(`^\s*"([^"]+)"\s*:`)

// jsonChunks parses the text and chunks by top-level structure. Unparseable
// text and scalar roots become a single whole-file chunk; object roots chunk
// per top-level key; array roots chunk per element.
func jsonChunks(text string) []Chunk {
	var root any
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return wholeFile(text)
	}

	switch v := root.(type) {
	case map[string]any:
		if chunks := jsonObjectChunks(text, v); len(chunks) > 0 {
			return chunks
		}
		return wholeFile(text)
	case []any:
		if len(v) <= 1 {
			return wholeFile(text)
		}
		if chunks := jsonArrayChunks(text); len(chunks) > 0 {
			return chunks
		}
		return wholeFile(text)
	default:
		return wholeFile(text)
	}
}

// depthState tracks brace/bracket depth across lines, ignoring characters
// inside JSON strings.
type depthState struct {
	depth int
	inStr bool
	esc   bool
}

// scan advances the state through one line, invoking onOpen on every depth
// increase and onClose on every decrease with the depth before the change.
func (d *depthState) scan(line string, onOpen, onClose func(depthBefore int)) {
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if d.inStr {
			switch {
			case d.esc:
				d.esc = false
			case ch == '\\':
				d.esc = true
			case ch == '"':
				d.inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			d.inStr = true
		case '{', '[':
			if onOpen != nil {
				onOpen(d.depth)
			}
			d.depth++
		case '}', ']':
			d.depth--
			if onClose != nil {
				onClose(d.depth + 1)
			}
		}
	}
}

// jsonObjectChunks scans lines at depth 1 for live top-level keys and emits
// one chunk per key, spanning to the line before the next key (the last key
// runs to EOF). A trailing comma is stripped from each chunk's text.
func jsonObjectChunks(text string, root map[string]any) []Chunk {
	lines := strings.Split(text, "\n")
	var starts []int

	var st depthState
	for i, line := range lines {
		depthAtStart := st.depth
		inStrAtStart := st.inStr
		st.scan(line, nil, nil)
		if depthAtStart != 1 || inStrAtStart {
			continue
		}
		m := topKeyRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if _, ok := root[m[1]]; ok {
			starts = append(starts, i+1)
		}
	}
	if len(starts) == 0 {
		return nil
	}

	var chunks []Chunk
	for i, start := range starts {
		end := len(lines)
		if i+1 < len(starts) {
			end = starts[i+1] - 1
		}
		body := strings.Join(lines[start-1:end], "\n")
		body = stripTrailingComma(body)
		if strings.TrimSpace(body) == "" {
			continue
		}
		chunks = append(chunks, Chunk{StartLine: start, EndLine: end, Text: body})
	}
	return chunks
}

// jsonArrayChunks emits one chunk per composite array element, from its
// opening bracket/brace to the matching close, found by watching depth
// transitions across 1↔2.
func jsonArrayChunks(text string) []Chunk {
	lines := strings.Split(text, "\n")
	var chunks []Chunk

	var st depthState
	elemStart := 0
	for i, line := range lines {
		lineNo := i + 1
		st.scan(line,
			func(depthBefore int) {
				if depthBefore == 1 && elemStart == 0 {
					elemStart = lineNo
				}
			},
			func(depthBefore int) {
				if depthBefore == 2 && elemStart > 0 {
					body := strings.Join(lines[elemStart-1:lineNo], "\n")
					if strings.TrimSpace(body) != "" {
						chunks = append(chunks, Chunk{StartLine: elemStart, EndLine: lineNo, Text: body})
					}
					elemStart = 0
				}
			})
	}
	return chunks
}

// stripTrailingComma removes a single trailing comma after the last
// non-whitespace character.
func stripTrailingComma(s string) string {
	trimmed := strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		return trimmed[:len(trimmed)-1]
	}
	return s
}
