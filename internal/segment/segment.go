// Package segment produces the token streams the lexical index consumes.
// Pure Latin text passes through untouched; text containing CJK code points
// goes through gse in search mode, which emits overlapping sub-words to
// maximize recall.
package segment

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/go-ego/gse"
)

// Segmenter tokenizes mixed CJK/Latin text. The CJK dictionary loads lazily
// on the first text that needs it.
type Segmenter struct {
	once    sync.Once
	seg     gse.Segmenter
	loadErr error
	log     *slog.Logger
}

// New returns a Segmenter. The dictionary is not loaded until needed.
func New(logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{log: logger}
}

// ForIndex returns the text to store in the lexical index: unchanged for
// non-CJK input, space-joined search-mode tokens otherwise.
func (s *Segmenter) ForIndex(text string) string {
	if !hasCJK(text) {
		return text
	}
	tokens := s.cutSearch(text)
	if len(tokens) == 0 {
		return text
	}
	return strings.Join(tokens, " ")
}

// ForQuery returns the query tokens: alphanumeric/underscore runs for
// non-CJK input, search-mode tokens otherwise.
func (s *Segmenter) ForQuery(text string) []string {
	if !hasCJK(text) {
		return wordRuns(text)
	}
	tokens := s.cutSearch(text)
	if len(tokens) == 0 {
		return wordRuns(text)
	}
	return tokens
}

func (s *Segmenter) cutSearch(text string) []string {
	s.once.Do(func() {
		s.loadErr = s.seg.LoadDict()
		if s.loadErr != nil {
			s.log.Warn("CJK dictionary load failed, segmentation degrades", "error", s.loadErr)
		}
	})
	if s.loadErr != nil {
		return nil
	}
	var tokens []string
	for _, t := range s.seg.CutSearch(text, true) {
		t = strings.TrimSpace(t)
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// hasCJK reports whether text contains a code point in the unified CJK
// blocks (U+4E00–U+9FFF, U+3400–U+4DBF).
func hasCJK(text string) bool {
	for _, r := range text {
		if (r >= 0x4E00 && r <= 0x9FFF) || (r >= 0x3400 && r <= 0x4DBF) {
			return true
		}
	}
	return false
}

// wordRuns splits text into maximal [0-9A-Za-z_] runs.
func wordRuns(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
