package synthesis

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	sentenceEnders = "。！？!?；;\n…"
	clauseEnders   = "，,、：:—"
	closers        = "”’\"'）)」』】》"
)

// Limits bounds chunk length in runes
type Limits struct {
	Max   int // every chunk after the first
	First int // the first chunk of a session
}

// LimitsFor returns the chunk limits for a style on a backend
func LimitsFor(style Style, backend Backend) Limits {
	max, first := 120, 40
	if backend == Remote {
		max, first = 220, 60
	}
	if style == Narrative {
		max = max * 6 / 10
	}
	if first > max {
		first = max
	}
	return Limits{Max: max, First: first}
}

// Split cuts text into chunks at sentence boundaries, packing sentences up to
// the limits. Overlong sentences are cut at clauses, then hard-cut by rune count.
// With presplit, the first chunk is further cut at its first clause boundary.
// Concatenating the result always reproduces text.
func Split(text string, lim Limits, presplit bool) []string {
	if text == "" {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	limit := func() int {
		if len(chunks) == 0 {
			return lim.First
		}
		return lim.Max
	}
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, sentence := range splitSentences(text) {
		n := utf8.RuneCountInString(sentence)
		if curLen+n <= limit() {
			cur.WriteString(sentence)
			curLen += n
			continue
		}
		flush()
		if n <= limit() {
			cur.WriteString(sentence)
			curLen = n
			continue
		}
		for _, clause := range splitClauses(sentence) {
			for _, piece := range hardCut(clause, limit) {
				pn := utf8.RuneCountInString(piece)
				if curLen+pn > limit() {
					flush()
				}
				cur.WriteString(piece)
				curLen += pn
			}
		}
	}
	flush()

	if presplit && len(chunks) > 0 {
		if head, tail, ok := cutFirstClause(chunks[0]); ok {
			chunks = append([]string{head, tail}, chunks[1:]...)
		}
	}
	return chunks
}

// splitSentences splits after sentence enders, keeping trailing closers and spaces
func splitSentences(text string) []string {
	return splitAfter(text, func(prev, r, next rune) bool {
		if strings.ContainsRune(sentenceEnders, r) {
			return true
		}
		// a period between digits is a decimal point
		return r == '.' && !(unicode.IsDigit(prev) && unicode.IsDigit(next))
	})
}

// splitClauses splits after clause punctuation and, for spaced scripts, after words
func splitClauses(text string) []string {
	return splitAfter(text, func(prev, r, next rune) bool {
		return strings.ContainsRune(clauseEnders, r) || (r == ' ' && prev != ' ')
	})
}

func splitPunctClauses(text string) []string {
	return splitAfter(text, func(prev, r, next rune) bool {
		return strings.ContainsRune(clauseEnders, r)
	})
}

// splitAfter cuts text after every rune where isEnd holds, extending each cut
// over closing quotes, brackets and spaces that follow
func splitAfter(text string, isEnd func(prev, r, next rune) bool) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		prev, next := rune(0), rune(0)
		if i > 0 {
			prev = runes[i-1]
		}
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		if !isEnd(prev, runes[i], next) {
			continue
		}
		j := i + 1
		for j < len(runes) {
			r := runes[j]
			if strings.ContainsRune(closers, r) || r == ' ' || r == '\t' {
				j++
				continue
			}
			nx := rune(0)
			if j+1 < len(runes) {
				nx = runes[j+1]
			}
			// repeated enders such as "?!" or "……" stay with their sentence
			if isEnd(runes[j-1], r, nx) {
				j++
				continue
			}
			break
		}
		out = append(out, string(runes[start:j]))
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// hardCut splits text into pieces no longer than limit() runes
func hardCut(text string, limit func() int) []string {
	runes := []rune(text)
	max := limit()
	if max <= 0 {
		max = 1
	}
	if len(runes) <= max {
		return []string{text}
	}
	var out []string
	for len(runes) > max {
		out = append(out, string(runes[:max]))
		runes = runes[max:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// cutFirstClause splits a chunk at its first clause boundary when both halves carry speech
func cutFirstClause(chunk string) (string, string, bool) {
	parts := splitPunctClauses(chunk)
	if len(parts) < 2 {
		return "", "", false
	}
	head := parts[0]
	tail := strings.Join(parts[1:], "")
	if utf8.RuneCountInString(strings.TrimSpace(head)) < 4 || strings.TrimSpace(tail) == "" {
		return "", "", false
	}
	return head, tail, true
}
