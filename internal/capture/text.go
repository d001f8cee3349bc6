package capture

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	sentenceEnders = "。！？.!?…"
	clauseEnders   = "，,、；;：:"
)

var fillerRunes = map[rune]bool{
	'嗯': true, '啊': true, '呃': true, '哦': true, '额': true, '唔': true, '哈': true, '噢': true,
}

var fillerWords = map[string]bool{
	"um": true, "uh": true, "uhm": true, "umm": true, "hmm": true, "mm": true, "mhm": true,
	"er": true, "erm": true, "huh": true, "ah": true, "oh": true, "uh-huh": true, "yeah": true, "ok": true, "okay": true,
}

// Normalize lowercases text, collapses whitespace and trims surrounding punctuation
func Normalize(text string) string {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	})
}

// EndsSentence reports whether text ends with sentence-ending punctuation
func EndsSentence(text string) bool {
	r := lastRune(text)
	return r != utf8.RuneError && strings.ContainsRune(sentenceEnders, r)
}

// EndsClause reports whether text ends with sentence or clause punctuation
func EndsClause(text string) bool {
	r := lastRune(text)
	return r != utf8.RuneError && (strings.ContainsRune(sentenceEnders, r) || strings.ContainsRune(clauseEnders, r))
}

func lastRune(text string) rune {
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	if text == "" {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeLastRuneInString(text)
	return r
}

// isFiller reports whether text holds nothing but hesitation sounds
func isFiller(text string) bool {
	norm := Normalize(text)
	if norm == "" {
		return true
	}

	words := strings.FieldsFunc(norm, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	for _, w := range words {
		if fillerWords[w] {
			continue
		}
		for _, r := range w {
			if !fillerRunes[r] {
				return false
			}
		}
	}
	return true
}

// join merges a held fragment with the next one, keeping a space between Latin words
func join(held, next string) string {
	if held == "" {
		return next
	}
	a, _ := utf8.DecodeLastRuneInString(held)
	b, _ := utf8.DecodeRuneInString(next)
	if a < utf8.RuneSelf && b < utf8.RuneSelf && unicode.IsLetter(a) && unicode.IsLetter(b) {
		return held + " " + next
	}
	return held + next
}
