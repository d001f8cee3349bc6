package synthesis

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Style is the delivery style of a session
type Style string

const (
	General   Style = "general"
	Brief     Style = "brief"     // periodic status briefs
	Longform  Style = "longform"  // long explanations
	Narrative Style = "narrative" // dramatic narration and stories
)

const (
	longformRunes   = 400
	briefMaxRunes   = 30
	narrativeQuotes = 3
)

var styleMarkers = []struct {
	prefix string
	style  Style
}{
	{"[brief]", Brief},
	{"⏱", Brief},
	{"【播报】", Brief},
	{"[story]", Narrative},
	{"[narrative]", Narrative},
	{"【旁白】", Narrative},
	{"[long]", Longform},
	{"[longform]", Longform},
	{"[general]", General},
}

var (
	clockPattern    = regexp.MustCompile(`\d{1,2}[:：]\d{2}`)
	dialoguePattern = regexp.MustCompile(`“[^”]+”|「[^」]+」|"[^"]+"`)
)

// Classify derives the style of text. explicit reports whether a marker chose it;
// body is text with the marker removed.
func Classify(text string) (style Style, body string, explicit bool) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	lower := strings.ToLower(trimmed)
	for _, m := range styleMarkers {
		if strings.HasPrefix(lower, m.prefix) {
			return m.style, strings.TrimLeft(trimmed[len(m.prefix):], " \t"), true
		}
	}

	runes := utf8.RuneCountInString(text)
	switch {
	case len(dialoguePattern.FindAllStringIndex(text, narrativeQuotes)) >= narrativeQuotes:
		return Narrative, text, false
	case runes >= longformRunes:
		return Longform, text, false
	case runes <= briefMaxRunes && clockPattern.MatchString(text):
		return Brief, text, false
	}
	return General, text, false
}
