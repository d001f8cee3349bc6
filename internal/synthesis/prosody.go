package synthesis

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lexiqai/voice-session/internal/tts"
)

var baseProsody = map[Style]tts.Prosody{
	General:   {Rate: 1.0, Pitch: 1.0, Volume: 1.0},
	Brief:     {Rate: 1.1, Pitch: 1.0, Volume: 0.9},
	Longform:  {Rate: 0.95, Pitch: 1.0, Volume: 1.0},
	Narrative: {Rate: 0.88, Pitch: 0.95, Volume: 1.0},
}

const (
	questionPitch     = 0.08
	questionRate      = -0.04
	exclaimPitch      = 0.06
	exclaimRate       = 0.05
	firstChunkRate    = -0.02
	lastChunkPitch    = -0.03
	minRateMultiplier = 0.5
	maxRateMultiplier = 2.0
)

// trailingMark returns the last rune of text that is not a space or closer
func trailingMark(text string) rune {
	text = strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(closers, r)
	})
	if text == "" {
		return 0
	}
	r, _ := utf8.DecodeLastRuneInString(text)
	return r
}

// ProsodyFor computes the prosody of chunk index of total with the given text
func ProsodyFor(style Style, index, total int, text string, multiplier float64) tts.Prosody {
	p, ok := baseProsody[style]
	if !ok {
		p = baseProsody[General]
	}

	switch trailingMark(text) {
	case '?', '？':
		p.Pitch += questionPitch
		p.Rate += questionRate
	case '!', '！':
		p.Pitch += exclaimPitch
		p.Rate += exclaimRate
	}

	jitter := float64((index*37)%7-3) * 0.01
	p.Pitch += jitter
	p.Rate += jitter / 2

	if index == 0 {
		p.Rate += firstChunkRate
	}
	if index == total-1 {
		p.Pitch += lastChunkPitch
	}

	p.Rate *= clamp(multiplier, minRateMultiplier, maxRateMultiplier)

	p.Rate = clamp(p.Rate, 0.1, 10)
	p.Pitch = clamp(p.Pitch, 0, 2)
	p.Volume = clamp(p.Volume, 0, 1)
	return p
}

// PauseAfter returns the silence after a chunk; the last chunk gets none
func PauseAfter(style Style, text string, last bool) time.Duration {
	if last {
		return 0
	}

	mark := trailingMark(text)
	pause := 60 * time.Millisecond
	switch {
	case mark == '.' || strings.ContainsRune(sentenceEnders, mark):
		pause = 280 * time.Millisecond
	case strings.ContainsRune(clauseEnders, mark):
		pause = 160 * time.Millisecond
	}

	switch style {
	case Narrative:
		pause = pause * 135 / 100
	case Brief:
		pause = pause * 6 / 10
	}
	return pause
}

// WatchdogFor returns how long one chunk may take to play
func WatchdogFor(style Style, text string, rate float64, base, perRune time.Duration) time.Duration {
	if rate <= 0 {
		rate = 1
	}
	d := base + time.Duration(float64(perRune)*float64(utf8.RuneCountInString(text))/rate)
	if style == Narrative || style == Longform {
		d = d * 3 / 2
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
