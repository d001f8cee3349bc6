package synthesis

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSplit_SentenceBoundaries(t *testing.T) {
	chunks := Split("你好。今天天气怎么样？", Limits{Max: 8, First: 8}, false)
	assert.Equal(t, []string{"你好。", "今天天气怎么样？"}, chunks)
}

func TestSplit_PacksSentences(t *testing.T) {
	chunks := Split("一。二。三。四。", Limits{Max: 4, First: 2}, false)
	assert.Equal(t, []string{"一。", "二。三。", "四。"}, chunks)
}

func TestSplit_KeepsClosersWithSentence(t *testing.T) {
	chunks := Split("他说：“走吧！” 然后离开了。", Limits{Max: 10, First: 10}, false)
	assert.Equal(t, "他说：“走吧！” ", chunks[0])
	assert.Equal(t, "他说：“走吧！” 然后离开了。", strings.Join(chunks, ""))
}

func TestSplit_DecimalPointIsNotSentenceEnd(t *testing.T) {
	assert.Equal(t, []string{"价格是3.5元。", "好"}, splitSentences("价格是3.5元。好"))
	assert.Equal(t, []string{"Done. ", "Next"}, splitSentences("Done. Next"))
}

func TestSplit_RepeatedEndersStayTogether(t *testing.T) {
	assert.Equal(t, []string{"真的吗？！", "是的……", "好"}, splitSentences("真的吗？！是的……好"))
}

func TestSplit_OverlongSentenceCutsAtClauses(t *testing.T) {
	text := "第一部分很长，第二部分也很长，第三部分。"
	chunks := Split(text, Limits{Max: 8, First: 8}, false)
	assert.Equal(t, []string{"第一部分很长，", "第二部分也很长，", "第三部分。"}, chunks)
}

func TestSplit_HardCut(t *testing.T) {
	text := strings.Repeat("字", 25)
	chunks := Split(text, Limits{Max: 10, First: 5}, false)
	assert.Equal(t, []string{
		strings.Repeat("字", 5),
		strings.Repeat("字", 10),
		strings.Repeat("字", 10),
	}, chunks)
}

func TestSplit_Presplit(t *testing.T) {
	text := "很久很久以前，有一座山。"
	assert.Equal(t, []string{"很久很久以前，", "有一座山。"}, Split(text, Limits{Max: 60, First: 60}, true))

	// a head too short to carry speech is not cut off
	assert.Equal(t, []string{"好，有一座山。"}, Split("好，有一座山。", Limits{Max: 60, First: 60}, true))
}

func TestSplit_Empty(t *testing.T) {
	assert.Nil(t, Split("", Limits{Max: 10, First: 10}, false))
}

func TestLimitsFor(t *testing.T) {
	assert.Equal(t, Limits{Max: 120, First: 40}, LimitsFor(General, Local))
	assert.Equal(t, Limits{Max: 220, First: 60}, LimitsFor(Longform, Remote))
	assert.Equal(t, Limits{Max: 72, First: 40}, LimitsFor(Narrative, Local))
	assert.Equal(t, Limits{Max: 132, First: 60}, LimitsFor(Narrative, Remote))
}

var splitAlphabet = []string{
	"你", "好", "长", "a", "b", " ", "。", "，", "、", "？", "!", ".", "1", "”", "）", "\n", "…", "；",
}

func TestSplit_ConcatenationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		parts := rapid.SliceOf(rapid.SampledFrom(splitAlphabet)).Draw(rt, "parts")
		max := rapid.IntRange(1, 40).Draw(rt, "max")
		first := rapid.IntRange(1, max).Draw(rt, "first")
		presplit := rapid.Bool().Draw(rt, "presplit")

		text := strings.Join(parts, "")
		chunks := Split(text, Limits{Max: max, First: first}, presplit)
		if got := strings.Join(chunks, ""); got != text {
			rt.Fatalf("concatenation %q != input %q", got, text)
		}
		for i, c := range chunks {
			if c == "" {
				rt.Fatalf("chunk %d is empty", i)
			}
		}
	})
}

func TestSplit_LengthProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		parts := rapid.SliceOf(rapid.SampledFrom(splitAlphabet)).Draw(rt, "parts")
		max := rapid.IntRange(1, 40).Draw(rt, "max")
		first := rapid.IntRange(1, max).Draw(rt, "first")

		chunks := Split(strings.Join(parts, ""), Limits{Max: max, First: first}, false)
		for i, c := range chunks {
			limit := max
			if i == 0 {
				limit = first
			}
			if n := utf8.RuneCountInString(c); n > limit {
				rt.Fatalf("chunk %d has %d runes, limit %d", i, n, limit)
			}
		}
	})
}
