package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "auto listen on", Normalize("  Auto   Listen ON! "))
	assert.Equal(t, "停止", Normalize("停止。"))
	assert.Equal(t, "", Normalize("……"))
}

func TestIsFiller(t *testing.T) {
	tests := map[string]bool{
		"嗯":      true,
		"嗯嗯啊":    true,
		"Um, uh.": true,
		"uh-huh":  true,
		"好的":     false,
		"um hello": false,
	}
	for text, want := range tests {
		assert.Equal(t, want, isFiller(text), text)
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "我想听音乐", join("我想", "听音乐"))
	assert.Equal(t, "turn off", join("turn", "off"))
	assert.Equal(t, "ok，好", join("ok，", "好"))
}

func TestPunctuation(t *testing.T) {
	assert.True(t, EndsSentence("你好。"))
	assert.True(t, EndsSentence("really? "))
	assert.False(t, EndsSentence("你好，"))
	assert.True(t, EndsClause("你好，"))
	assert.False(t, EndsClause("你好"))
}
