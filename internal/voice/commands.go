package voice

import (
	"github.com/lexiqai/voice-session/internal/capture"
)

// Command is a local voice command handled without contacting the agent
type Command string

const (
	CmdStop          Command = "stop"
	CmdResume        Command = "resume"
	CmdSlower        Command = "slower"
	CmdFaster        Command = "faster"
	CmdLocalVoice    Command = "local_voice"
	CmdRemoteVoice   Command = "remote_voice"
	CmdAutoListenOn  Command = "auto_listen_on"
	CmdAutoListenOff Command = "auto_listen_off"
)

// Vocabulary maps normalized phrases to commands. It satisfies
// capture.CommandMatcher so commands commit without waiting for silence.
type Vocabulary map[string]Command

// DefaultVocabulary returns the built-in Chinese and English phrases
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		"停止":      CmdStop,
		"停":       CmdStop,
		"stop":    CmdStop,
		"shut up": CmdStop,

		"继续":       CmdResume,
		"resume":   CmdResume,
		"continue": CmdResume,

		"慢一点":    CmdSlower,
		"slower": CmdSlower,
		"快一点":    CmdFaster,
		"faster": CmdFaster,

		"本地语音":         CmdLocalVoice,
		"local voice":  CmdLocalVoice,
		"云端语音":         CmdRemoteVoice,
		"remote voice": CmdRemoteVoice,

		"自动聆听":            CmdAutoListenOn,
		"auto listen on":  CmdAutoListenOn,
		"关闭自动":            CmdAutoListenOff,
		"auto listen off": CmdAutoListenOff,
	}
}

// Match returns the command text names, if any
func (v Vocabulary) Match(text string) (Command, bool) {
	cmd, ok := v[capture.Normalize(text)]
	return cmd, ok
}

// IsCommand implements capture.CommandMatcher
func (v Vocabulary) IsCommand(text string) bool {
	_, ok := v.Match(text)
	return ok
}
