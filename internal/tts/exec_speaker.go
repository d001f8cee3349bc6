package tts

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
)

// Placeholders use espeak-compatible scales: {rate} words per minute,
// {pitch} 0-99, {volume} amplitude 0-200.
const (
	baseWordsPerMinute = 175
	basePitch          = 50
	baseAmplitude      = 100
)

// ExecSpeaker is the local backend: it runs a speech command once per utterance
type ExecSpeaker struct {
	args      []string
	supported bool
	lang      string
	logger    zerolog.Logger
}

// NewExecSpeaker parses a command template such as
// "espeak-ng -s {rate} -p {pitch} -a {volume} -v {lang} {text}"
func NewExecSpeaker(command, lang string, logger zerolog.Logger) (*ExecSpeaker, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	_, lookErr := exec.LookPath(args[0])
	return &ExecSpeaker{
		args:      args,
		supported: lookErr == nil,
		lang:      lang,
		logger:    logger.With().Str("component", "local_tts").Logger(),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return args, nil
}

// Supported reports whether the command was found on PATH at construction
func (s *ExecSpeaker) Supported() bool {
	return s.supported
}

// Speak runs the command and waits for it to exit. Cancelling ctx kills the process.
func (s *ExecSpeaker) Speak(ctx context.Context, u Utterance) error {
	lang := u.Lang
	if lang == "" {
		lang = s.lang
	}
	argv := expandArgs(s.args,
		"{text}", u.Text,
		"{lang}", lang,
		"{rate}", strconv.Itoa(int(math.Round(baseWordsPerMinute*u.Rate))),
		"{pitch}", strconv.Itoa(clampInt(int(math.Round(basePitch*u.Pitch)), 0, 99)),
		"{volume}", strconv.Itoa(clampInt(int(math.Round(baseAmplitude*u.Volume)), 0, 200)),
	)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("local tts %s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	s.logger.Debug().Int("runes", len([]rune(u.Text))).Msg("Local utterance spoken")
	return nil
}

// expandArgs substitutes placeholder/value pairs inside each argument in a single pass,
// so text never splits into extra args and never has its own braces expanded
func expandArgs(args []string, pairs ...string) []string {
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = r.Replace(arg)
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
