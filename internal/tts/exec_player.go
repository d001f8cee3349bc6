package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ExecPlayer plays audio by piping it to a command's stdin,
// e.g. "aplay -q -t raw -f S16_LE -r {sample_rate} -c {channels} -"
type ExecPlayer struct {
	args      []string
	supported bool
	logger    zerolog.Logger
}

// NewExecPlayer parses a player command template
func NewExecPlayer(command string, logger zerolog.Logger) (*ExecPlayer, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	_, lookErr := exec.LookPath(args[0])
	return &ExecPlayer{
		args:      args,
		supported: lookErr == nil,
		logger:    logger.With().Str("component", "player").Logger(),
	}, nil
}

// Supported reports whether the command was found on PATH at construction
func (p *ExecPlayer) Supported() bool {
	return p.supported
}

// Play writes audio to the command and waits for it to exit
func (p *ExecPlayer) Play(ctx context.Context, audio *Audio) error {
	if audio == nil || len(audio.Data) == 0 {
		return nil
	}
	channels := audio.Channels
	if channels == 0 {
		channels = 1
	}
	argv := expandArgs(p.args,
		"{sample_rate}", strconv.Itoa(audio.SampleRate),
		"{channels}", strconv.Itoa(channels),
		"{format}", audio.Format,
	)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(audio.Data)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player %s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	p.logger.Debug().Int("bytes", len(audio.Data)).Msg("Playback complete")
	return nil
}
