package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/synthesis"
	"github.com/lexiqai/voice-session/internal/tts"
)

func newPlanCommand() *cobra.Command {
	var (
		backend string
		rate    float64
	)

	cmd := &cobra.Command{
		Use:     "plan <text>",
		Short:   "Show how a reply would be classified and chunked",
		Args:    cobra.MinimumNArgs(1),
		Example: `voicectl plan --backend remote "[story]从前有一座山。"`,
		Run: func(cmd *cobra.Command, args []string) {
			style, chunks := synthesis.PlanText(strings.Join(args, " "), synthesis.ParseBackend(backend), rate)
			printf(cmd, "style: %s\n", style)
			for _, c := range chunks {
				printf(cmd, "%3d  %-6s rate=%.2f pitch=%.2f vol=%.2f pause=%-6s %s\n",
					c.Index, c.Backend, c.Prosody.Rate, c.Prosody.Pitch, c.Prosody.Volume, c.Pause, c.Text)
			}
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "local", "speech backend: local or remote")
	cmd.Flags().Float64Var(&rate, "rate", 1.0, "rate multiplier")
	return cmd
}

func newSayCommand() *cobra.Command {
	var (
		command   string
		player    string
		remoteURL string
		engine    string
		lang      string
		rate      float64
	)

	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Speak text through the local speech command or the remote backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			backend := synthesis.Local
			if remoteURL != "" {
				backend = synthesis.Remote
			}
			style, chunks := synthesis.PlanText(strings.Join(args, " "), backend, rate)
			log := logger()
			log.Info().Str("style", string(style)).Int("chunks", len(chunks)).Msg("Speaking")

			speaker, err := tts.NewExecSpeaker(command, lang, logger())
			if err != nil {
				return err
			}
			var (
				remote *tts.HTTPSynthesizer
				out    *tts.ExecPlayer
			)
			if remoteURL != "" {
				remote = tts.NewHTTPSynthesizer(tts.HTTPConfig{
					URL:     remoteURL,
					APIKey:  os.Getenv("REMOTE_TTS_API_KEY"),
					Engine:  engine,
					Timeout: 20 * time.Second,
				}, nil, logger())
				if out, err = tts.NewExecPlayer(player, logger()); err != nil {
					return err
				}
				if !out.Supported() {
					return fmt.Errorf("player command %q not found", player)
				}
			}

			for _, c := range chunks {
				if err := sayChunk(ctx, c, style, lang, speaker, remote, out); err != nil {
					return err
				}
				select {
				case <-time.After(c.Pause):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&command, "command", config.GetEnv("LOCAL_TTS_COMMAND", "espeak-ng -s {rate} -p {pitch} -a {volume} -v {lang} {text}"), "local speech command template")
	cmd.Flags().StringVar(&player, "player", "aplay -q -t raw -f S16_LE -r {sample_rate} -c {channels} -", "audio player command template for remote audio")
	cmd.Flags().StringVar(&remoteURL, "remote", "", "remote synthesis URL; empty speaks locally")
	cmd.Flags().StringVar(&engine, "engine", "neural", "remote synthesis engine")
	cmd.Flags().StringVar(&lang, "lang", "zh-CN", "language tag")
	cmd.Flags().Float64Var(&rate, "rate", 1.0, "rate multiplier")
	return cmd
}

func sayChunk(ctx context.Context, c synthesis.Chunk, style synthesis.Style, lang string, speaker *tts.ExecSpeaker, remote *tts.HTTPSynthesizer, out *tts.ExecPlayer) error {
	if c.Backend != synthesis.Remote || remote == nil {
		if !speaker.Supported() {
			return errors.New("local speech command not found")
		}
		return speaker.Speak(ctx, tts.Utterance{Text: c.Text, Lang: lang, Prosody: c.Prosody})
	}

	a, err := remote.Synthesize(ctx, tts.Request{
		Text:   c.Text,
		Style:  string(style),
		Lang:   lang,
		Rate:   c.Prosody.Rate,
		Pitch:  c.Prosody.Pitch,
		Volume: c.Prosody.Volume,
	})
	if err != nil {
		return fmt.Errorf("chunk %d: %w", c.Index, err)
	}
	if a.Format == "audio/wav" || bytes.HasPrefix(a.Data, []byte("RIFF")) {
		clip, err := audio.ReadWAV(a.Data)
		if err != nil {
			return err
		}
		a = &tts.Audio{Data: audio.SamplesToBytes(clip.Mono()), Format: "audio/pcm", SampleRate: clip.SampleRate, Channels: 1}
	}
	return out.Play(ctx, a)
}

func newAmbientCommand() *cobra.Command {
	var (
		outPath string
		seconds float64
		volume  float64
		seed    int64
	)

	cmd := &cobra.Command{
		Use:     "ambient",
		Short:   "Render the narration soundscape to a WAV file",
		Args:    cobra.NoArgs,
		Example: `voicectl ambient --out bed.wav --seconds 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := audio.DefaultSoundscapeConfig()
			cfg.Volume = volume
			cfg.Seed = seed

			samples := audio.Render(cfg, int(seconds*float64(cfg.SampleRate)))
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			if err := audio.WriteWAV(f, samples, cfg.SampleRate, 1); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			printf(cmd, "wrote %d samples at %d Hz to %s\n", len(samples), cfg.SampleRate, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "ambient.wav", "output file")
	cmd.Flags().Float64Var(&seconds, "seconds", 10, "duration")
	cmd.Flags().Float64Var(&volume, "volume", audio.DefaultSoundscapeConfig().Volume, "master gain, 0..1")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for accents")
	return cmd
}
