package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/delivery"
)

func newPublishCommand() *cobra.Command {
	var (
		url    string
		prefix string
		by     string
		kind   string
	)

	cmd := &cobra.Command{
		Use:     "publish <channel> <text>",
		Short:   "Publish a channel event over NATS, as the messaging service would",
		Args:    cobra.MinimumNArgs(2),
		Example: `voicectl publish general "现在是下午三点。"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := nats.Connect(url, nats.Name("voicectl"), nats.Timeout(5*time.Second))
			if err != nil {
				return err
			}
			defer conn.Close()

			e := delivery.Event{
				ID:   uuid.NewString(),
				Kind: kind,
				TS:   time.Now().UTC(),
				By:   by,
				Text: strings.Join(args[1:], " "),
			}
			if err := delivery.Publish(conn, prefix, args[0], e); err != nil {
				return err
			}
			if err := conn.FlushTimeout(5 * time.Second); err != nil {
				return err
			}
			printf(cmd, "published %s to %s%s\n", e.ID, prefix, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "nats", config.GetEnv("NATS_URL", nats.DefaultURL), "NATS server URL")
	cmd.Flags().StringVar(&prefix, "prefix", delivery.DefaultSubjectPrefix, "subject prefix")
	cmd.Flags().StringVar(&by, "by", "agent", "author id")
	cmd.Flags().StringVar(&kind, "kind", "message", "event kind")
	return cmd
}
