package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/prefs"
)

func newPrefsCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read and write the stored voice preferences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&path, "db", config.GetEnv("PREFS_PATH", "./data/prefs.db"), "preference database")

	withStore := func(fn func(cmd *cobra.Command, s *prefs.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, err := prefs.Open(cmd.Context(), path, logger())
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(cmd, s, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show every preference with its effective value",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, s *prefs.Store, _ []string) error {
				p, err := s.Load(cmd.Context(), prefs.Defaults())
				if err != nil {
					return err
				}
				values := p.Values()
				for _, key := range prefs.Keys() {
					printf(cmd, "%-20s %s\n", key, values[key])
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:     "get <key>",
			Short:   "Print one stored preference",
			Args:    cobra.ExactArgs(1),
			Example: `voicectl prefs get tts.rate`,
			RunE: withStore(func(cmd *cobra.Command, s *prefs.Store, args []string) error {
				value, ok, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					value = prefs.Defaults().Values()[args[0]]
					if value == "" {
						return fmt.Errorf("%w: %s", prefs.ErrUnknownKey, args[0])
					}
				}
				printf(cmd, "%s\n", value)
				return nil
			}),
		},
		&cobra.Command{
			Use:     "set <key> <value>",
			Short:   "Store one preference",
			Args:    cobra.ExactArgs(2),
			Example: `voicectl prefs set tts.backend remote`,
			RunE: withStore(func(cmd *cobra.Command, s *prefs.Store, args []string) error {
				return s.Set(cmd.Context(), args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "reset <key>",
			Short: "Remove a stored preference so its default applies",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, s *prefs.Store, args []string) error {
				return s.Delete(cmd.Context(), args[0])
			}),
		},
	)
	return cmd
}
