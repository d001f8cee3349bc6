// Command voicectl inspects and drives the voice session service from a shell.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		logLevel string
		pretty   bool
	)

	cmd := &cobra.Command{
		Use:           "voicectl",
		Short:         "Manage voice preferences and try out speech locally",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			observability.InitLogger(logLevel, pretty)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", config.GetEnv("LOG_LEVEL", "warn"), "log level")
	cmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "human readable logs")

	cmd.AddCommand(
		newPrefsCommand(),
		newPlanCommand(),
		newSayCommand(),
		newAmbientCommand(),
		newPublishCommand(),
	)
	return cmd
}

func logger() zerolog.Logger {
	return observability.GetLogger()
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
