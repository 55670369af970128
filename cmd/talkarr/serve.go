package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/talkarr/talkarr/daemon"
	"github.com/talkarr/talkarr/logging"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the talkarr daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.ensureSettings()
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Options{
				Level:      s.Log.Level,
				Format:     s.Log.Format,
				File:       s.Log.File,
				MaxSizeMB:  s.Log.MaxSizeMB,
				MaxBackups: s.Log.MaxBackups,
				MaxAgeDays: s.Log.MaxAgeDays,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := daemon.New(signalCtx, s, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			return d.Run(signalCtx)
		},
	}
}
