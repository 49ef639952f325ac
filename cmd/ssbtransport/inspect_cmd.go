package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newServiceCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "service <name>",
		Short: "Resolve a service and its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(c)
			if err != nil {
				return err
			}
			logger := c.logger("cli.service")
			eng, err := c.newEngine("transport")
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)
			info, err := eng.ResolveService(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, format, newServiceView(info))
		},
	}
}

func newConversationCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "conversation <handle>",
		Aliases: []string{"conv"},
		Short:   "Show a conversation endpoint",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(c)
			if err != nil {
				return err
			}
			handle, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse conversation handle: %w", err)
			}
			logger := c.logger("cli.conversation")
			eng, err := c.newEngine("transport")
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)
			info, err := eng.LookupConversation(cmd.Context(), handle)
			if err != nil && info.ConversationHandle == uuid.Nil {
				return err
			}
			return render(cmd, format, newConversationView(info))
		},
	}
}
