package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type cleanupView struct {
	Removed int      `yaml:"removed"`
	Handles []string `yaml:"handles,omitempty"`
}

func newCleanupCommand(c *cli) *cobra.Command {
	var (
		all bool
		yes bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup [handle]...",
		Short: "Remove conversation endpoints without notifying the far side",
		Long: `cleanup runs END CONVERSATION ... WITH CLEANUP for every handle given, or for
every conversation endpoint in the database with --all. Messages queued on
removed conversations are discarded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(c)
			if err != nil {
				return err
			}
			if all == (len(args) > 0) {
				return errors.New("pass conversation handles or --all")
			}
			if all && !yes {
				return errors.New("--all removes every conversation endpoint in the database; confirm with --yes")
			}
			handles := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				h, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("parse conversation handle %q: %w", arg, err)
				}
				handles = append(handles, h)
			}

			logger := c.logger("cli.cleanup")
			eng, err := c.newEngine("transport")
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			ctx := cmd.Context()
			var view cleanupView
			if all {
				n, err := eng.EndAllConversationsWithCleanup(ctx)
				if err != nil {
					return err
				}
				view.Removed = n
				return render(cmd, format, view)
			}
			for _, h := range handles {
				if err := eng.EndConversationWithCleanup(ctx, h); err != nil {
					return fmt.Errorf("cleanup %s: %w", h, err)
				}
				view.Removed++
				view.Handles = append(view.Handles, h.String())
			}
			return render(cmd, format, view)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every conversation endpoint in the database")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm --all")
	return cmd
}
