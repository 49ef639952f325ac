package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/ssbtransport"
)

func newServeCommand(c *cli) *cobra.Command {
	var (
		service string
		group   string
		reply   string
		endDlg  bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive messages for a service and print them",
		Long: `serve locks conversation groups of a service one session at a time and prints
every received message. Each session commits when all of its messages were
printed (and replied to with --reply), otherwise it rolls back and the broker
redelivers the group.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(c)
			if err != nil {
				return err
			}
			var opts []ssbtransport.ListenOption
			if group != "" {
				id, err := uuid.Parse(group)
				if err != nil {
					return fmt.Errorf("parse --group: %w", err)
				}
				opts = append(opts, ssbtransport.WithConversationGroup(id))
			}
			logger := c.logger("cli.serve")
			eng, err := c.newEngine("transport")
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			l, err := eng.Listen(service, opts...)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := l.Open(ctx); err != nil {
				return err
			}
			logger.Info("cli.serve.started", "service", service, "queue", l.Info().QueueName)

			var (
				mu       sync.Mutex
				received int
			)
			serveCtx, stop := context.WithCancel(ctx)
			defer stop()
			handler := ssbtransport.HandleMessages(func(ctx context.Context, s *ssbtransport.InputSession, m *ssbtransport.Message) error {
				mu.Lock()
				defer mu.Unlock()
				if limit > 0 && received >= limit {
					return errors.New("message limit reached")
				}
				if err := render(cmd, format, newMessageView(s, m)); err != nil {
					return err
				}
				if m.Kind() == ssbtransport.MessageData && reply != "" {
					out, err := s.Reply(ctx, m.Conversation.ConversationHandle)
					if err != nil {
						return err
					}
					if err := out.Send(ctx, append([]byte(reply), m.Body...)); err != nil {
						out.Abort()
						return err
					}
					if err := out.Close(ctx); err != nil {
						return err
					}
				}
				if endDlg {
					if err := s.EndConversation(ctx, m.Conversation.ConversationHandle); err != nil {
						return err
					}
				}
				received++
				if limit > 0 && received >= limit {
					s.OnClose(func(context.Context, ssbtransport.Commands) error {
						l.Abort()
						return nil
					})
				}
				return nil
			})
			err = l.Serve(serveCtx, handler)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("cli.serve.stopped", "received", received)
			return render(cmd, format, newStatsView(eng.Stats()))
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&service, "service", "s", "", "service to receive for")
	flags.StringVarP(&group, "group", "g", "", "receive only this conversation group")
	flags.StringVar(&reply, "reply", "", "reply to every data message with this prefix followed by the received body")
	flags.BoolVar(&endDlg, "end", false, "end every conversation a message arrived on")
	flags.IntVarP(&limit, "count", "n", 0, "stop after this many messages (0 serves until interrupted)")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}
