package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/ssbtransport"
)

func newSendCommand(c *cli) *cobra.Command {
	var (
		address      string
		group        string
		conversation string
		messageType  string
		begin        bool
		end          bool
		timer        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [flags] <body>...",
		Short: "Send messages from a source service to a target service",
		Long: `send opens an output session on --address and sends every argument as one
message. A single "-" argument reads the body from stdin. Without --begin or
--conversation the messages travel on an implicit conversation that is ended
when the session closes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(c)
			if err != nil {
				return err
			}
			addr, err := ssbtransport.ParseAddress(address)
			if err != nil {
				return err
			}
			bodies, err := readBodies(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			var groupID, handle uuid.UUID
			if group != "" {
				if groupID, err = uuid.Parse(group); err != nil {
					return fmt.Errorf("parse --group: %w", err)
				}
				begin = true
			}
			if conversation != "" {
				if begin {
					return fmt.Errorf("--conversation cannot be combined with --begin or --group")
				}
				if handle, err = uuid.Parse(conversation); err != nil {
					return fmt.Errorf("parse --conversation: %w", err)
				}
			}
			if timer < 0 {
				return fmt.Errorf("--timer must be >= 0")
			}

			logger := c.logger("cli.send")
			eng, err := c.newEngine("transport")
			if err != nil {
				return err
			}
			defer closeEngine(eng, logger)

			ctx := cmd.Context()
			out, err := eng.Dial(addr)
			if err != nil {
				return err
			}
			if err := out.Open(ctx); err != nil {
				return err
			}
			committed := false
			defer func() {
				if !committed {
					out.Abort()
				}
			}()
			switch {
			case begin:
				if _, err := out.BeginConversation(ctx, groupID); err != nil {
					return err
				}
			case handle != uuid.Nil:
				if err := out.OpenConversation(ctx, handle); err != nil {
					return err
				}
			}
			var size int64
			for _, body := range bodies {
				if err := out.SendType(ctx, body, messageType); err != nil {
					return err
				}
				size += int64(len(body))
			}
			if timer > 0 {
				if err := out.SetConversationTimer(ctx, timer); err != nil {
					return err
				}
			}
			view := sendView{
				Address:  addr.String(),
				Messages: len(bodies),
				Bytes:    humanizeBytes(size),
			}
			if info, ok := out.Conversation(); ok {
				view.Conversation = info.ConversationHandle.String()
				view.Group = info.ConversationGroupID.String()
			}
			if end {
				if err := out.EndConversation(ctx); err != nil {
					return err
				}
				view.Ended = true
			}
			committed = true
			if err := out.Close(ctx); err != nil {
				return err
			}
			if !begin && handle == uuid.Nil {
				view.Ended = true
			}
			logger.Debug("cli.send.done", "address", view.Address, "messages", view.Messages)
			return render(cmd, format, view)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&address, "address", "a", "", "address in net.ssb:source=<service>:target=<service> form")
	flags.StringVarP(&group, "group", "g", "", "begin the conversation in this conversation group (implies --begin)")
	flags.StringVar(&conversation, "conversation", "", "resume this conversation handle")
	flags.StringVarP(&messageType, "type", "t", "", "message type (defaults to the DEFAULT message type)")
	flags.BoolVar(&begin, "begin", false, "begin an explicit conversation that stays open after the command")
	flags.BoolVar(&end, "end", false, "end the conversation after sending")
	flags.DurationVar(&timer, "timer", 0, "arm the conversation timer after sending (e.g. 30s)")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func readBodies(stdin io.Reader, args []string) ([][]byte, error) {
	if len(args) == 1 && args[0] == "-" {
		body, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return [][]byte{body}, nil
	}
	bodies := make([][]byte, 0, len(args))
	for _, arg := range args {
		if strings.TrimSpace(arg) == "-" {
			return nil, fmt.Errorf("stdin body must be the only argument")
		}
		bodies = append(bodies, []byte(arg))
	}
	return bodies, nil
}
