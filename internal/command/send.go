package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chat_sync/internal/domain"
)

// NewSendCmd creates the send command.
func NewSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message, queueing it in the outbox when the relay is unreachable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ch, err := resolveChannel(cmd, s.cfg.Engine.UserID)
			if err != nil {
				return err
			}

			connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
			wait, _ := cmd.Flags().GetDuration("wait")
			ctx := cmd.Context()

			if err := s.start(ctx, ch, connectTimeout, true); err != nil {
				return err
			}

			text := strings.Join(args, " ")
			msg, err := s.engine.Send(ctx, ch, "", text, nil)
			if err != nil {
				return err
			}

			// доставка всего, что накопилось в outbox, включая прошлые запуски
			drainCtx, cancel := context.WithTimeout(ctx, wait)
			drained := waitOutbox(drainCtx, s)
			cancel()
			if err := s.engine.Disconnect(ctx); err != nil {
				return err
			}

			pending := s.engine.OutboxSize()
			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"id":      msg.ID,
					"roomId":  ch.Key(),
					"queued":  !drained,
					"pending": pending,
				})
			}

			out := cmd.OutOrStdout()
			if drained {
				fmt.Fprintf(out, "Sent %s to %s\n", msg.ID, ch.Key())
				return nil
			}
			fmt.Fprintf(out, "Queued %s for %s (%d pending in outbox)\n", msg.ID, ch.Key(), pending)
			return nil
		},
	}

	addChannelFlags(cmd)
	cmd.Flags().Duration("connect-timeout", 10*time.Second, "how long to try reaching the relay before queueing offline")
	cmd.Flags().Duration("wait", 5*time.Second, "how long to wait for the outbox to drain")
	return cmd
}

// waitOutbox ждет опустошения outbox при живом соединении
func waitOutbox(ctx context.Context, s *session) bool {
	if s.engine.State() != domain.StateConnected {
		return s.engine.OutboxSize() == 0
	}
	sizes, cancel := s.engine.OutboxSizes()
	defer cancel()
	for {
		select {
		case size, ok := <-sizes:
			if !ok {
				return false
			}
			if size == 0 {
				return true
			}
		case <-ctx.Done():
			return s.engine.OutboxSize() == 0
		}
	}
}
