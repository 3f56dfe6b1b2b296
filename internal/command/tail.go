package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"chat_sync/internal/domain"
)

// NewTailCmd creates the tail command.
func NewTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a room and print merged message updates",
		Args:  cobra.NoArgs,
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
			ctx := cmd.Context()
			if err := s.start(ctx, ch, connectTimeout, false); err != nil {
				return err
			}

			views, cancel, err := s.engine.MergedView(ctx, ch)
			if err != nil {
				return err
			}
			defer cancel()

			jsonMode, _ := cmd.Flags().GetBool("json")
			printer := newViewPrinter(cmd.OutOrStdout(), jsonMode)
			for {
				select {
				case <-ctx.Done():
					return s.engine.Disconnect(context.WithoutCancel(ctx))
				case view, ok := <-views:
					if !ok {
						return nil
					}
					if err := printer.print(view); err != nil {
						return err
					}
				}
			}
		},
	}

	addChannelFlags(cmd)
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "how long to try reaching the relay")
	return cmd
}

// viewPrinter печатает только сообщения, изменившиеся с прошлого снимка
type viewPrinter struct {
	out      io.Writer
	jsonMode bool
	seen     map[string]domain.ChatMessage
}

func newViewPrinter(out io.Writer, jsonMode bool) *viewPrinter {
	return &viewPrinter{out: out, jsonMode: jsonMode, seen: make(map[string]domain.ChatMessage)}
}

func (p *viewPrinter) print(view []domain.ChatMessage) error {
	for _, msg := range view {
		prev, ok := p.seen[msg.ID]
		if ok && !changed(prev, msg) {
			continue
		}
		p.seen[msg.ID] = msg

		if p.jsonMode {
			if err := json.NewEncoder(p.out).Encode(msg); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(p.out, formatMessage(msg))
	}
	return nil
}

func changed(prev, cur domain.ChatMessage) bool {
	return !prev.UpdatedAt.Equal(cur.UpdatedAt) ||
		prev.ServerStamped != cur.ServerStamped ||
		prev.Deleted != cur.Deleted ||
		prev.Text != cur.Text ||
		reactionCount(prev) != reactionCount(cur)
}

func reactionCount(msg domain.ChatMessage) int {
	n := 0
	for _, users := range msg.Reactions {
		n += len(users)
	}
	return n
}

func formatMessage(msg domain.ChatMessage) string {
	ts := msg.CreatedAt.Local().Format("15:04:05")
	if msg.Deleted {
		return fmt.Sprintf("%s %s: [deleted] #%s", ts, msg.SenderID, msg.ID)
	}

	line := fmt.Sprintf("%s %s: %s", ts, msg.SenderID, msg.Text)
	if msg.Edited {
		line += " (edited)"
	}
	if !msg.ServerStamped {
		line += " (pending)"
	}
	emojis := make([]string, 0, len(msg.Reactions))
	for emoji := range msg.Reactions {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)
	for _, emoji := range emojis {
		line += fmt.Sprintf(" %s%d", emoji, len(msg.Reactions[emoji]))
	}
	return line
}
