package command

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chat_sync/pkg/logger"
)

// NewOutboxCmd creates the outbox command.
func NewOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List commands waiting in the persistent outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Engine.OutboxPath == "" {
				return fmt.Errorf("--outbox is required or set CHAT_OUTBOX_PATH")
			}

			store, err := openOutboxStore(cfg.Engine.OutboxPath, logger.Nop())
			if err != nil {
				return fmt.Errorf("open outbox: %w", err)
			}
			defer store.Close()

			entries, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}

			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(entries)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Outbox is empty")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tCOMMAND\tMESSAGE\tROOM\tATTEMPTS\tQUEUED")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					e.Seq, e.CommandType, e.MessageID, e.ChannelKey, e.AttemptCount,
					humanize.RelTime(e.EnqueuedAt, now, "ago", "from now"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s pending\n", humanize.Comma(int64(len(entries))))
			return nil
		},
	}
	return cmd
}
