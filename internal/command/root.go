package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const AppName = "chatctl"

func Execute(version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd(version).ExecuteContext(ctx)
}

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Client for the chat relay built on the sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("server", "", "relay websocket url (defaults to CHAT_SERVER_URL)")
	cmd.PersistentFlags().String("token", "", "bearer token (defaults to CHAT_AUTH_TOKEN)")
	cmd.PersistentFlags().String("user", "", "own user id (defaults to CHAT_USER_ID)")
	cmd.PersistentFlags().String("outbox", "", "pebble outbox directory (defaults to CHAT_OUTBOX_PATH, empty = memory)")
	cmd.PersistentFlags().String("log-level", "", "log level (defaults to LOG_LEVEL)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewSendCmd(),
		NewTailCmd(),
		NewOutboxCmd(),
		NewTokenCmd(),
	)
	return cmd
}
