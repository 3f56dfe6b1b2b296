package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"chat_sync/pkg/jwt"
)

// NewTokenCmd creates the token command.
func NewTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a relay access token signed with JWT_SECRET (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Engine.UserID == "" {
				return fmt.Errorf("--user is required or set CHAT_USER_ID")
			}

			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				ttl = cfg.JWT.AccessTTL
			}
			token, err := jwt.Issue(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.Engine.UserID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().Duration("ttl", 0, "token lifetime (defaults to JWT_ACCESS_TTL)")
	return cmd
}
