package cli

import (
	"fmt"

	"cable-service/internal/auth"
	"cable-service/internal/config"

	"github.com/spf13/cobra"
)

func newTokenCommand(cfgFile *string) *cobra.Command {
	var (
		userID string
		admin  bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}

			tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.ExpirationTime)
			token, err := tokens.IssueToken(userID, admin)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id the token identifies")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant access to the admin API")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
