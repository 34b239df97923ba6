package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	bizaccount "netherealmstudio.com/toolbroker/biz/account"
	bizmcptoken "netherealmstudio.com/toolbroker/biz/mcptoken"
	"netherealmstudio.com/toolbroker/defaults"
	"netherealmstudio.com/toolbroker/token"
)

func newCreateAdminCmd() *cobra.Command {
	var orgName string

	cmd := &cobra.Command{
		Use:   "create-admin <email>",
		Short: "Create the organization and its first administrator",
		Long: `Creates the organization when none exists and an administrator with a temporary
password. The password must be changed at first login. Fails once any administrator exists.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbConn, closeDB, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			cred, err := bizaccount.NewAccountManager(dbConn, bizaccount.LogNotifier{}).BootstrapAdmin(cmd.Context(), orgName, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Administrator: %s\n", cred.Email)
			fmt.Fprintf(out, "Temporary password: %s\n", cred.TemporaryPassword)
			fmt.Fprintf(out, "Expires at: %s\n", cred.ExpiresAt.Format("2006-01-02 15:04 MST"))
			return nil
		},
	}
	cmd.Flags().StringVar(&orgName, "org", defaults.DEFAULT_ORGANIZATION["name"], "Organization name used when none exists yet")
	return cmd
}

func newRevokeTokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-tokens <user-id>",
		Short: "Revoke every MCP access token and web session refresh token of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbConn, closeDB, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			revoked, err := bizmcptoken.NewTokenManager(dbConn, cfg.MCPTokenTTL).RevokeAll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sessions, err := token.NewRefreshTokenManager(dbConn, cfg.RefreshTokenTTL).RevokeAll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d token(s) and %d session(s) for user %s\n", revoked, sessions, args[0])
			return nil
		},
	}
}
