package cmd

import (
	"os"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/config"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

var rootCmd = &cobra.Command{
	Use:   "toolbroker",
	Short: "Authorization and credential broker for MCP tool servers",
	Long: `toolbroker lets an organization's users connect third-party tool servers through OAuth
while administrators decide which tools each user may call. MCP clients reach the tools
through the gateway at /mcp with a personal access token.`,
	SilenceUsage: true,
}

func SetVersion(v string) {
	rootCmd.Version = v
}

func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "toolbroker version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newCreateAdminCmd())
	rootCmd.AddCommand(newRevokeTokensCmd())
}

// loadConfig reads and validates the environment and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	logger.SetServiceName(cfg.ServiceName)
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, func(), error) {
	return dbmodel.Open(cfg.Database)
}
