package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
)

func newKeygenCmd() *cobra.Command {
	var storeInKeyring bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new vault encryption key",
		Long: `Generates a random 256-bit key for the credential vault. Set it as VAULT_KEY, or pass
--store-keyring to save it in the system keyring and run with VAULT_KEY_SOURCE=keyring.

Replacing the key makes every stored client secret and OAuth token unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := bizvault.GenerateKey()
			if err != nil {
				return err
			}

			if storeInKeyring {
				if err := bizvault.StoreKeyInKeyring(key); err != nil {
					return fmt.Errorf("failed to store key in keyring: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Vault key stored in the system keyring (service %q, user %q)\n", bizvault.KeyringService, bizvault.KeyringUser)
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&storeInKeyring, "store-keyring", false, "Store the key in the system keyring instead of printing it")
	return cmd
}
