// The seatkeeper command runs the relay and manages the accounts it logs in as.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "seatkeeper",
		Short: "Relay that keeps a game server slot occupied for one player",
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the directory containing config.yaml")

	configInitCmd.Flags().BoolVar(&OverwriteFlag, "overwrite", false, "Replace an existing config file")
	configCmd.AddCommand(configInitCmd)

	accountAddCmd.Flags().StringVar(&AccessTokenFlag, "access-token", "", "Game access token")
	accountAddCmd.Flags().StringVar(&RefreshTokenFlag, "refresh-token", "", "Microsoft refresh token used to renew the access token")
	accountAddCmd.Flags().DurationVar(&ExpiresInFlag, "expires-in", 0, "Remaining lifetime of the access token (0 means the expiry is unknown)")
	accountDeleteCmd.Flags().BoolVar(&PermanentFlag, "permanent", false, "Permanently delete the account (as opposed to a soft delete)")
	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountDeleteCmd, accountRefreshCmd)

	rootCmd.AddCommand(serveCmd, configCmd, accountCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
