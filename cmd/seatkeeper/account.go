package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/dcrodman/seatkeeper/internal"
	"github.com/dcrodman/seatkeeper/internal/auth"
	"github.com/dcrodman/seatkeeper/internal/core"
	"github.com/dcrodman/seatkeeper/internal/core/data"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account management tools",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <reference> <username> <uuid>",
	Short: "Registers an account the relay can log in as",
	Args:  cobra.ExactArgs(3),
	Run:   AccountAddCommand,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the stored accounts",
	Args:  cobra.NoArgs,
	Run:   AccountListCommand,
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete <reference>",
	Short: "Deletes an account from the database",
	Args:  cobra.ExactArgs(1),
	Run:   AccountDeleteCommand,
}

var accountRefreshCmd = &cobra.Command{
	Use:   "refresh <reference>",
	Short: "Exchanges the stored refresh token for a new access token",
	Args:  cobra.ExactArgs(1),
	Run:   AccountRefreshCommand,
}

var (
	AccessTokenFlag  string
	RefreshTokenFlag string
	ExpiresInFlag    time.Duration
	PermanentFlag    bool
)

func initDB() (*core.Config, *gorm.DB) {
	cfg, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	db, err := data.Open(cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return cfg, db
}

func AccountAddCommand(cmd *cobra.Command, args []string) {
	_, db := initDB()
	defer data.Close(db)

	reference, username := args[0], args[1]
	profileID, err := uuid.Parse(args[2])
	if err != nil {
		fmt.Printf("invalid profile id %q: %v\n", args[2], err)
		return
	}

	existing, err := data.FindAccountByReference(db, reference)
	if err != nil {
		fmt.Println("error looking up account:", err)
		return
	} else if existing != nil {
		fmt.Printf("account '%s' already exists; skipping\n", reference)
		return
	}

	account := &data.Account{
		Reference:    reference,
		Username:     username,
		ProfileID:    profileID.String(),
		AccessToken:  AccessTokenFlag,
		RefreshToken: RefreshTokenFlag,
	}
	if ExpiresInFlag > 0 {
		account.AccessTokenExpiresAt = time.Now().Add(ExpiresInFlag)
	}
	if err := data.CreateAccount(db, account); err != nil {
		fmt.Println("error creating account:", err)
		return
	}
	fmt.Printf("created account '%s' for %s (ID: %d)\n", account.Reference, account.Username, account.ID)
}

func AccountListCommand(cmd *cobra.Command, args []string) {
	_, db := initDB()
	defer data.Close(db)

	accounts, err := data.ListAccounts(db)
	if err != nil {
		fmt.Println("error listing accounts:", err)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tUSERNAME\tPROFILE\tTOKEN EXPIRES\tREFRESHABLE")
	for _, a := range accounts {
		expires := "-"
		if !a.AccessTokenExpiresAt.IsZero() {
			expires = a.AccessTokenExpiresAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", a.Reference, a.Username, a.ProfileID, expires, a.RefreshToken != "")
	}
	_ = w.Flush()
}

func AccountDeleteCommand(cmd *cobra.Command, args []string) {
	_, db := initDB()
	defer data.Close(db)

	account, err := data.FindAccountByReference(db, args[0])
	if err != nil {
		fmt.Println("error looking up account:", err)
		return
	} else if account == nil {
		fmt.Printf("account '%s' does not exist\n", args[0])
		return
	}

	if PermanentFlag {
		err = data.PermanentlyDeleteAccount(db, account)
	} else {
		err = data.DeleteAccount(db, account)
	}
	if err != nil {
		fmt.Println("error deleting account:", err)
		return
	}
	fmt.Println("deleted account")
}

func AccountRefreshCommand(cmd *cobra.Command, args []string) {
	cfg, db := initDB()
	defer data.Close(db)

	provider := auth.NewProvider(db, internal.NewRefresher(cfg))
	cred, err := provider.Refresh(context.Background(), args[0])
	if err != nil {
		fmt.Println("error refreshing account:", err)
		return
	}
	fmt.Printf("refreshed '%s' as %s (%s), valid until %s\n",
		cred.Reference, cred.Username, cred.ProfileID, cred.ExpiresAt.Format("2006-01-02 15:04:05"))
}
