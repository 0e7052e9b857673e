package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kestrelworks/stowage/internal/migrate"
	"github.com/kestrelworks/stowage/internal/scope"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect and manage pre-migration backups",
	Long: `Each signed-in user keeps at most one backup, written right before
their data is migrated. The backup records both version markers and a
full snapshot of the user's flat keys and all object store contents.`,
}

var backupShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the user's backup as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.close()

		user := requireUser(app)

		backup, err := app.backups.Read(context.Background(), user)
		if errors.Is(err, migrate.ErrNoBackup) {
			fmt.Fprintf(os.Stderr, "No backup found for user %q\n", app.auth.UserID())
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		data, err := json.MarshalIndent(backup, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the user's backup",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.close()

		user := requireUser(app)

		if err := app.backups.Delete(context.Background(), user); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Backup deleted for user %q\n", app.auth.UserID())
	},
}

// requireUser exits when --user was not given. Backups only exist for
// signed-in users.
func requireUser(app *app) scope.Scope {
	if !app.auth.Authenticated() {
		fmt.Fprintf(os.Stderr, "Error: --user is required\n")
		os.Exit(1)
	}
	return app.userScope()
}

func init() {
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	rootCmd.AddCommand(backupCmd)
}
