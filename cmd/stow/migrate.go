package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending storage migrations",
	Long: `Detect and apply all pending migrations to both stores.

When the signed-in user (--user) has pending migrations, their data is
snapshotted to the backup store first. A migration failure is logged
and the remaining migrations still run.

Example usage:
  stow migrate                   # Migrate as the anonymous user
  stow migrate --user alice      # Migrate with a pre-migration backup`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.close()

		ctx := context.Background()
		runner := app.runner()

		before, err := runner.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := runner.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: migration failed: %v\n", err)
			os.Exit(1)
		}

		after, err := runner.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if before.PendingLocal == 0 && !before.StorePending {
			fmt.Println("Storage is up to date, nothing to migrate")
			return
		}

		fmt.Printf("Flat store: %s -> %s (%d migration(s) applied)\n",
			displayVersion(before.LocalVersion), displayVersion(after.LocalVersion), before.PendingLocal)
		fmt.Printf("Object store: v%d -> v%d\n", before.StoreVersion, after.StoreVersion)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending migrations without applying them",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.close()

		status, err := app.runner().Status(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Flat store:   %s (target %s, %d pending)\n",
			displayVersion(status.LocalVersion), displayVersion(status.LocalTargetVersion), status.PendingLocal)
		fmt.Printf("Object store: v%d (target v%d)\n", status.StoreVersion, status.StoreTargetVersion)

		if status.PendingLocal == 0 && !status.StorePending {
			fmt.Println("Storage is up to date")
		}
	},
}

// displayVersion renders an absent version marker readably.
func displayVersion(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
