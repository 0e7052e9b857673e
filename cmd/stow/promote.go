package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var promoteCmd = &cobra.Command{
	Use:   "promote <user-id>",
	Short: "Move anonymous data into a user scope",
	Long: `Promote anonymous storage to the given user, as happens on sign-in.

Notification lists are merged (the user's version of a notification
wins, anonymous-only entries are appended). Every other promotable key
is copied only when the user has no value of their own. Anonymous data
is cleared afterwards regardless of individual failures.

Example usage:
  stow promote alice             # Merge anonymous data into user alice
  stow promote alice --check     # Only report whether anonymous data exists`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		userID := args[0]

		app, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.close()

		ctx := context.Background()
		promoter := app.promoter()

		checkOnly, _ := cmd.Flags().GetBool("check")

		has, err := promoter.HasAnonymousData(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if checkOnly {
			if has {
				fmt.Println("Anonymous data present")
			} else {
				fmt.Println("No anonymous data")
			}
			return
		}

		if !has {
			fmt.Println("No anonymous data to promote")
			return
		}

		promoter.PromoteAnonymousToUser(ctx, userID)
		fmt.Printf("Anonymous data promoted to user %q\n", userID)
	},
}

func init() {
	promoteCmd.Flags().Bool("check", false, "Only check for anonymous data")
	rootCmd.AddCommand(promoteCmd)
}
