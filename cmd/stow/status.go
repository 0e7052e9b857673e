package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage versions, stores and keys",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.close()

		ctx := context.Background()

		status, err := app.runner().Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Data directory: %s\n", app.cfg.DataDir)
		fmt.Printf("Flat store:     %s (%s, schema %s, target %s)\n",
			app.cfg.FlatFile, fileSize(app.cfg.FlatPath()),
			displayVersion(status.LocalVersion), displayVersion(status.LocalTargetVersion))
		fmt.Printf("Object store:   %s (%s, v%d, target v%d)\n",
			app.cfg.ObjectsFile, fileSize(app.cfg.ObjectsPath()),
			status.StoreVersion, status.StoreTargetVersion)

		keys, err := app.flat.Keys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Flat keys:      %d\n", len(keys))

		stores, err := app.objects.Stores(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, store := range stores {
			storeKeys, err := app.objects.Keys(ctx, store)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  %-15s %d object(s)\n", store, len(storeKeys))
		}

		has, err := app.promoter().HasAnonymousData(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if has {
			fmt.Println("Anonymous data: present (promotable on sign-in)")
		}
	},
}

// fileSize renders a file's size, or a placeholder before first write.
func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "not created"
	}
	return fmt.Sprintf("%d bytes", info.Size())
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
