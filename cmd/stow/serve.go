package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/stowage/internal/daemon"
	"github.com/kestrelworks/stowage/internal/dashboard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage event server and file watcher",
	Long: `Run migrations, then serve storage events over WebSocket.

A file watcher publishes an event when another process writes to either
store, and migration, promotion and backup events from this process are
broadcast to every connected client.

Example usage:
  stow serve                     # Listen on the configured port
  stow serve --port 9000         # Listen on a custom port

Connect with a WebSocket client:
  ws://localhost:7341/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.close()

		// Bring storage up to date before serving.
		if err := app.runner().Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: migration failed: %v\n", err)
			os.Exit(1)
		}

		port := app.cfg.ServePort
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: app.logger,
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start event server: %v\n", err)
			os.Exit(1)
		}
		server.Relay(app.bus)

		watcherConfig := daemon.DefaultConfig()
		watcherConfig.Logger = app.logger
		watcherConfig.DebounceInterval = time.Duration(app.cfg.DebounceMs) * time.Millisecond

		watcher, err := daemon.New(app.cfg.DataDir,
			[]string{app.cfg.FlatFile, app.cfg.ObjectsFile}, app.bus, watcherConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := watcher.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start watcher: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Event server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Watching %s\n", app.cfg.DataDir)
		fmt.Println("\nPress Ctrl+C to stop...")

		// Wait for interrupt signal
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := watcher.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during watcher shutdown: %v\n", err)
		}
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Stopped")
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 7341, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}
