// Command stow manages client-local storage: versioned migrations for
// a flat key/value file and a SQLite object store, pre-migration
// backups, and anonymous-to-user data promotion.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/stowage/internal/config"
	"github.com/kestrelworks/stowage/internal/kvfile"
	"github.com/kestrelworks/stowage/internal/logging"
	"github.com/kestrelworks/stowage/internal/migrate"
	"github.com/kestrelworks/stowage/internal/notify"
	"github.com/kestrelworks/stowage/internal/objstore"
	"github.com/kestrelworks/stowage/internal/promote"
	"github.com/kestrelworks/stowage/internal/scope"
)

var rootCmd = &cobra.Command{
	Use:   "stow",
	Short: "Client-local storage migrations, backups and promotion",
	Long: `stow manages two independently versioned local stores:

  - a flat key/value file (prefs.json) carrying a semver schema marker
  - a SQLite object store (objects.db) carrying an integer version

Keys are scoped per user: anonymous data lives under the "anonymous"
prefix, signed-in data under "user_{id}". stow applies registered
migrations in order, snapshots signed-in data before migrating, and can
promote anonymous data into a user scope on sign-in.`,
	SilenceUsage: true,
}

// cliAuth derives the auth state from the --user flag.
type cliAuth struct {
	userID string
}

func (a cliAuth) Authenticated() bool { return a.userID != "" }
func (a cliAuth) UserID() string      { return a.userID }

// app bundles everything a command needs, wired from config.
type app struct {
	cfg     *config.Config
	flat    *kvfile.Store
	objects *objstore.Store
	reg     *migrate.Registry
	backups *migrate.Backups
	bus     *notify.Bus
	auth    cliAuth
	logger  *log.Logger
}

// newApp builds the storage stack from flags and configuration.
func newApp(cmd *cobra.Command) (*app, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	userID, _ := cmd.Flags().GetString("user")

	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logOpts := logging.DefaultOptions()
	logOpts.File = cfg.LogFile

	flat := kvfile.Open(cfg.FlatPath())
	objects := objstore.New(cfg.ObjectsPath())

	reg := migrate.NewRegistry()
	if err := registerBuiltins(reg, flat); err != nil {
		return nil, fmt.Errorf("failed to register migrations: %w", err)
	}

	return &app{
		cfg:     cfg,
		flat:    flat,
		objects: objects,
		reg:     reg,
		backups: migrate.NewBackups(objects, cfg.BackupStore),
		bus:     notify.NewBus(),
		auth:    cliAuth{userID: userID},
		logger:  logging.New("[stow] ", logOpts),
	}, nil
}

// close releases the object store connection.
func (a *app) close() {
	if err := a.objects.Close(); err != nil {
		a.logger.Printf("failed to close object store: %v", err)
	}
}

// runner builds the migration runner for this invocation.
func (a *app) runner() *migrate.Runner {
	return migrate.NewRunner(a.flat, a.objects, a.reg, migrate.RunnerConfig{
		Auth:    a.auth,
		Backups: a.backups,
		Bus:     a.bus,
		Logger:  a.logger,
	})
}

// promoter builds the promotion engine for this invocation.
func (a *app) promoter() *promote.Promoter {
	return promote.New(a.flat, a.objects, promote.Config{
		PromotableKeys: a.cfg.PromotableKeys,
		Bus:            a.bus,
		Logger:         a.logger,
	})
}

// userScope returns the scope selected by --user, or the anonymous
// scope when the flag is unset.
func (a *app) userScope() scope.Scope {
	return scope.Current(a.auth)
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (default ~/.stowage)")
	rootCmd.PersistentFlags().StringP("user", "u", "", "User ID (omit for anonymous)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
