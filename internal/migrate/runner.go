package migrate

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/kestrelworks/stowage/internal/kvfile"
	"github.com/kestrelworks/stowage/internal/notify"
	"github.com/kestrelworks/stowage/internal/objstore"
	"github.com/kestrelworks/stowage/internal/scope"
)

// RunnerConfig holds the Runner's collaborators beyond the stores and
// registry. Zero-value fields get defaults from NewRunner.
type RunnerConfig struct {
	// Auth reports the session state at startup. When nil the session
	// is treated as anonymous (no backup is taken).
	Auth scope.AuthState

	// Backups persists pre-migration snapshots. Required.
	Backups *Backups

	// Bus receives the post-migration notification event. Optional.
	Bus *notify.Bus

	// Translate localizes the notification text. Defaults to identity.
	Translate notify.Translator

	// Logger records per-migration failures. Defaults to stderr.
	Logger *log.Logger
}

// Runner applies pending migrations to both storage systems.
//
// Run is meant to execute exactly once at process start, before any
// other storage consumer; that ordering is the concurrency control.
type Runner struct {
	flat    *kvfile.Store
	objects *objstore.Store
	reg     *Registry

	auth      scope.AuthState
	backups   *Backups
	bus       *notify.Bus
	translate notify.Translator
	logger    *log.Logger
}

// NewRunner wires a Runner from explicitly constructed collaborators.
func NewRunner(flat *kvfile.Store, objects *objstore.Store, reg *Registry, cfg RunnerConfig) *Runner {
	if cfg.Translate == nil {
		cfg.Translate = notify.Passthrough
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Runner{
		flat:      flat,
		objects:   objects,
		reg:       reg,
		auth:      cfg.Auth,
		backups:   cfg.Backups,
		bus:       cfg.Bus,
		translate: cfg.Translate,
		logger:    cfg.Logger,
	}
}

// Status describes the pending work Run would perform.
type Status struct {
	LocalVersion       string
	LocalTargetVersion string
	PendingLocal       int
	StoreVersion       int
	StoreTargetVersion int
	StorePending       bool
}

// Status reports both version markers and the pending migration counts
// without mutating either store.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	current, hasMarker, err := r.flat.Version()
	if err != nil {
		return nil, fmt.Errorf("failed to read version marker: %w", err)
	}

	storeVersion, err := r.objects.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read object store version: %w", err)
	}

	target, _ := r.reg.KVTarget()
	return &Status{
		LocalVersion:       current,
		LocalTargetVersion: target,
		PendingLocal:       len(r.reg.PendingKV(current, hasMarker)),
		StoreVersion:       storeVersion,
		StoreTargetVersion: r.reg.StoreTarget(),
		StorePending:       r.reg.StoreTarget() > storeVersion,
	}, nil
}

// Run detects and applies all pending migrations. It is idempotent:
// with nothing pending it only initializes the stores and leaves both
// version markers untouched.
//
// Failure policy is best effort throughout: a failing flat migration is
// logged and the rest still run, a failed backup does not stop the
// migrations, and the flat marker advances to the highest registered
// version even when an intermediate step failed.
func (r *Runner) Run(ctx context.Context) error {
	current, hasMarker, err := r.flat.Version()
	if err != nil {
		return fmt.Errorf("failed to read version marker: %w", err)
	}
	pendingKV := r.reg.PendingKV(current, hasMarker)

	storeVersion, err := r.objects.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	storePending := r.reg.StoreTarget() > storeVersion

	if len(pendingKV) == 0 && !storePending {
		return nil
	}

	// Existing installs get the post-migration notice; fresh installs
	// migrate silently.
	existingInstall := hasMarker || storeVersion > 0

	if r.auth != nil && r.auth.Authenticated() {
		if err := r.writeBackup(ctx, current, hasMarker, storeVersion); err != nil {
			r.logger.Printf("Warning: pre-migration backup failed: %v", err)
		}
	}

	ran := false

	if storePending {
		if err := r.objects.Upgrade(ctx, r.reg.StoreMigrations()); err != nil {
			r.logger.Printf("Warning: object store upgrade failed: %v", err)
		} else {
			ran = true
		}
	}

	for _, m := range pendingKV {
		if err := m.Migrate(ctx); err != nil {
			r.logger.Printf("Warning: migration %s (%s) failed: %v", m.Version, m.Description, err)
			continue
		}
		ran = true
	}

	if len(pendingKV) > 0 {
		if target, ok := r.reg.KVTarget(); ok {
			if err := r.flat.SetVersion(target); err != nil {
				return fmt.Errorf("failed to write version marker: %w", err)
			}
		}
	}

	if existingInstall && ran && r.bus != nil {
		r.bus.Publish(notify.Event{
			Type:    notify.EventMigrationComplete,
			Summary: r.translate("storage.migration.summary"),
			Detail:  r.translate("storage.migration.detail"),
		})
	}

	return nil
}

// writeBackup snapshots the authenticated user's data and persists it
// before anything mutates. Target versions fall back to the current
// marker, then to "unknown", when no descriptors are registered.
func (r *Runner) writeBackup(ctx context.Context, current string, hasMarker bool, storeVersion int) error {
	if r.backups == nil {
		return fmt.Errorf("no backup accessor configured")
	}

	user := scope.ForUser(r.auth.UserID())

	backup, err := r.backups.Snapshot(ctx, r.flat, user)
	if err != nil {
		return err
	}

	backup.LocalVersion = current
	backup.StoreVersion = storeVersion
	backup.StoreTargetVersion = r.reg.StoreTarget()
	if backup.StoreTargetVersion < storeVersion {
		backup.StoreTargetVersion = storeVersion
	}

	target, ok := r.reg.KVTarget()
	switch {
	case ok:
		backup.LocalTargetVersion = target
	case hasMarker:
		backup.LocalTargetVersion = current
	default:
		backup.LocalTargetVersion = VersionUnknown
	}

	if err := r.backups.Write(ctx, user, backup); err != nil {
		return err
	}

	if r.bus != nil {
		r.bus.Publish(notify.Event{
			Type:    notify.EventBackupWritten,
			Summary: r.translate("storage.backup.summary"),
		})
	}
	return nil
}
