// Package migrate orchestrates schema migrations across the two storage
// systems: the flat preference store (semver string marker) and the
// versioned object store (integer user_version). It owns the migration
// registry, the pre-migration backup, and the runner that applies
// pending work once at process start.
package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/kestrelworks/stowage/internal/objstore"

	"golang.org/x/mod/semver"
)

// KVMigration describes one flat-store migration step.
type KVMigration struct {
	// Version is the semver (MAJOR.MINOR.PATCH) this step upgrades to.
	Version string

	// Description is a short human-readable summary.
	Description string

	// Migrate performs the data transform. It runs after the object
	// store upgrade and operates on the flat store directly.
	Migrate func(ctx context.Context) error
}

// Registry holds the ordered migration descriptors for both storage
// systems. Register all descriptors before handing the registry to the
// Runner; the registry is not safe for concurrent mutation.
type Registry struct {
	kv    []KVMigration
	store []objstore.Migration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterKV adds a flat-store migration. The version must be a valid
// MAJOR.MINOR.PATCH string and unique within the registry.
func (r *Registry) RegisterKV(m KVMigration) error {
	if !semver.IsValid("v" + m.Version) {
		return fmt.Errorf("invalid migration version %q", m.Version)
	}
	for _, existing := range r.kv {
		if compareVersions(existing.Version, m.Version) == 0 {
			return fmt.Errorf("duplicate migration version %q", m.Version)
		}
	}
	r.kv = append(r.kv, m)
	return nil
}

// RegisterStore adds an object-store migration.
func (r *Registry) RegisterStore(m objstore.Migration) error {
	if m.Version <= 0 {
		return fmt.Errorf("invalid object store migration version %d", m.Version)
	}
	for _, existing := range r.store {
		if existing.Version == m.Version {
			return fmt.Errorf("duplicate object store migration version %d", m.Version)
		}
	}
	r.store = append(r.store, m)
	return nil
}

// StoreMigrations returns the registered object-store descriptors.
func (r *Registry) StoreMigrations() []objstore.Migration {
	return r.store
}

// StoreTarget returns the highest registered object-store version,
// or 0 when none are registered.
func (r *Registry) StoreTarget() int {
	return objstore.TargetVersion(r.store)
}

// KVTarget returns the highest registered flat-store version.
// The second result is false when no flat migrations are registered.
func (r *Registry) KVTarget() (string, bool) {
	if len(r.kv) == 0 {
		return "", false
	}
	target := r.kv[0].Version
	for _, m := range r.kv[1:] {
		if compareVersions(m.Version, target) > 0 {
			target = m.Version
		}
	}
	return target, true
}

// PendingKV returns the flat-store migrations that still need to run
// against the given marker, sorted ascending by version. With no marker
// (fresh install) every registered migration is pending.
func (r *Registry) PendingKV(current string, hasMarker bool) []KVMigration {
	var pending []KVMigration
	for _, m := range r.kv {
		if !hasMarker || compareVersions(m.Version, current) > 0 {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})
	return pending
}

// compareVersions compares two MAJOR.MINOR.PATCH strings.
func compareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}
