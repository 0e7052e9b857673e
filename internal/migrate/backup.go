package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelworks/stowage/internal/kvfile"
	"github.com/kestrelworks/stowage/internal/objstore"
	"github.com/kestrelworks/stowage/internal/scope"

	"github.com/google/uuid"
)

// BackupKey is the base key under which a user's backup record lives
// in the backups object store. The full key carries the user's scope
// prefix, so each user holds at most one backup.
const BackupKey = "stowage_backup"

// VersionUnknown is recorded as a target version when no migrations are
// registered and no marker exists to fall back to.
const VersionUnknown = "unknown"

// ErrNoBackup is returned when a user has no stored backup record.
var ErrNoBackup = errors.New("no backup record")

// Backup is a snapshot of a user's data taken immediately before a
// migration event. Flat holds the user's scoped preference keys;
// Objects holds every object store's contents (store name -> key ->
// value) captured at the pre-upgrade schema version, excluding the
// backup record itself.
type Backup struct {
	ID                 string                       `json:"id"`
	CreatedAt          time.Time                    `json:"created_at"`
	LocalVersion       string                       `json:"local_version"`
	LocalTargetVersion string                       `json:"local_target_version"`
	StoreVersion       int                          `json:"store_version"`
	StoreTargetVersion int                          `json:"store_target_version"`
	Flat               map[string]string            `json:"flat"`
	Objects            map[string]map[string]string `json:"objects"`
}

// Backups reads and writes per-user backup records in a designated
// object store.
type Backups struct {
	objects   *objstore.Store
	storeName string
}

// NewBackups creates a Backups accessor over the named object store.
func NewBackups(objects *objstore.Store, storeName string) *Backups {
	return &Backups{objects: objects, storeName: storeName}
}

// StoreName returns the object store holding backup records.
func (b *Backups) StoreName() string {
	return b.storeName
}

// Snapshot captures the user's current data from both storage systems.
// The object store is read as-is, at whatever schema version it holds
// right now; callers take the snapshot before triggering any upgrade.
func (b *Backups) Snapshot(ctx context.Context, flat *kvfile.Store, user scope.Scope) (*Backup, error) {
	backup := &Backup{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Flat:      make(map[string]string),
		Objects:   make(map[string]map[string]string),
	}

	keys, err := flat.KeysWithPrefix(user.Prefix() + "_")
	if err != nil {
		return nil, fmt.Errorf("failed to list flat keys: %w", err)
	}
	for _, key := range keys {
		value, err := flat.GetRaw(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read flat key %s: %w", key, err)
		}
		backup.Flat[key] = value
	}

	stores, err := b.objects.Stores(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list object stores: %w", err)
	}

	backupKey := user.Key(BackupKey)
	for _, store := range stores {
		storeKeys, err := b.objects.Keys(ctx, store)
		if err != nil {
			return nil, fmt.Errorf("failed to list keys in %s: %w", store, err)
		}

		contents := make(map[string]string)
		for _, key := range storeKeys {
			if store == b.storeName && key == backupKey {
				continue
			}
			value, err := b.objects.GetRaw(ctx, store, key)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s/%s: %w", store, key, err)
			}
			contents[key] = value
		}
		backup.Objects[store] = contents
	}

	return backup, nil
}

// Write persists the backup record under the user's scoped backup key,
// replacing any previous record.
func (b *Backups) Write(ctx context.Context, user scope.Scope, backup *Backup) error {
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}

	if err := b.objects.PutRaw(ctx, b.storeName, user.Key(BackupKey), string(data)); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// Read returns the user's stored backup record, or ErrNoBackup when
// none exists.
func (b *Backups) Read(ctx context.Context, user scope.Scope) (*Backup, error) {
	raw, err := b.objects.GetRaw(ctx, b.storeName, user.Key(BackupKey))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var backup Backup
	if err := json.Unmarshal([]byte(raw), &backup); err != nil {
		return nil, fmt.Errorf("failed to parse backup record: %w", err)
	}
	return &backup, nil
}

// Delete removes the user's backup record. Deleting an absent record
// is a no-op.
func (b *Backups) Delete(ctx context.Context, user scope.Scope) error {
	return b.objects.DeleteRaw(ctx, b.storeName, user.Key(BackupKey))
}
