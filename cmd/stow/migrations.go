package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelworks/stowage/internal/kvfile"
	"github.com/kestrelworks/stowage/internal/migrate"
	"github.com/kestrelworks/stowage/internal/objstore"
)

// registerBuiltins registers the application's migration history with
// the registry. Object store migrations run inside the upgrade
// transaction; flat migrations rewrite the key/value file in place.
func registerBuiltins(reg *migrate.Registry, flat *kvfile.Store) error {
	storeMigrations := []objstore.Migration{
		{
			Version:     1,
			Description: "create documents, notifications and backups stores",
			Migrate: func(ctx context.Context, tx *sql.Tx) error {
				for _, name := range []string{"documents", "notifications", "backups"} {
					if err := objstore.CreateObjectStore(ctx, tx, name); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "create settings store",
			Migrate: func(ctx context.Context, tx *sql.Tx) error {
				return objstore.CreateObjectStore(ctx, tx, "settings")
			},
		},
	}

	kvMigrations := []migrate.KVMigration{
		{
			Version:     "0.2.0",
			Description: "rename lang keys to language",
			Migrate: func(ctx context.Context) error {
				return renameBaseKey(flat, "lang", "language")
			},
		},
		{
			Version:     "1.0.0",
			Description: "convert legacy notification maps to lists",
			Migrate: func(ctx context.Context) error {
				return convertNotificationMaps(flat)
			},
		},
	}

	for _, m := range storeMigrations {
		if err := reg.RegisterStore(m); err != nil {
			return err
		}
	}
	for _, m := range kvMigrations {
		if err := reg.RegisterKV(m); err != nil {
			return err
		}
	}
	return nil
}

// renameBaseKey renames oldBase to newBase in every scope. An existing
// value under the new name wins and the old key is dropped.
func renameBaseKey(flat *kvfile.Store, oldBase, newBase string) error {
	keys, err := flat.Keys()
	if err != nil {
		return err
	}

	suffix := "_" + oldBase
	for _, key := range keys {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		newKey := strings.TrimSuffix(key, suffix) + "_" + newBase

		value, err := flat.GetRaw(key)
		if err != nil {
			return err
		}
		_, err = flat.GetRaw(newKey)
		switch {
		case errors.Is(err, kvfile.ErrNotFound):
			if err := flat.SetRaw(newKey, value); err != nil {
				return err
			}
		case err != nil:
			// Old value stays put until the copy decision resolves.
			return err
		}
		if err := flat.DeleteRaw(key); err != nil {
			return err
		}
	}
	return nil
}

// convertNotificationMaps rewrites notification values stored as a
// JSON object keyed by ID into the list form, ordered by key. Values
// already in list form are left alone.
func convertNotificationMaps(flat *kvfile.Store) error {
	keys, err := flat.Keys()
	if err != nil {
		return err
	}

	for _, key := range keys {
		if !strings.HasSuffix(key, "_notifications") {
			continue
		}

		value, err := flat.GetRaw(key)
		if err != nil {
			return err
		}

		trimmed := strings.TrimSpace(value)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}

		var byID map[string]json.RawMessage
		if err := json.Unmarshal([]byte(value), &byID); err != nil {
			return fmt.Errorf("failed to parse notifications under %s: %w", key, err)
		}

		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		list := make([]json.RawMessage, 0, len(byID))
		for _, id := range ids {
			list = append(list, byID[id])
		}

		data, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("failed to encode notifications under %s: %w", key, err)
		}
		if err := flat.SetRaw(key, string(data)); err != nil {
			return err
		}
	}
	return nil
}
