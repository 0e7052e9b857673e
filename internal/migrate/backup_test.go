package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelworks/stowage/internal/objstore"
	"github.com/kestrelworks/stowage/internal/scope"
)

// backupTestStore returns an object store with the backups table ready.
func backupTestStore(t *testing.T) *objstore.Store {
	s := objstore.New(filepath.Join(t.TempDir(), "objects.db"))
	t.Cleanup(func() { _ = s.Close() })

	err := s.Upgrade(context.Background(), []objstore.Migration{{
		Version: 1,
		Migrate: func(ctx context.Context, tx *sql.Tx) error {
			return objstore.CreateObjectStore(ctx, tx, testBackupStore)
		},
	}})
	if err != nil {
		t.Fatalf("Upgrade() failed: %v", err)
	}
	return s
}

// TestBackups_ReadMissing verifies ErrNoBackup for users without one.
func TestBackups_ReadMissing(t *testing.T) {
	backups := NewBackups(backupTestStore(t), testBackupStore)

	_, err := backups.Read(context.Background(), scope.ForUser("u1"))
	if !errors.Is(err, ErrNoBackup) {
		t.Fatalf("Read() error = %v, want ErrNoBackup", err)
	}
}

// TestBackups_WriteReadDelete verifies the record lifecycle.
func TestBackups_WriteReadDelete(t *testing.T) {
	backups := NewBackups(backupTestStore(t), testBackupStore)
	ctx := context.Background()
	user := scope.ForUser("u1")

	in := &Backup{
		ID:                 "b-1",
		CreatedAt:          time.Now().UTC().Truncate(time.Second),
		LocalVersion:       "0.9.0",
		LocalTargetVersion: "1.0.0",
		StoreVersion:       1,
		StoreTargetVersion: 2,
		Flat:               map[string]string{"user_u1_language": "fr"},
		Objects:            map[string]map[string]string{"documents": {"user_u1_d": "x"}},
	}

	if err := backups.Write(ctx, user, in); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	out, err := backups.Read(ctx, user)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if out.ID != in.ID || out.LocalVersion != in.LocalVersion ||
		out.StoreTargetVersion != in.StoreTargetVersion {
		t.Errorf("Read() = %+v, want %+v", out, in)
	}
	if out.Flat["user_u1_language"] != "fr" {
		t.Errorf("Read() flat = %v, want language fr", out.Flat)
	}

	// Another user must not see this backup.
	if _, err := backups.Read(ctx, scope.ForUser("u2")); !errors.Is(err, ErrNoBackup) {
		t.Errorf("Read(other user) error = %v, want ErrNoBackup", err)
	}

	if err := backups.Delete(ctx, user); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := backups.Read(ctx, user); !errors.Is(err, ErrNoBackup) {
		t.Errorf("Read() after Delete() error = %v, want ErrNoBackup", err)
	}

	// Deleting again is a no-op.
	if err := backups.Delete(ctx, user); err != nil {
		t.Fatalf("Second Delete() failed: %v", err)
	}
}
