package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kestrelworks/stowage/internal/kvfile"
	"github.com/kestrelworks/stowage/internal/notify"
	"github.com/kestrelworks/stowage/internal/objstore"
	"github.com/kestrelworks/stowage/internal/scope"
)

const testBackupStore = "backups"

type fakeAuth struct {
	authed bool
	id     string
}

func (f fakeAuth) Authenticated() bool { return f.authed }
func (f fakeAuth) UserID() string      { return f.id }

// testEnv bundles the stores and backup accessor used by runner tests.
type testEnv struct {
	flat    *kvfile.Store
	objects *objstore.Store
	backups *Backups
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	objects := objstore.New(filepath.Join(dir, "objects.db"))
	t.Cleanup(func() { _ = objects.Close() })

	return &testEnv{
		flat:    kvfile.Open(filepath.Join(dir, "prefs.json")),
		objects: objects,
		backups: NewBackups(objects, testBackupStore),
	}
}

// baseRegistry returns a registry whose v1 creates the core stores.
func baseRegistry(t *testing.T) *Registry {
	r := NewRegistry()
	err := r.RegisterStore(objstore.Migration{
		Version:     1,
		Description: "create core stores",
		Migrate: func(ctx context.Context, tx *sql.Tx) error {
			for _, name := range []string{"documents", "notifications", testBackupStore} {
				if err := objstore.CreateObjectStore(ctx, tx, name); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterStore() failed: %v", err)
	}
	return r
}

func newRunner(env *testEnv, reg *Registry, auth scope.AuthState, bus *notify.Bus) *Runner {
	return NewRunner(env.flat, env.objects, reg, RunnerConfig{
		Auth:    auth,
		Backups: env.backups,
		Bus:     bus,
		Logger:  log.New(io.Discard, "", 0),
	})
}

// TestRun_FreshInstall verifies that a first run applies everything and
// publishes no notification.
func TestRun_FreshInstall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg := baseRegistry(t)
	var applied []string
	if err := reg.RegisterKV(KVMigration{
		Version: "0.2.0",
		Migrate: func(ctx context.Context) error {
			applied = append(applied, "0.2.0")
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}

	bus := notify.NewBus()
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	runner := newRunner(env, reg, fakeAuth{}, bus)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if !reflect.DeepEqual(applied, []string{"0.2.0"}) {
		t.Errorf("applied = %v, want [0.2.0]", applied)
	}

	v, ok, err := env.flat.Version()
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if !ok || v != "0.2.0" {
		t.Errorf("marker = (%q, %v), want (0.2.0, true)", v, ok)
	}

	sv, err := env.objects.Version(ctx)
	if err != nil {
		t.Fatalf("object store Version() failed: %v", err)
	}
	if sv != 1 {
		t.Errorf("object store version = %d, want 1", sv)
	}

	// Fresh installs are silent.
	select {
	case e := <-events:
		t.Errorf("unexpected event %q on fresh install", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestRun_OnlyNewerVersionsRun verifies that descriptors at or below
// the marker are skipped and the rest run ascending.
func TestRun_OnlyNewerVersionsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.flat.SetVersion("0.5.0"); err != nil {
		t.Fatalf("SetVersion() failed: %v", err)
	}

	reg := baseRegistry(t)
	var applied []string
	record := func(v string) KVMigration {
		return KVMigration{
			Version: v,
			Migrate: func(ctx context.Context) error {
				applied = append(applied, v)
				return nil
			},
		}
	}
	for _, v := range []string{"1.0.0", "0.4.0", "0.6.0"} {
		if err := reg.RegisterKV(record(v)); err != nil {
			t.Fatalf("RegisterKV(%q) failed: %v", v, err)
		}
	}

	runner := newRunner(env, reg, fakeAuth{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := []string{"0.6.0", "1.0.0"}
	if !reflect.DeepEqual(applied, want) {
		t.Errorf("applied = %v, want %v", applied, want)
	}
}

// TestRun_Idempotent verifies that a second run with no new descriptors
// performs no additional writes.
func TestRun_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg := baseRegistry(t)
	calls := 0
	if err := reg.RegisterKV(KVMigration{
		Version: "1.0.0",
		Migrate: func(ctx context.Context) error {
			calls++
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}

	auth := fakeAuth{authed: true, id: "u1"}
	runner := newRunner(env, reg, auth, nil)

	if err := runner.Run(ctx); err != nil {
		t.Fatalf("First Run() failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("migration ran %d times, want 1", calls)
	}

	// Remove the backup so a second (incorrect) backup write would show.
	user := scope.ForUser("u1")
	if err := env.backups.Delete(ctx, user); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Second Run() failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("migration ran %d times after second Run(), want 1", calls)
	}
	if _, err := env.backups.Read(ctx, user); !errors.Is(err, ErrNoBackup) {
		t.Errorf("second Run() wrote a backup: %v", err)
	}
}

// TestRun_BackupForAuthenticatedUser verifies that an authenticated
// user's pre-migration state is snapshotted before anything mutates.
func TestRun_BackupForAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Seed an existing install: schema v1 plus user data.
	seed := baseRegistry(t)
	runner := newRunner(env, seed, fakeAuth{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("seed Run() failed: %v", err)
	}

	user := scope.ForUser("u7")
	if err := env.flat.Set(user, "language", "fr"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := env.objects.Put(ctx, "documents", user, "doc1", "original"); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	// Second generation of migrations mutates the user's data.
	reg := baseRegistry(t)
	if err := reg.RegisterStore(objstore.Migration{
		Version: 2,
		Migrate: func(ctx context.Context, tx *sql.Tx) error {
			return objstore.CreateObjectStore(ctx, tx, "settings")
		},
	}); err != nil {
		t.Fatalf("RegisterStore() failed: %v", err)
	}
	if err := reg.RegisterKV(KVMigration{
		Version: "1.1.0",
		Migrate: func(ctx context.Context) error {
			return env.flat.Set(user, "language", "fr-FR")
		},
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}

	auth := fakeAuth{authed: true, id: "u7"}
	runner = newRunner(env, reg, auth, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	backup, err := env.backups.Read(ctx, user)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	// The snapshot holds pre-migration values.
	if got := backup.Flat["user_u7_language"]; got != "fr" {
		t.Errorf("backup flat language = %q, want %q (pre-migration)", got, "fr")
	}
	if got := backup.Objects["documents"]["user_u7_doc1"]; got != "original" {
		t.Errorf("backup documents doc1 = %q, want %q", got, "original")
	}
	if backup.StoreVersion != 1 || backup.StoreTargetVersion != 2 {
		t.Errorf("backup store versions = (%d, %d), want (1, 2)",
			backup.StoreVersion, backup.StoreTargetVersion)
	}
	if backup.LocalTargetVersion != "1.1.0" {
		t.Errorf("backup local target = %q, want %q", backup.LocalTargetVersion, "1.1.0")
	}
	if backup.ID == "" || backup.CreatedAt.IsZero() {
		t.Error("backup missing ID or creation time")
	}

	// The backup record itself is excluded from the snapshot.
	if _, ok := backup.Objects[testBackupStore]["user_u7_"+BackupKey]; ok {
		t.Error("backup snapshot contains the backup record itself")
	}

	// The migration still applied after the snapshot.
	v, err := env.flat.Get(user, "language")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if v != "fr-FR" {
		t.Errorf("post-migration language = %q, want %q", v, "fr-FR")
	}
}

// TestRun_NoBackupForAnonymous verifies that unauthenticated sessions
// never write a backup record.
func TestRun_NoBackupForAnonymous(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Existing install with data under the anonymous scope.
	seed := baseRegistry(t)
	if err := newRunner(env, seed, fakeAuth{}, nil).Run(ctx); err != nil {
		t.Fatalf("seed Run() failed: %v", err)
	}

	reg := baseRegistry(t)
	if err := reg.RegisterKV(KVMigration{
		Version: "0.2.0",
		Migrate: func(ctx context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}

	if err := newRunner(env, reg, fakeAuth{}, nil).Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	keys, err := env.objects.Keys(ctx, testBackupStore)
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("backup store keys = %v, want empty", keys)
	}
}

// TestRun_FailedMigrationContinues verifies the best-effort policy: a
// failing step is skipped, later steps run, and the marker still
// advances to the target version.
func TestRun_FailedMigrationContinues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg := baseRegistry(t)
	var applied []string
	if err := reg.RegisterKV(KVMigration{
		Version: "0.2.0",
		Migrate: func(ctx context.Context) error { return errors.New("boom") },
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}
	if err := reg.RegisterKV(KVMigration{
		Version: "0.3.0",
		Migrate: func(ctx context.Context) error {
			applied = append(applied, "0.3.0")
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}

	runner := newRunner(env, reg, fakeAuth{}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if !reflect.DeepEqual(applied, []string{"0.3.0"}) {
		t.Errorf("applied = %v, want [0.3.0]", applied)
	}

	v, ok, err := env.flat.Version()
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if !ok || v != "0.3.0" {
		t.Errorf("marker = (%q, %v), want (0.3.0, true)", v, ok)
	}
}

// TestRun_NotifiesExistingInstallOnly verifies the one-time migration
// notice goes to existing installs and carries translated text.
func TestRun_NotifiesExistingInstallOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Existing install at schema v1.
	if err := newRunner(env, baseRegistry(t), fakeAuth{}, nil).Run(ctx); err != nil {
		t.Fatalf("seed Run() failed: %v", err)
	}

	reg := baseRegistry(t)
	if err := reg.RegisterStore(objstore.Migration{
		Version: 2,
		Migrate: func(ctx context.Context, tx *sql.Tx) error {
			return objstore.CreateObjectStore(ctx, tx, "settings")
		},
	}); err != nil {
		t.Fatalf("RegisterStore() failed: %v", err)
	}

	bus := notify.NewBus()
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	runner := NewRunner(env.flat, env.objects, reg, RunnerConfig{
		Backups:   env.backups,
		Bus:       bus,
		Translate: func(key string) string { return "tr:" + key },
		Logger:    log.New(io.Discard, "", 0),
	})
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != notify.EventMigrationComplete {
			t.Errorf("event type = %q, want %q", e.Type, notify.EventMigrationComplete)
		}
		if e.Summary != "tr:storage.migration.summary" {
			t.Errorf("event summary = %q, want translated key", e.Summary)
		}
	case <-time.After(time.Second):
		t.Fatal("no migration notice for existing install")
	}
}

// TestRun_BackupFailureDoesNotBlock verifies that a failing backup is
// tolerated and migrations still run. On a fresh authenticated install
// the backups store does not exist yet, which makes the backup write
// fail naturally.
func TestRun_BackupFailureDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg := baseRegistry(t)
	applied := false
	if err := reg.RegisterKV(KVMigration{
		Version: "0.2.0",
		Migrate: func(ctx context.Context) error {
			applied = true
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}

	runner := newRunner(env, reg, fakeAuth{authed: true, id: "u1"}, nil)
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !applied {
		t.Error("migration did not run after backup failure")
	}
}

// TestStatus verifies the read-only pending report.
func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg := baseRegistry(t)
	if err := reg.RegisterKV(KVMigration{
		Version: "0.2.0",
		Migrate: func(ctx context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("RegisterKV() failed: %v", err)
	}

	runner := newRunner(env, reg, fakeAuth{}, nil)

	st, err := runner.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.PendingLocal != 1 || !st.StorePending {
		t.Errorf("Status() = %+v, want 1 pending local and store pending", st)
	}
	if st.LocalTargetVersion != "0.2.0" || st.StoreTargetVersion != 1 {
		t.Errorf("Status() targets = (%q, %d), want (0.2.0, 1)",
			st.LocalTargetVersion, st.StoreTargetVersion)
	}

	// Status must not have mutated anything.
	if _, ok, _ := env.flat.Version(); ok {
		t.Error("Status() wrote the version marker")
	}

	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	st, err = runner.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.PendingLocal != 0 || st.StorePending {
		t.Errorf("Status() after Run() = %+v, want nothing pending", st)
	}
}
