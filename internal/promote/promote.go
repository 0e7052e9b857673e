// Package promote merges anonymous-session data into an authenticated
// user's storage scope at login or signup.
//
// Promotion is best effort, then clean slate: every failure is logged
// and the remaining keys still attempt promotion, and the anonymous
// scope is cleared afterwards regardless of partial failure. Nothing
// here ever blocks the login flow.
package promote

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"

	"github.com/kestrelworks/stowage/internal/kvfile"
	"github.com/kestrelworks/stowage/internal/notify"
	"github.com/kestrelworks/stowage/internal/objstore"
	"github.com/kestrelworks/stowage/internal/scope"
)

// Base keys eligible for promotion. Keys outside the promotable set are
// never promoted automatically.
const (
	KeyNotifications = "notifications"
	KeyLanguage      = "language"
	KeyTheme         = "theme"
)

// DefaultPromotableKeys is the promotable key set used when Config
// leaves it empty.
var DefaultPromotableKeys = []string{KeyNotifications, KeyLanguage, KeyTheme}

// Config holds the Promoter's collaborators and policy knobs.
type Config struct {
	// PromotableKeys is the flat-store base key set eligible for
	// promotion. Defaults to DefaultPromotableKeys.
	PromotableKeys []string

	// NotificationsKey is the base key holding the notification list,
	// which merges instead of copy-if-absent. Defaults to
	// KeyNotifications.
	NotificationsKey string

	// Bus receives the promotion-complete event. Optional.
	Bus *notify.Bus

	// Logger records per-key failures. Defaults to stderr.
	Logger *log.Logger
}

// Promoter moves anonymous-scoped data into a user scope.
type Promoter struct {
	flat    *kvfile.Store
	objects *objstore.Store

	keys             []string
	notificationsKey string
	bus              *notify.Bus
	logger           *log.Logger
}

// New wires a Promoter over the two stores.
func New(flat *kvfile.Store, objects *objstore.Store, cfg Config) *Promoter {
	if len(cfg.PromotableKeys) == 0 {
		cfg.PromotableKeys = DefaultPromotableKeys
	}
	if cfg.NotificationsKey == "" {
		cfg.NotificationsKey = KeyNotifications
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[promote] ", log.LstdFlags)
	}
	return &Promoter{
		flat:             flat,
		objects:          objects,
		keys:             cfg.PromotableKeys,
		notificationsKey: cfg.NotificationsKey,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
	}
}

// PromoteAnonymousToUser merges anonymous-scoped data into the given
// user's scope and then clears the anonymous scope in both storage
// systems. It never returns an error: every failure is logged so the
// caller's auth-state transition proceeds regardless.
func (p *Promoter) PromoteAnonymousToUser(ctx context.Context, userID string) {
	anon := scope.Anonymous()
	user := scope.ForUser(userID)

	p.promoteFlat(anon, user)
	p.promoteObjects(ctx, anon, user)
	p.clearAnonymous(ctx, anon)

	if p.bus != nil {
		p.bus.Publish(notify.Event{
			Type:    notify.EventPromotionComplete,
			Summary: "anonymous data promoted",
			Detail:  "user " + userID,
		})
	}
}

// promoteFlat applies the per-key policy over the promotable key set.
func (p *Promoter) promoteFlat(anon, user scope.Scope) {
	for _, base := range p.keys {
		anonValue, err := p.flat.Get(anon, base)
		if errors.Is(err, kvfile.ErrNotFound) || (err == nil && anonValue == "") {
			continue
		}
		if err != nil {
			p.logger.Printf("Warning: failed to read anonymous %s: %v", base, err)
			continue
		}

		userValue, err := p.flat.Get(user, base)
		userHas := err == nil && userValue != ""
		if err != nil && !errors.Is(err, kvfile.ErrNotFound) {
			p.logger.Printf("Warning: failed to read user %s: %v", base, err)
			continue
		}

		if base == p.notificationsKey {
			merged := mergeNotificationLists(userValue, userHas, anonValue)
			if err := p.flat.Set(user, base, merged); err != nil {
				p.logger.Printf("Warning: failed to promote %s: %v", base, err)
			}
			continue
		}

		// User wins for all other keys.
		if userHas {
			continue
		}
		if err := p.flat.Set(user, base, anonValue); err != nil {
			p.logger.Printf("Warning: failed to promote %s: %v", base, err)
		}
	}
}

// promoteObjects copies anonymous entries of every object store into
// the user scope unless the user-scoped slot already holds a value.
func (p *Promoter) promoteObjects(ctx context.Context, anon, user scope.Scope) {
	stores, err := p.objects.Stores(ctx)
	if err != nil {
		p.logger.Printf("Warning: failed to list object stores: %v", err)
		return
	}

	for _, store := range stores {
		keys, err := p.objects.Keys(ctx, store)
		if err != nil {
			p.logger.Printf("Warning: failed to list keys in %s: %v", store, err)
			continue
		}

		for _, key := range keys {
			base, ok := anon.Base(key)
			if !ok {
				continue
			}

			value, err := p.objects.GetRaw(ctx, store, key)
			if err != nil {
				p.logger.Printf("Warning: failed to read %s/%s: %v", store, key, err)
				continue
			}
			if value == "" {
				continue
			}

			existing, err := p.objects.Get(ctx, store, user, base)
			if err == nil && existing != "" {
				continue
			}
			if err != nil && !errors.Is(err, objstore.ErrNotFound) {
				p.logger.Printf("Warning: failed to read user slot %s/%s: %v", store, base, err)
				continue
			}

			if err := p.objects.Put(ctx, store, user, base, value); err != nil {
				p.logger.Printf("Warning: failed to promote %s/%s: %v", store, base, err)
			}
		}
	}
}

// clearAnonymous wipes the anonymous scope from both storage systems,
// regardless of how promotion went.
func (p *Promoter) clearAnonymous(ctx context.Context, anon scope.Scope) {
	if _, err := p.flat.DeleteWithPrefix(anon.Prefix() + "_"); err != nil {
		p.logger.Printf("Warning: failed to clear anonymous flat keys: %v", err)
	}

	stores, err := p.objects.Stores(ctx)
	if err != nil {
		p.logger.Printf("Warning: failed to list object stores for cleanup: %v", err)
		return
	}
	for _, store := range stores {
		if _, err := p.objects.DeleteScope(ctx, store, anon); err != nil {
			p.logger.Printf("Warning: failed to clear anonymous keys in %s: %v", store, err)
		}
	}
}

// HasAnonymousData reports whether any promotable flat key or any
// object-store entry under the anonymous scope holds a non-empty value.
// Callers use it to decide whether to offer an import at login.
func (p *Promoter) HasAnonymousData(ctx context.Context) (bool, error) {
	anon := scope.Anonymous()

	for _, base := range p.keys {
		value, err := p.flat.Get(anon, base)
		if errors.Is(err, kvfile.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if value != "" {
			return true, nil
		}
	}

	stores, err := p.objects.Stores(ctx)
	if err != nil {
		return false, err
	}
	for _, store := range stores {
		keys, err := p.objects.Keys(ctx, store)
		if err != nil {
			return false, err
		}
		for _, key := range keys {
			if !anon.Contains(key) {
				continue
			}
			value, err := p.objects.GetRaw(ctx, store, key)
			if err != nil {
				return false, err
			}
			if value != "" {
				return true, nil
			}
		}
	}

	return false, nil
}

// notificationID extracts the "id" field from a raw list entry.
type notificationID struct {
	ID json.Number `json:"id"`
}

// mergeNotificationLists merges the anonymous and user notification
// lists: user entries keep their position and win on ID collision,
// anonymous-only entries are appended after them. Unknown fields in
// entries survive because entries are kept as raw JSON.
//
// When either side fails to parse, the user's raw value wins; the
// anonymous raw value is used only when the user had none.
func mergeNotificationLists(userValue string, userHas bool, anonValue string) string {
	var userEntries, anonEntries []json.RawMessage

	if userHas {
		if err := json.Unmarshal([]byte(userValue), &userEntries); err != nil {
			return userValue
		}
	}
	if err := json.Unmarshal([]byte(anonValue), &anonEntries); err != nil {
		if userHas {
			return userValue
		}
		return anonValue
	}

	seen := make(map[string]bool)
	for _, entry := range userEntries {
		var n notificationID
		if err := json.Unmarshal(entry, &n); err == nil && n.ID != "" {
			seen[n.ID.String()] = true
		}
	}

	merged := make([]json.RawMessage, 0, len(userEntries)+len(anonEntries))
	merged = append(merged, userEntries...)
	for _, entry := range anonEntries {
		var n notificationID
		if err := json.Unmarshal(entry, &n); err == nil && n.ID != "" && seen[n.ID.String()] {
			continue
		}
		merged = append(merged, entry)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		if userHas {
			return userValue
		}
		return anonValue
	}
	return string(out)
}
