// Copyright 2024-2026 Aiku AI

// Package registry keeps the durable set of users who opted in to group
// mentions, together with an append-only log of every change to it.
//
// A [Registry] holds an in-memory mirror of the opted-in IDs for fast
// lookups during mention building. The mirror only changes after the
// backing [Store] accepted the write, so a failed write never leaves the
// mirror ahead of durable storage.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Registry is the opt-in user registry.
type Registry struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	// writeMu serializes all mutations, including the store round-trips.
	writeMu sync.Mutex

	mu    sync.RWMutex
	order []int64
	index map[int64]struct{}
}

// New creates a registry on top of the given store. Call Load before use.
func New(store Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log.With().Str("component", "registry").Logger(),
		now:   time.Now,
		index: make(map[int64]struct{}),
	}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorage, op, err)
}

// Load replaces the in-memory mirror with the users in the store and
// returns how many were loaded. The mirror is untouched if the store fails.
func (r *Registry) Load(ctx context.Context) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return 0, storageError("list users", err)
	}
	order := make([]int64, 0, len(users))
	index := make(map[int64]struct{}, len(users))
	for _, u := range users {
		if _, dup := index[u.ID]; dup {
			continue
		}
		index[u.ID] = struct{}{}
		order = append(order, u.ID)
	}

	r.mu.Lock()
	r.order = order
	r.index = index
	r.mu.Unlock()

	r.log.Info().Int("count", len(order)).Msg("Loaded registered users")
	return len(order), nil
}

// Upsert registers the user or refreshes an existing registration's profile.
// created reports whether the user was new. A REGISTER or UPDATE event is logged
// after the write succeeded.
func (r *Registry) Upsert(ctx context.Context, user User) (created bool, err error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	prev, err := r.store.GetUser(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, storageError("look up user", err)
	}

	// RegisteredAt orders the durable listing, so re-registrations keep the
	// first registration time and Load rebuilds the same order.
	if prev != nil {
		user.RegisteredAt = prev.RegisteredAt
	} else {
		user.RegisteredAt = r.now()
	}
	if err = r.store.PutUser(ctx, user); err != nil {
		return false, storageError("save user", err)
	}
	r.addToMirror(user.ID)

	if prev == nil {
		_ = r.LogEvent(ctx, user.ID, ActionRegister, profileSnapshot(user))
		r.log.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("User registered")
		return true, nil
	}

	details := profileSnapshot(user)
	if changed := changedFields(*prev, user); len(changed) > 0 {
		details = "changed=" + strings.Join(changed, ",") + " " + details
	}
	_ = r.LogEvent(ctx, user.ID, ActionUpdate, details)
	r.log.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("User registration updated")
	return false, nil
}

// Remove deletes the user's registration. Removing a user that is not
// registered is a successful no-op that logs no event.
func (r *Registry) Remove(ctx context.Context, id int64) (removed bool, err error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	prev, err := r.store.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		r.removeFromMirror(id)
		return false, nil
	} else if err != nil {
		return false, storageError("look up user", err)
	}

	if err = r.store.DeleteUser(ctx, id); err != nil {
		return false, storageError("delete user", err)
	}
	r.removeFromMirror(id)

	_ = r.LogEvent(ctx, id, ActionRemove, profileSnapshot(*prev))
	r.log.Info().Int64("user_id", id).Msg("User unregistered")
	return true, nil
}

// Get returns the stored profile, or an error wrapping ErrNotFound.
func (r *Registry) Get(ctx context.Context, id int64) (*User, error) {
	user, err := r.store.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	} else if err != nil {
		return nil, storageError("get user", err)
	}
	return user, nil
}

// LogEvent appends an entry to the registration log. It is best-effort:
// failures are logged here and returned, but never undo the mutation that
// triggered them.
func (r *Registry) LogEvent(ctx context.Context, userID int64, action Action, details string) error {
	evt := Event{
		ID:        xid.New().String(),
		UserID:    userID,
		Action:    action,
		Details:   details,
		Timestamp: r.now(),
	}
	if err := r.store.AppendEvent(ctx, evt); err != nil {
		r.log.Warn().Err(err).
			Int64("user_id", userID).
			Str("action", string(action)).
			Msg("Failed to append registration event")
		return storageError("append event", err)
	}
	return nil
}

// Contains reports whether the user is in the in-memory mirror.
func (r *Registry) Contains(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[id]
	return ok
}

// IDs returns the registered IDs in registration order.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Recent returns up to limit users, most recently registered first.
func (r *Registry) Recent(ctx context.Context, limit int) ([]User, error) {
	users, err := r.store.RecentUsers(ctx, limit)
	if err != nil {
		return nil, storageError("list recent users", err)
	}
	return users, nil
}

// History returns up to limit registration events, newest first.
func (r *Registry) History(ctx context.Context, limit int) ([]Event, error) {
	events, err := r.store.RecentEvents(ctx, limit)
	if err != nil {
		return nil, storageError("list events", err)
	}
	return events, nil
}

// Backup writes a copy of the store to dest. Mutations wait until it is done.
func (r *Registry) Backup(ctx context.Context, dest string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.Backup(ctx, dest); err != nil {
		return storageError("back up registry", err)
	}
	r.log.Info().Str("dest", dest).Int("users", r.Count()).Msg("Registry backup written")
	return nil
}

// addToMirror appends new IDs; re-registrations keep their position.
func (r *Registry) addToMirror(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; ok {
		return
	}
	r.index[id] = struct{}{}
	r.order = append(r.order, id)
}

func (r *Registry) removeFromMirror(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; !ok {
		return
	}
	delete(r.index, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}
