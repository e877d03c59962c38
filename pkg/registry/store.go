// Copyright 2024-2026 Aiku AI

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by a Store when the requested user does not exist.
	ErrNotFound = errors.New("user not found")
	// ErrStorage marks every failure of the durable backend. Callers map it
	// to a user-visible "could not save" reply.
	ErrStorage = errors.New("storage failure")
)

// Action is the kind of mutation recorded in the registration log.
type Action string

const (
	ActionRegister Action = "REGISTER"
	ActionUpdate   Action = "UPDATE"
	ActionRemove   Action = "REMOVE"
	ActionOther    Action = "OTHER"
)

// User is an opted-in chat user.
type User struct {
	ID           int64     `yaml:"id" json:"id"`
	Username     string    `yaml:"username,omitempty" json:"username,omitempty"`
	FirstName    string    `yaml:"first_name,omitempty" json:"first_name,omitempty"`
	LastName     string    `yaml:"last_name,omitempty" json:"last_name,omitempty"`
	RegisteredAt time.Time `yaml:"registered_at" json:"registered_at"`
}

// FullName joins the first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Event is one entry of the append-only registration log.
type Event struct {
	ID        string    `yaml:"id" json:"id"`
	UserID    int64     `yaml:"user_id" json:"user_id"`
	Action    Action    `yaml:"action" json:"action"`
	Details   string    `yaml:"details,omitempty" json:"details,omitempty"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
}

// Store is the durable backend behind a Registry.
type Store interface {
	// ListUsers returns every user in registration order.
	ListUsers(ctx context.Context) ([]User, error)
	// GetUser returns ErrNotFound if the user does not exist.
	GetUser(ctx context.Context, id int64) (*User, error)
	// PutUser inserts the user or overwrites the existing row.
	PutUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, id int64) error
	AppendEvent(ctx context.Context, evt Event) error
	// RecentUsers returns up to limit users, newest registration first.
	RecentUsers(ctx context.Context, limit int) ([]User, error)
	// RecentEvents returns up to limit events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	// Backup writes a point-in-time copy of the store to dest.
	Backup(ctx context.Context, dest string) error
	Close() error
}

// profileSnapshot renders the profile fields stored for a user.
func profileSnapshot(u User) string {
	return fmt.Sprintf("username=%q first_name=%q last_name=%q", u.Username, u.FirstName, u.LastName)
}

// changedFields lists the profile fields that differ between two versions
// of the same user.
func changedFields(prev, next User) []string {
	var changed []string
	if prev.Username != next.Username {
		changed = append(changed, "username")
	}
	if prev.FirstName != next.FirstName {
		changed = append(changed, "first_name")
	}
	if prev.LastName != next.LastName {
		changed = append(changed, "last_name")
	}
	return changed
}
