// Copyright 2024-2026 Aiku AI

package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	Users  []User  `yaml:"users"`
	Events []Event `yaml:"events"`
}

// FileStore keeps the registry in a single YAML file that is rewritten
// atomically on every change. With an empty path it only lives in memory.
type FileStore struct {
	path string

	mu  sync.Mutex
	doc fileDocument
}

var _ Store = (*FileStore)(nil)

// OpenFile loads the YAML document at path, starting empty if the file does
// not exist yet.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return s, nil
}

// NewMemoryStore returns a FileStore that never touches the disk.
func NewMemoryStore() *FileStore {
	return &FileStore{}
}

// commit persists next and makes it the current document. The current
// document is left unchanged if writing fails.
func (s *FileStore) commit(next fileDocument) error {
	if s.path != "" {
		if err := writeYAMLFile(s.path, next); err != nil {
			return err
		}
	}
	s.doc = next
	return nil
}

func (s *FileStore) findUser(id int64) int {
	return slices.IndexFunc(s.doc.Users, func(u User) bool { return u.ID == id })
}

func (s *FileStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := slices.Clone(s.doc.Users)
	slices.SortStableFunc(users, func(a, b User) int {
		return a.RegisteredAt.Compare(b.RegisteredAt)
	})
	return users, nil
}

func (s *FileStore) GetUser(ctx context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.findUser(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	u := s.doc.Users[idx]
	return &u, nil
}

func (s *FileStore) PutUser(ctx context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fileDocument{Users: slices.Clone(s.doc.Users), Events: s.doc.Events}
	if idx := s.findUser(user.ID); idx >= 0 {
		next.Users[idx] = user
	} else {
		next.Users = append(next.Users, user)
	}
	return s.commit(next)
}

func (s *FileStore) DeleteUser(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.findUser(id)
	if idx < 0 {
		return nil
	}
	next := fileDocument{Users: slices.Delete(slices.Clone(s.doc.Users), idx, idx+1), Events: s.doc.Events}
	return s.commit(next)
}

func (s *FileStore) AppendEvent(ctx context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]Event, len(s.doc.Events), len(s.doc.Events)+1)
	copy(events, s.doc.Events)
	next := fileDocument{Users: s.doc.Users, Events: append(events, evt)}
	return s.commit(next)
}

func (s *FileStore) RecentUsers(ctx context.Context, limit int) ([]User, error) {
	users, _ := s.ListUsers(ctx)
	slices.Reverse(users)
	if limit >= 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *FileStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := slices.Clone(s.doc.Events)
	slices.Reverse(events)
	if limit >= 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Backup writes the current document to dest.
func (s *FileStore) Backup(ctx context.Context, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeYAMLFile(dest, s.doc)
}

func (s *FileStore) Close() error {
	return nil
}
