// Package filestore keeps one YAML resume record per transfer in a directory.
// It needs no database and survives restarts the same way the SQLite store
// does.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/rangeget/internal/storage"
	"gopkg.in/yaml.v3"
)

const (
	dirPerm  = 0755
	filePerm = 0644
	ext      = ".yaml"
)

// Store implements storage.ResumeStore with files named <id>.yaml.
type Store struct {
	dir string
	mu  sync.Mutex
}

var _ storage.ResumeStore = (*Store)(nil)

// New creates dir if needed and returns a store rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Save writes rec to a temp file and renames it over the previous record.
func (s *Store) Save(_ context.Context, rec storage.ResumeRecord) error {
	if err := validID(rec.ID); err != nil {
		return err
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal resume record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, rec.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to write resume record: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to sync resume record: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close resume record: %w", err)
	}

	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		return fmt.Errorf("failed to chmod resume record: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(rec.ID)); err != nil {
		return fmt.Errorf("failed to finalize resume record: %w", err)
	}

	return nil
}

// Load reads the record for id or returns storage.ErrNotFound.
func (s *Store) Load(_ context.Context, id string) (*storage.ResumeRecord, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(s.path(id))
}

// Clear removes the record for id. Clearing a missing record is not an error.
func (s *Store) Clear(_ context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear resume record: %w", err)
	}

	return nil
}

// List returns every record in the directory, oldest first.
func (s *Store) List(_ context.Context) ([]storage.ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var records []storage.ResumeRecord

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}

		rec, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})

	return records, nil
}

func (s *Store) read(path string) (*storage.ResumeRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read resume record: %w", err)
	}

	var rec storage.ResumeRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode resume record %s: %w", filepath.Base(path), err)
	}

	return &rec, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+ext)
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("invalid resume record id %q", id)
	}

	return nil
}
