// Package modelstore is the content-addressed-by-name store of model
// archives (C1). It keeps an in-memory index of known model names behind
// a sync.RWMutex, mirroring the concurrency pattern of a service
// registry but with a single upload/list/fetch surface instead of
// service discovery semantics.
package modelstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/watershed-dss/wqdss/internal/archive"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
	"github.com/watershed-dss/wqdss/internal/wqlog"
)

// Mirror is the subset of internal/mirror.Mirror the store needs, narrowed
// so tests can substitute a fake rather than pulling in the AWS SDK.
type Mirror interface {
	Put(ctx context.Context, name string, archiveBytes []byte) error
}

// DuplicatePolicy controls Add's behaviour when a name is already taken.
type DuplicatePolicy int

const (
	// Reject returns wqerrors.ErrModelExists on a duplicate name.
	Reject DuplicatePolicy = iota
	// Tolerant treats a duplicate upload as an idempotent no-op, logging
	// a warning instead of failing.
	Tolerant
)

// Store is the process-wide model registry: a base directory holding one
// subdirectory plus one repackaged .zip per model, and an in-memory
// index of known names for O(1) name lookups in Get and Dir.
type Store struct {
	baseDir string
	mirror  Mirror
	mu      sync.RWMutex
	names   map[string]struct{}
	log     *wqlog.ContextLogger
}

// New returns a Store rooted at baseDir. baseDir is created if it does
// not already exist.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create model base dir %s: %w", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		names:   make(map[string]struct{}),
		log:     wqlog.New().WithField("component", "modelstore"),
	}, nil
}

// SetMirror attaches a durability mirror that Add pushes every newly
// registered model archive to. A nil mirror (the default) disables
// mirroring entirely.
func (s *Store) SetMirror(m Mirror) { s.mirror = m }

func (s *Store) dir(name string) string { return filepath.Join(s.baseDir, name) }
func (s *Store) zip(name string) string { return filepath.Join(s.baseDir, name+".zip") }

// Add extracts archiveBytes (a zip file's raw bytes) under name,
// normalising a single common leading directory if present, and stores
// a repackaged .zip for retrieval. policy decides whether a collision
// with an existing name is a hard error or an idempotent no-op.
func (s *Store) Add(name string, archiveBytes []byte, policy DuplicatePolicy) error {
	s.mu.Lock()
	_, exists := s.names[name]
	if exists {
		s.mu.Unlock()
		if policy == Tolerant {
			s.log.WithField("model", name).Warnf("duplicate model upload ignored (tolerant mode)")
			return nil
		}
		return fmt.Errorf("%w: %s", wqerrors.ErrModelExists, name)
	}
	s.names[name] = struct{}{}
	s.mu.Unlock()

	tmp, err := os.CreateTemp("", "wqdss-model-upload-*.zip")
	if err != nil {
		return fmt.Errorf("stage upload for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(archiveBytes); err != nil {
		tmp.Close()
		return fmt.Errorf("stage upload for %s: %w", name, err)
	}
	tmp.Close()

	if err := archive.Extract(tmp.Name(), s.dir(name)); err != nil {
		s.mu.Lock()
		delete(s.names, name)
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", wqerrors.ErrModelDirMissing, name, err)
	}

	if err := archive.Repackage(s.dir(name), s.zip(name)); err != nil {
		return fmt.Errorf("repackage model %s: %w", name, err)
	}

	size := "unknown size"
	if info, err := os.Stat(s.zip(name)); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	s.log.WithField("model", name).WithField("size", size).Infof("model registered")

	if s.mirror != nil {
		repackaged, err := os.ReadFile(s.zip(name))
		if err != nil {
			s.log.WithField("model", name).WithError(err).Warnf("failed to read repackaged archive for mirroring")
		} else if err := s.mirror.Put(context.Background(), name, repackaged); err != nil {
			s.log.WithField("model", name).WithError(err).Warnf("failed to mirror model archive")
		}
	}
	return nil
}

// Get returns the repackaged archive bytes for name, or
// wqerrors.ErrModelNotFound if the name is unknown.
func (s *Store) Get(name string) ([]byte, error) {
	s.mu.RLock()
	_, exists := s.names[name]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", wqerrors.ErrModelNotFound, name)
	}

	b, err := os.ReadFile(s.zip(name))
	if err != nil {
		return nil, fmt.Errorf("read model archive %s: %w", name, err)
	}
	return b, nil
}

// Dir returns the extracted directory for name, used by the run sandbox
// to copy a model's files into a fresh working directory.
func (s *Store) Dir(name string) (string, error) {
	s.mu.RLock()
	_, exists := s.names[name]
	s.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("%w: %s", wqerrors.ErrModelNotFound, name)
	}
	return s.dir(name), nil
}

// List returns the known model names in an unspecified but stable
// (sorted) order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadFromDisk scans baseDir at startup, treating each subdirectory as an
// existing model and lazily repackaging its .zip if one is not already
// present. Call once, before serving traffic.
func (s *Store) LoadFromDisk() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("scan model base dir %s: %w", s.baseDir, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()

		if _, err := os.Stat(s.zip(name)); os.IsNotExist(err) {
			if err := archive.Repackage(s.dir(name), s.zip(name)); err != nil {
				return fmt.Errorf("repackage existing model %s: %w", name, err)
			}
			s.log.WithField("model", name).Infof("lazily repackaged model found on disk")
		}

		s.mu.Lock()
		s.names[name] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}
