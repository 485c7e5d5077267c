// Package store persists the handful of user flags the compass needs across
// restarts.
package store

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Keys used by the application.
const (
	KeyPermissionDialogDismissed = "compass.permission_dialog_dismissed"
	KeySavedLocation             = "location.saved"
)

// FlagStore is a small string key/value store. Missing keys read as the zero
// value.
type FlagStore interface {
	Bool(key string) (bool, error)
	SetBool(key string, v bool) error
	String(key string) (string, error)
	SetString(key, v string) error
	Has(key string) (bool, error)
	Delete(key string) error
}

// MemoryStore keeps values in memory only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Bool(key string) (bool, error) {
	s, err := m.String(key)
	if err != nil || s == "" {
		return false, err
	}
	return strconv.ParseBool(s)
}

func (m *MemoryStore) SetBool(key string, v bool) error {
	return m.SetString(key, strconv.FormatBool(v))
}

func (m *MemoryStore) String(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *MemoryStore) SetString(key, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
	return nil
}

func (m *MemoryStore) Has(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FileStore is a MemoryStore written through to a YAML file on every change.
type FileStore struct {
	*MemoryStore
	path   string
	logger *zap.SugaredLogger
	wmu    sync.Mutex
}

// OpenFileStore loads path if it exists. A missing file starts empty.
func OpenFileStore(path string, logger *zap.SugaredLogger) (*FileStore, error) {
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path, logger: logger}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Infof("no saved flags at %s, starting empty", path)
		return fs, nil
	case err != nil:
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if err := yaml.Unmarshal(data, &fs.values); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if fs.values == nil {
		fs.values = make(map[string]string)
	}
	logger.Infof("loaded %d flags from %s", len(fs.values), path)
	return fs, nil
}

func (f *FileStore) SetBool(key string, v bool) error {
	return f.SetString(key, strconv.FormatBool(v))
}

func (f *FileStore) SetString(key, v string) error {
	return f.update(func(values map[string]string) { values[key] = v })
}

func (f *FileStore) Delete(key string) error {
	return f.update(func(values map[string]string) { delete(values, key) })
}

// update applies fn to a copy of the values and writes it out. Memory only
// changes once the file is on disk, so a failed write leaves both unchanged.
func (f *FileStore) update(fn func(map[string]string)) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	f.mu.RLock()
	next := lo.Assign(f.values)
	f.mu.RUnlock()
	fn(next)

	if err := f.write(next); err != nil {
		return err
	}
	f.mu.Lock()
	f.values = next
	f.mu.Unlock()
	return nil
}

// write writes a temp file and renames it over the old one.
func (f *FileStore) write(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "marshal flags")
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(f.path))
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}
