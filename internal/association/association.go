// Package association holds the profile records that point processes at
// masks. Only the mask reference is interpreted here; matching processes to
// profiles is left to the caller.
package association

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var ErrNotFound = errors.New("association not found")

type Association struct {
	Name        string   `json:"name"`
	Executables []string `json:"executables"`
	MaskID      string   `json:"maskId"`
	Priority    *int     `json:"priority,omitempty"`
}

// Provider exposes the associations that may reference a mask.
type Provider interface {
	Associations() ([]Association, error)
	UpdateAssociation(a Association) error
}

// Memory is an in-process Provider.
type Memory struct {
	mu    sync.RWMutex
	items []Association
}

func NewMemory(items ...Association) *Memory {
	return &Memory{items: append([]Association(nil), items...)}
}

func (m *Memory) Associations() ([]Association, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Association(nil), m.items...), nil
}

func (m *Memory) UpdateAssociation(a Association) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := indexOf(m.items, a.Name)
	if i < 0 {
		return errors.Wrap(ErrNotFound, a.Name)
	}
	m.items[i] = a
	return nil
}

// FileStore persists associations as a JSON array.
type FileStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

func NewFileStore(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

func (f *FileStore) Associations() ([]Association, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileStore) UpdateAssociation(a Association) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	items, err := f.load()
	if err != nil {
		return err
	}
	i := indexOf(items, a.Name)
	if i < 0 {
		return errors.Wrap(ErrNotFound, a.Name)
	}
	items[i] = a

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode associations")
	}
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrap(err, "create associations dir")
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return errors.Wrapf(f.fs.Rename(tmp, f.path), "replace %s", f.path)
}

func (f *FileStore) load() ([]Association, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", f.path)
	}
	var items []Association
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrapf(err, "decode %s", f.path)
	}
	return items, nil
}

func indexOf(items []Association, name string) int {
	for i := range items {
		if strings.EqualFold(items[i].Name, name) {
			return i
		}
	}
	return -1
}
