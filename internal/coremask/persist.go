package coremask

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// maskRecord is the on-disk form of a CoreMask. Pointer fields distinguish
// a missing field from its zero value.
type maskRecord struct {
	ID          *string    `json:"id"`
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	BoolMask    []bool     `json:"boolMask"`
	IsDefault   *bool      `json:"isDefault"`
	IsEnabled   *bool      `json:"isEnabled"`
	CreatedAt   *time.Time `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt"`
}

// decodeResult is the outcome of decoding one array entry.
type decodeResult struct {
	mask *CoreMask
	err  error
}

func toRecord(m *CoreMask) maskRecord {
	bits := m.Bits
	if bits == nil {
		bits = []bool{}
	}
	return maskRecord{
		ID:          &m.ID,
		Name:        &m.Name,
		Description: &m.Description,
		BoolMask:    bits,
		IsDefault:   &m.IsDefault,
		IsEnabled:   &m.IsEnabled,
		CreatedAt:   &m.CreatedAt,
		UpdatedAt:   &m.UpdatedAt,
	}
}

func (r maskRecord) toMask(now time.Time) *CoreMask {
	m := &CoreMask{
		ID:        uuid.NewString(),
		Name:      "Unnamed",
		Bits:      append([]bool{}, r.BoolMask...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.ID != nil && *r.ID != "" {
		m.ID = *r.ID
	}
	if r.Name != nil && *r.Name != "" {
		m.Name = *r.Name
	}
	if r.Description != nil {
		m.Description = *r.Description
	}
	if r.IsDefault != nil {
		m.IsDefault = *r.IsDefault
	}
	if r.IsEnabled != nil {
		m.IsEnabled = *r.IsEnabled
	}
	if r.CreatedAt != nil && !r.CreatedAt.IsZero() {
		m.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil && !r.UpdatedAt.IsZero() {
		m.UpdatedAt = *r.UpdatedAt
	}
	return m
}

// EncodeMasks renders masks as the JSON array stored on disk.
func EncodeMasks(masks []*CoreMask) ([]byte, error) {
	records := make([]maskRecord, 0, len(masks))
	for _, m := range masks {
		records = append(records, toRecord(m))
	}
	return json.MarshalIndent(records, "", "  ")
}

// DecodeMasks parses the mask file. An entry that fails to decode is
// skipped and counted; only a malformed top-level array is an error.
func DecodeMasks(data []byte, now time.Time) ([]*CoreMask, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, errors.Wrap(err, "decode mask array")
	}

	results := make([]decodeResult, 0, len(raw))
	for _, entry := range raw {
		var rec maskRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			results = append(results, decodeResult{err: err})
			continue
		}
		results = append(results, decodeResult{mask: rec.toMask(now)})
	}

	masks := make([]*CoreMask, 0, len(results))
	skipped := 0
	for i, r := range results {
		if r.err != nil {
			klog.InfoS("skipping malformed mask entry", "index", i, "err", r.err)
			skipped++
			continue
		}
		masks = append(masks, r.mask)
	}
	return masks, skipped, nil
}

// fileStore reads and writes the mask file on an afero filesystem.
type fileStore struct {
	fs   afero.Fs
	path string
}

// load returns (nil, nil) when the file does not exist yet.
func (f fileStore) load(now time.Time) ([]*CoreMask, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrPersistence, "read %s: %v", f.path, err)
	}
	masks, skipped, err := DecodeMasks(data, now)
	if err != nil {
		return nil, errors.Wrapf(ErrPersistence, "%s: %v", f.path, err)
	}
	if skipped > 0 {
		klog.InfoS("mask file contained malformed entries", "path", f.path, "skipped", skipped, "loaded", len(masks))
	}
	return masks, nil
}

// save writes to a temporary sibling and renames it over the target.
func (f fileStore) save(masks []*CoreMask) error {
	data, err := EncodeMasks(masks)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "encode: %v", err)
	}
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrapf(ErrPersistence, "create dir: %v", err)
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return errors.Wrapf(ErrPersistence, "write %s: %v", tmp, err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(ErrPersistence, "replace %s: %v", f.path, err)
	}
	return nil
}
