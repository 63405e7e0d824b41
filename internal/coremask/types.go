package coremask

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// BaselineName is reserved for the protected all-cores mask.
const BaselineName = "All Cores"

var (
	ErrInvalidMask   = errors.New("invalid mask")
	ErrProtectedMask = errors.New("protected baseline mask cannot be deleted")
	ErrMaskInUse     = errors.New("mask is applied to a running process")
	ErrReservedName  = errors.New("mask name is reserved")
	ErrMaskNotFound  = errors.New("mask not found")
	ErrPersistence   = errors.New("mask persistence failure")
)

// CoreMask is a named selection of logical CPUs. Bits[i] selects CPU i.
type CoreMask struct {
	ID          string
	Name        string
	Description string
	Bits        []bool
	IsDefault   bool
	IsEnabled   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (m *CoreMask) Clone() *CoreMask {
	if m == nil {
		return nil
	}
	c := *m
	c.Bits = append([]bool(nil), m.Bits...)
	return &c
}

// SelectedCount returns the number of selected CPUs.
func (m *CoreMask) SelectedCount() int {
	return CountSet(m.Bits)
}

// IsBaseline reports whether m is the protected all-cores mask.
func (m *CoreMask) IsBaseline() bool {
	return m.IsDefault && isBaselineName(m.Name)
}

func isBaselineName(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), BaselineName)
}

// ChangeKind says what happened to the mask collection.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeReloaded ChangeKind = "reloaded"
)

type ChangeEvent struct {
	Kind   ChangeKind
	MaskID string
}
