package coremask

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"coremask/internal/association"
	"coremask/internal/topology"
)

// AppliedMasks reports whether a mask is currently applied to a live
// process. Implementations drop dead processes before answering.
type AppliedMasks interface {
	IsMaskApplied(maskID string) bool
}

// Service owns the mask collection. It is the only writer of the mask file.
type Service struct {
	store    fileStore
	topo     topology.Provider
	applied  AppliedMasks
	profiles association.Provider
	now      func() time.Time

	mu          sync.RWMutex
	masks       []*CoreMask
	initialized bool

	listenerMu sync.RWMutex
	listeners  []func(ChangeEvent)
}

type Option func(*Service)

// WithProfiles sets the association provider consulted before deletion.
func WithProfiles(p association.Provider) Option {
	return func(s *Service) { s.profiles = p }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(fs afero.Fs, path string, topo topology.Provider, applied AppliedMasks, opts ...Option) *Service {
	s := &Service{
		store:   fileStore{fs: fs, path: path},
		topo:    topo,
		applied: applied,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	topo.OnRefresh(s.handleTopologyRefresh)
	return s
}

// OnChange registers a listener for mask collection changes.
func (s *Service) OnChange(fn func(ChangeEvent)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(kind ChangeKind, id string) {
	s.listenerMu.RLock()
	listeners := append(([]func(ChangeEvent))(nil), s.listeners...)
	s.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(ChangeEvent{Kind: kind, MaskID: id})
	}
}

// Initialize loads the mask file, synthesizing and saving the defaults when
// there is nothing usable on disk. Calls after the first are no-ops.
func (s *Service) Initialize() error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}

	now := s.now()
	masks, err := s.store.load(now)
	if err != nil {
		klog.ErrorS(err, "failed to load masks, falling back to defaults", "path", s.store.path)
		masks = nil
	}

	snap := s.topo.Snapshot()
	if len(masks) == 0 {
		for _, t := range GenerateDefaults(snap) {
			masks = append(masks, s.fromTemplate(t, now))
		}
		klog.InfoS("generated default masks", "count", len(masks), "topology", snap.Describe())
	}

	s.masks = normalizeMasks(masks, snap.LogicalCount(), now)
	s.initialized = true
	saveErr := s.store.save(s.masks)
	s.mu.Unlock()

	if saveErr != nil {
		klog.ErrorS(saveErr, "failed to persist masks", "path", s.store.path)
		return saveErr
	}
	s.notify(ChangeReloaded, "")
	return nil
}

// normalizeMasks enforces the baseline invariants and fits every bit vector
// to the current logical CPU count.
func normalizeMasks(masks []*CoreMask, n int, now time.Time) []*CoreMask {
	out := make([]*CoreMask, 0, len(masks)+1)
	var baseline *CoreMask
	for _, m := range masks {
		if isBaselineName(m.Name) {
			if baseline != nil {
				klog.InfoS("dropping duplicate baseline mask", "id", m.ID)
				continue
			}
			baseline = m
			m.Name = BaselineName
			m.IsDefault = true
			m.IsEnabled = true
		} else {
			m.IsDefault = false
		}
		m.Bits = Resize(m.Bits, n)
		out = append(out, m)
	}
	if baseline == nil {
		baseline = &CoreMask{
			ID:          uuid.NewString(),
			Name:        BaselineName,
			Description: "All logical processors",
			IsDefault:   true,
			IsEnabled:   true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		out = append([]*CoreMask{baseline}, out...)
	}
	baseline.Bits = AllTrue(n)
	return out
}

func (s *Service) fromTemplate(t Template, now time.Time) *CoreMask {
	return &CoreMask{
		ID:          uuid.NewString(),
		Name:        t.Name,
		Description: t.Description,
		Bits:        append([]bool(nil), t.Bits...),
		IsDefault:   t.IsDefault,
		IsEnabled:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Masks returns copies of all masks in insertion order.
func (s *Service) Masks() []*CoreMask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.topo.Snapshot().LogicalCount()
	out := make([]*CoreMask, 0, len(s.masks))
	for _, m := range s.masks {
		out = append(out, view(m, n))
	}
	return out
}

// view returns a copy of m sized for n logical CPUs.
func view(m *CoreMask, n int) *CoreMask {
	c := m.Clone()
	if c.IsDefault {
		c.Bits = AllTrue(n)
	} else {
		c.Bits = Resize(c.Bits, n)
	}
	return c
}

func (s *Service) MaskByID(id string) (*CoreMask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexByID(id)
	if i < 0 {
		return nil, false
	}
	return view(s.masks[i], s.topo.Snapshot().LogicalCount()), true
}

// MaskByName looks a mask up by name, ignoring case.
func (s *Service) MaskByName(name string) (*CoreMask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.masks {
		if strings.EqualFold(m.Name, strings.TrimSpace(name)) {
			return view(m, s.topo.Snapshot().LogicalCount()), true
		}
	}
	return nil, false
}

// Reserve runs track with the mask while DeleteMask is held off. A caller
// that records the assignment inside track is guaranteed that the mask is
// still present and that a later DeleteMask sees it as in use.
func (s *Service) Reserve(id string, track func(*CoreMask) error) (*CoreMask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexByID(id)
	if i < 0 {
		return nil, errors.Wrap(ErrMaskNotFound, id)
	}
	m := view(s.masks[i], s.topo.Snapshot().LogicalCount())
	if err := track(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) Baseline() *CoreMask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.masks {
		if m.IsDefault {
			return view(m, s.topo.Snapshot().LogicalCount())
		}
	}
	return nil
}

func (s *Service) indexByID(id string) int {
	for i, m := range s.masks {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// CreateMask appends a user mask and persists the collection. Names are not
// required to be unique, except that the baseline name may not be reused.
func (s *Service) CreateMask(name, description string, bits []bool) (*CoreMask, error) {
	if isBaselineName(name) {
		return nil, errors.Wrapf(ErrReservedName, "%q", name)
	}
	if strings.TrimSpace(name) == "" {
		name = "Unnamed"
	}

	now := s.now()
	m := &CoreMask{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: description,
		Bits:        Resize(bits, s.topo.Snapshot().LogicalCount()),
		IsEnabled:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.masks = append(s.masks, m)
	err := s.store.save(s.masks)
	out := view(m, len(m.Bits))
	s.mu.Unlock()

	if err != nil {
		return out, err
	}
	klog.V(2).InfoS("mask created", "id", m.ID, "name", m.Name, "cpus", FormatBits(m.Bits))
	s.notify(ChangeCreated, m.ID)
	return out, nil
}

// UpdateMask replaces the stored mask with the same id. An unknown id is
// logged and ignored. The baseline keeps its name and stays all-true.
func (s *Service) UpdateMask(mask *CoreMask) error {
	if mask == nil {
		return nil
	}

	s.mu.Lock()
	i := s.indexByID(mask.ID)
	if i < 0 {
		s.mu.Unlock()
		klog.InfoS("ignoring update of unknown mask", "id", mask.ID, "name", mask.Name)
		return nil
	}

	n := s.topo.Snapshot().LogicalCount()
	cur := s.masks[i]
	updated := mask.Clone()
	updated.CreatedAt = cur.CreatedAt
	updated.UpdatedAt = s.now()
	if cur.IsDefault {
		updated.Name = BaselineName
		updated.IsDefault = true
		updated.IsEnabled = true
		updated.Bits = AllTrue(n)
	} else {
		if isBaselineName(updated.Name) {
			s.mu.Unlock()
			return errors.Wrapf(ErrReservedName, "%q", updated.Name)
		}
		updated.IsDefault = false
		updated.Bits = Resize(updated.Bits, n)
	}
	s.masks[i] = updated
	err := s.store.save(s.masks)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify(ChangeUpdated, mask.ID)
	return nil
}

// DeleteMask removes a user mask. The baseline and masks applied to a live
// process are refused before anything is changed. Profiles that reference
// the mask are left alone; see UpdateProfilesToDefaultMask.
func (s *Service) DeleteMask(id string) error {
	s.mu.Lock()
	i := s.indexByID(id)
	if i < 0 {
		s.mu.Unlock()
		return errors.Wrap(ErrMaskNotFound, id)
	}
	m := s.masks[i]
	if m.IsDefault {
		s.mu.Unlock()
		return errors.Wrapf(ErrProtectedMask, "%q", m.Name)
	}
	if s.applied != nil && s.applied.IsMaskApplied(id) {
		s.mu.Unlock()
		return errors.Wrapf(ErrMaskInUse, "%q", m.Name)
	}

	s.masks = append(s.masks[:i:i], s.masks[i+1:]...)
	err := s.store.save(s.masks)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	klog.V(2).InfoS("mask deleted", "id", id, "name", m.Name)
	s.notify(ChangeDeleted, id)
	return nil
}

// IsMaskActivelyApplied reports whether a live tracked process has the mask.
func (s *Service) IsMaskActivelyApplied(id string) bool {
	return s.applied != nil && s.applied.IsMaskApplied(id)
}

func (s *Service) IsMaskReferencedByProfiles(id string) (bool, error) {
	names, err := s.ProfilesReferencingMask(id)
	return len(names) > 0, err
}

// ProfilesReferencingMask lists the associations that point at the mask.
func (s *Service) ProfilesReferencingMask(id string) ([]string, error) {
	if s.profiles == nil {
		return nil, nil
	}
	items, err := s.profiles.Associations()
	if err != nil {
		return nil, errors.Wrap(err, "list associations")
	}
	var names []string
	for _, a := range items {
		if a.MaskID == id {
			names = append(names, a.Name)
		}
	}
	return names, nil
}

// UpdateProfilesToDefaultMask points every association that references id at
// the baseline mask instead. It returns how many were rebound.
func (s *Service) UpdateProfilesToDefaultMask(id string) (int, error) {
	if s.profiles == nil {
		return 0, nil
	}
	baseline := s.Baseline()
	if baseline == nil {
		return 0, errors.Wrap(ErrMaskNotFound, "baseline")
	}

	items, err := s.profiles.Associations()
	if err != nil {
		return 0, errors.Wrap(err, "list associations")
	}
	rebound := 0
	for _, a := range items {
		if a.MaskID != id {
			continue
		}
		a.MaskID = baseline.ID
		if err := s.profiles.UpdateAssociation(a); err != nil {
			return rebound, errors.Wrapf(err, "rebind %q", a.Name)
		}
		rebound++
	}
	if rebound > 0 {
		klog.InfoS("rebound profiles to baseline mask", "mask", id, "count", rebound)
	}
	return rebound, nil
}

// CreateDefaultMasks regenerates the topology defaults and appends the ones
// whose name is not already taken. User masks are never removed.
func (s *Service) CreateDefaultMasks() (int, error) {
	snap := s.topo.Snapshot()
	now := s.now()

	s.mu.Lock()
	added := 0
	for _, t := range GenerateDefaults(snap) {
		if t.IsDefault || s.hasName(t.Name) {
			continue
		}
		s.masks = append(s.masks, s.fromTemplate(t, now))
		added++
	}
	s.masks = normalizeMasks(s.masks, snap.LogicalCount(), now)
	err := s.store.save(s.masks)
	s.mu.Unlock()

	if err != nil {
		return added, err
	}
	s.notify(ChangeReloaded, "")
	return added, nil
}

func (s *Service) hasName(name string) bool {
	for _, m := range s.masks {
		if strings.EqualFold(m.Name, name) {
			return true
		}
	}
	return false
}

// Save persists the current collection.
func (s *Service) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.save(s.masks)
}

func (s *Service) handleTopologyRefresh(snap *topology.Snapshot) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	s.masks = normalizeMasks(s.masks, snap.LogicalCount(), s.now())
	err := s.store.save(s.masks)
	s.mu.Unlock()

	if err != nil {
		klog.ErrorS(err, "failed to persist masks after topology refresh")
		return
	}
	klog.InfoS("masks revalidated after topology refresh", "logical", snap.LogicalCount())
	s.notify(ChangeReloaded, "")
}
