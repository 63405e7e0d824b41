package topology

import (
	"sync"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// Provider hands out the current topology snapshot and notifies listeners
// after every refresh.
type Provider interface {
	Snapshot() *Snapshot
	OnRefresh(fn func(*Snapshot))
}

// Detector is a Provider backed by sysfs. The snapshot is detected once on
// construction and again on every Refresh.
type Detector struct {
	fs afero.Fs

	mu        sync.RWMutex
	snapshot  *Snapshot
	listeners []func(*Snapshot)
}

func NewDetector(fs afero.Fs) (*Detector, error) {
	d := &Detector{fs: fs}
	if _, err := d.Refresh(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Detector) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

func (d *Detector) OnRefresh(fn func(*Snapshot)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Refresh re-detects the topology. On failure the previous snapshot is kept.
func (d *Detector) Refresh() (*Snapshot, error) {
	snap, err := Detect(d.fs)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.snapshot = snap
	listeners := make([]func(*Snapshot), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	klog.V(2).InfoS("topology detected", "summary", snap.Describe(), "method", snap.DetectMethod, "brand", snap.Brand)
	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

// StaticProvider serves a fixed snapshot until Set replaces it.
type StaticProvider struct {
	mu        sync.RWMutex
	snapshot  *Snapshot
	listeners []func(*Snapshot)
}

func Static(snap *Snapshot) *StaticProvider {
	return &StaticProvider{snapshot: snap}
}

func (p *StaticProvider) Snapshot() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

func (p *StaticProvider) OnRefresh(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Set swaps the snapshot and fires the refresh listeners.
func (p *StaticProvider) Set(snap *Snapshot) {
	p.mu.Lock()
	p.snapshot = snap
	listeners := make([]func(*Snapshot), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
