package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Sim is an in-memory Storage used by tests and by the simulator runs of the
// transfer engine. Volumes are mounted and removed programmatically; space
// figures are whatever the test configures.
type Sim struct {
	mu sync.Mutex

	volumes map[string]VolumeInfo
	labels  map[string]string
	meta    map[string]Metadata

	applyFails bool
}

// NewSim returns an empty simulated storage.
func NewSim() *Sim {
	return &Sim{
		volumes: make(map[string]VolumeInfo),
		labels:  make(map[string]string),
		meta:    make(map[string]Metadata),
	}
}

// AddVolume mounts a simulated volume.
func (s *Sim) AddVolume(path string, info VolumeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.volumes[path] = info
}

// SetLabel attaches a label to a simulated volume.
func (s *Sim) SetLabel(path string, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.labels[path] = label
}

// RemoveVolume unmounts a simulated volume, as if the card were yanked.
func (s *Sim) RemoveVolume(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.volumes, path)
}

// FailMetadata makes every ApplyMetadata call report failure.
func (s *Sim) FailMetadata(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyFails = fail
}

func (s *Sim) AvailableVolumes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	volumes := make([]string, 0, len(s.volumes))
	for v := range s.volumes {
		volumes = append(volumes, v)
	}
	sort.Strings(volumes)

	return volumes
}

func (s *Sim) VolumeInfo(path string) (VolumeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Longest mounted prefix wins, so nested destination paths resolve to
	// their volume.
	var (
		bestLen = -1
		found   bool
		info    VolumeInfo
	)

	for v, vi := range s.volumes {
		if hasPathPrefix(path, v) && len(v) > bestLen {
			bestLen, found, info = len(v), true, vi
		}
	}

	if !found {
		return VolumeInfo{}, errors.New("no such volume")
	}

	return info, nil
}

func (s *Sim) IsMounted(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.volumes[path]

	return ok
}

func (s *Sim) VolumeLabel(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	label, ok := s.labels[path]

	return label, ok
}

func (s *Sim) WaitForNewVolume(ctx context.Context, initial []string) (string, error) {
	known := make(map[string]bool, len(initial))
	for _, v := range initial {
		known[v] = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		for _, v := range s.AvailableVolumes() {
			if !known[v] {
				return v, nil
			}
		}

		time.Sleep(time.Millisecond)
	}
}

func (s *Sim) WaitForRemoval(ctx context.Context, path string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !s.IsMounted(path) {
			return nil
		}

		time.Sleep(time.Millisecond)
	}
}

func (s *Sim) Unmount(path string) bool {
	s.RemoveVolume(path)

	return true
}

func (s *Sim) ReadMetadata(path string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if md, ok := s.meta[path]; ok {
		return md, nil
	}

	return Metadata{}, nil
}

func (s *Sim) ApplyMetadata(path string, md Metadata) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyFails {
		return false
	}

	s.meta[path] = md

	return true
}

func hasPathPrefix(path string, prefix string) bool {
	if path == prefix {
		return true
	}

	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}
