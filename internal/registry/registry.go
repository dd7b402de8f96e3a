// Package registry keeps the in-memory table of live downloads.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/italolelis/artifactd/internal/transfer"
)

var (
	ErrNotFound = errors.New("registry: download not found")
	ErrExists   = errors.New("registry: download already registered")
)

// Registry is a concurrency-safe map of download id to record. Records are
// copied in and out; callers never hold a live reference.
type Registry struct {
	mu        sync.RWMutex
	downloads map[string]transfer.Download
}

func New() *Registry {
	return &Registry{downloads: make(map[string]transfer.Download)}
}

func (r *Registry) Add(d transfer.Download) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.downloads[d.ID]; ok {
		return ErrExists
	}

	r.downloads[d.ID] = d

	return nil
}

// Get returns a snapshot of the download.
func (r *Registry) Get(id string) (transfer.Download, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.downloads[id]

	return d, ok
}

func (r *Registry) UpdateStatus(id string, status transfer.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return ErrNotFound
	}

	d.Status = status
	r.downloads[id] = d

	return nil
}

// UpdateProgress records the byte count of the partial file. Counts never
// move backwards.
func (r *Registry) UpdateProgress(id string, bytesDownloaded int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return ErrNotFound
	}

	if bytesDownloaded > d.BytesDownloaded {
		d.BytesDownloaded = bytesDownloaded
		r.downloads[id] = d
	}

	return nil
}

// Transition sets status only if the current status is one of from. It
// reports whether the record was changed.
func (r *Registry) Transition(id string, to transfer.Status, from ...transfer.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return false, ErrNotFound
	}

	for _, s := range from {
		if d.Status == s {
			d.Status = to
			r.downloads[id] = d

			return true, nil
		}
	}

	return false, nil
}

func (r *Registry) Remove(id string) (transfer.Download, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if ok {
		delete(r.downloads, id)
	}

	return d, ok
}

// List returns snapshots of every download ordered by start time.
func (r *Registry) List() []transfer.Download {
	r.mu.RLock()
	out := make([]transfer.Download, 0, len(r.downloads))

	for _, d := range r.downloads {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}

		return out[i].StartedAt.Before(out[j].StartedAt)
	})

	return out
}

// HasArtifact reports whether any record references artifactID.
func (r *Registry) HasArtifact(artifactID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.downloads {
		if d.ArtifactID == artifactID {
			return true
		}
	}

	return false
}
