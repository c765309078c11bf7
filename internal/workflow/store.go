package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists workflows per device.
type Store interface {
	// LoadAll returns the workflows of deviceID, most recently updated first.
	LoadAll(ctx context.Context, deviceID string) ([]*Workflow, error)
	// GetByID returns ErrNotFound when id does not exist for deviceID.
	GetByID(ctx context.Context, id, deviceID string) (*Workflow, error)
	// Save inserts or replaces the workflow with the same id.
	Save(ctx context.Context, w *Workflow) error
	// Delete reports whether a workflow was removed.
	Delete(ctx context.Context, id, deviceID string) (bool, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

// LoadAll implements Store.
func (s *MemoryStore) LoadAll(_ context.Context, deviceID string) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workflow, 0)
	for _, w := range s.workflows {
		if w.DeviceID == deviceID {
			out = append(out, w.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out, nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, id, deviceID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok || w.DeviceID != deviceID {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w.Clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok || w.DeviceID != deviceID {
		return false, nil
	}
	delete(s.workflows, id)
	return true, nil
}

// Import parses an export file and saves it as a new workflow of deviceID.
func Import(ctx context.Context, store Store, deviceID string, data []byte, now time.Time) (*Workflow, error) {
	w, err := FromExport(deviceID, data, now)
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to save imported workflow: %w", err)
	}
	return w, nil
}
