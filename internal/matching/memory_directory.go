package matching

import (
	"context"
	"sync"
	"time"
)

// MemoryDirectory is an in-memory Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{workers: make(map[string]*Worker)}
}

func (m *MemoryDirectory) Upsert(_ context.Context, w *Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	cp := cloneWorker(w)
	cp.UpdatedAt = time.Now()
	m.mu.Lock()
	m.workers[w.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryDirectory) Get(_ context.Context, id string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return cloneWorker(w), nil
}

func (m *MemoryDirectory) SetAvailability(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	w.Online = online
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryDirectory) Nearby(_ context.Context, loc Location, radiusKm float64) ([]*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Worker
	for _, w := range m.workers {
		if DistanceKm(loc, w.Location) <= radiusKm {
			out = append(out, cloneWorker(w))
		}
	}
	return out, nil
}

func cloneWorker(w *Worker) *Worker {
	cp := *w
	cp.Categories = append([]string(nil), w.Categories...)
	return &cp
}

var _ Directory = (*MemoryDirectory)(nil)
