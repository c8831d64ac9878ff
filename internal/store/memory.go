package store

import (
	"context"
	"fmt"
	"sync"

	"pushdeploy/internal/domain"
)

// Memory keeps deployments in process memory
type Memory struct {
	mu          sync.RWMutex
	deployments map[string]*domain.Deployment
	order       []string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		deployments: make(map[string]*domain.Deployment),
	}
}

func (m *Memory) Create(ctx context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deployments[d.ID]; exists {
		return fmt.Errorf("deployment %s already exists", d.ID)
	}
	m.deployments[d.ID] = d.Clone()
	m.order = append(m.order, d.ID)
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	u.Apply(d)
	return nil
}

func (m *Memory) AppendLog(ctx context.Context, id string, entry domain.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Logs = append(d.Logs, entry)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f domain.Filter) ([]*domain.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}

	var result []*domain.Deployment
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		d := m.deployments[m.order[i]]
		if !f.Matches(d) {
			continue
		}
		c := d.Clone()
		c.Logs = nil
		result = append(result, c)
	}
	return result, nil
}

func (m *Memory) DeleteFinished(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	kept := m.order[:0]
	for _, id := range m.order {
		if m.deployments[id].Status.Terminal() {
			delete(m.deployments, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed, nil
}

func (m *Memory) Close() error {
	return nil
}
