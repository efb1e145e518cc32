package doctor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a thread-safe, in-memory Repository used by STORE=memory and tests.
type MemoryRepo struct {
	mu      sync.RWMutex
	doctors map[uuid.UUID]*Doctor
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{doctors: make(map[uuid.UUID]*Doctor)}
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepo) List(_ context.Context, speciality string, limit, offset int) ([]*Doctor, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Doctor, 0, len(m.doctors))
	for _, d := range m.doctors {
		if speciality != "" && !strings.EqualFold(d.Speciality, speciality) {
			continue
		}
		cp := *d
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name == all[j].Name {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].Name < all[j].Name
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepo) Upsert(_ context.Context, d *Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.doctors[d.ID]; ok {
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	cp := *d
	m.doctors[d.ID] = &cp
	return nil
}

func (m *MemoryRepo) SetAvailability(_ context.Context, id uuid.UUID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return ErrNotFound
	}
	d.Available = available
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepo) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.doctors), nil
}
