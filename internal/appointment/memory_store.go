package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps slots and appointments in process. Conditional updates are checked
// under a single mutex.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]Slot
	appts map[string]Appointment
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[string]Slot),
		appts: make(map[string]Appointment),
		now:   time.Now,
	}
}

// WithClock overrides the clock used for UpdatedAt and LastModified stamps.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) GetSlot(_ context.Context, id string) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, &NotFoundError{Resource: ResourceSlot, ID: id}
	}
	return &s, nil
}

func (m *MemoryStore) SearchSlots(_ context.Context, q SlotQuery) ([]Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Slot, 0)
	for _, s := range m.slots {
		if q.matches(s) {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return limitSlots(out, q.Limit), nil
}

func (m *MemoryStore) CreateSlot(_ context.Context, s *Slot) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := m.slots[c.ID]; exists {
		return nil, &ConflictError{Resource: ResourceSlot, ID: c.ID}
	}
	if c.Status == "" {
		c.Status = SlotFree
	}
	c.Version = 1
	c.UpdatedAt = m.now().UTC()
	m.slots[c.ID] = c
	return &c, nil
}

func (m *MemoryStore) UpdateSlotStatus(_ context.Context, id string, expectedStatus SlotStatus, expectedVersion int64, to SlotStatus) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, &NotFoundError{Resource: ResourceSlot, ID: id}
	}
	if s.Status != expectedStatus || s.Version != expectedVersion {
		return nil, &ConflictError{Resource: ResourceSlot, ID: id, ExpectedVersion: expectedVersion}
	}
	s.Status = to
	s.Version++
	s.UpdatedAt = m.now().UTC()
	m.slots[id] = s
	return &s, nil
}

func (m *MemoryStore) CreateAppointment(_ context.Context, a *Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneAppointment(*a)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := m.appts[c.ID]; exists {
		return nil, &ConflictError{Resource: ResourceAppointment, ID: c.ID}
	}
	now := m.now().UTC()
	c.Version = 1
	c.CreatedAt = now
	c.LastModified = now
	m.appts[c.ID] = c
	out := cloneAppointment(c)
	return &out, nil
}

func (m *MemoryStore) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, &NotFoundError{Resource: ResourceAppointment, ID: id}
	}
	out := cloneAppointment(a)
	return &out, nil
}

func (m *MemoryStore) UpdateAppointment(_ context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.appts[a.ID]
	if !ok {
		return nil, &NotFoundError{Resource: ResourceAppointment, ID: a.ID}
	}
	if cur.Version != expectedVersion {
		return nil, &ConflictError{Resource: ResourceAppointment, ID: a.ID, ExpectedVersion: expectedVersion}
	}
	c := cloneAppointment(*a)
	c.CreatedAt = cur.CreatedAt
	c.Version = cur.Version + 1
	c.LastModified = m.now().UTC()
	m.appts[c.ID] = c
	out := cloneAppointment(c)
	return &out, nil
}

func (m *MemoryStore) SearchAppointments(_ context.Context, q AppointmentQuery) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Appointment, 0)
	for _, a := range m.appts {
		if q.matches(a) {
			out = append(out, cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func cloneAppointment(a Appointment) Appointment {
	if a.Participants != nil {
		a.Participants = append([]Participant(nil), a.Participants...)
	}
	return a
}
