package store

import (
	"context"
	"sync"
	"time"

	"github.com/hokm-live/hokmd/internal/models"
)

// MemoryStore is an in-process Store used by tests and single-node
// development runs. It applies the same version discipline as the Redis
// implementation.
type MemoryStore struct {
	mu         sync.Mutex
	rooms      map[string]*models.RoomSnapshot
	leases     map[string]Lease
	heartbeats map[string]time.Time
	actions    []ActionRecord

	// now is swappable so lease-expiry tests don't have to sleep.
	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:      make(map[string]*models.RoomSnapshot),
		leases:     make(map[string]Lease),
		heartbeats: make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetClock overrides the store's notion of time. Test use only.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Put(ctx context.Context, code string, version uint64, snap *models.RoomSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current uint64
	if existing, ok := m.rooms[code]; ok {
		current = existing.Version
	}
	if version == current {
		return nil // retried write, already applied
	}
	if version != current+1 {
		return ErrStaleWrite
	}
	cp := snap.Clone()
	cp.Version = version
	m.rooms[code] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, code string) (*models.RoomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, code)
	delete(m.leases, code)
	return nil
}

func (m *MemoryStore) Rooms(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	return codes, nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, code, instanceID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[code]; ok && !l.Expired(now) && l.InstanceID != instanceID {
		return ErrLeaseHeld
	}
	m.leases[code] = Lease{RoomCode: code, InstanceID: instanceID, ExpiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) RenewLease(ctx context.Context, code, instanceID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.leases[code]
	if !ok || l.Expired(now) || l.InstanceID != instanceID {
		return ErrLeaseHeld
	}
	l.ExpiresAt = now.Add(ttl)
	m.leases[code] = l
	return nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, code, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[code]; ok && l.InstanceID == instanceID {
		delete(m.leases, code)
	}
	return nil
}

func (m *MemoryStore) GetLease(ctx context.Context, code string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[code]
	if !ok || l.Expired(m.now()) {
		return nil, ErrNotFound
	}
	cp := l
	return &cp, nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[instanceID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) InstanceAlive(ctx context.Context, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.heartbeats[instanceID]
	return ok && m.now().Before(deadline), nil
}

func (m *MemoryStore) PublishAction(ctx context.Context, rec ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, rec)
	return nil
}

// Actions returns a copy of the published action log. Test use only.
func (m *MemoryStore) Actions() []ActionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActionRecord, len(m.actions))
	copy(out, m.actions)
	return out
}
