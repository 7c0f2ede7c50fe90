package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type grant struct {
	amount    float64
	expiresAt time.Time
}

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	keys    map[string]string
	grants  map[string][]grant
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]string),
		grants: make(map[string][]grant),
	}
}

func (m *MemoryStore) GetAccountID(ctx context.Context, keyHash string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[keyHash]
	if !ok {
		return "", ErrAccountNotFound
	}
	return id, nil
}

func (m *MemoryStore) SumActiveCredits(ctx context.Context, accountID string, at time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, g := range m.grants[accountID] {
		if !g.expiresAt.Before(at) {
			total += g.amount
		}
	}
	return total, nil
}

func (m *MemoryStore) InsertUsage(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New().String()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) UsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.AccountID == accountID && !e.CreatedAt.Before(from) && !e.CreatedAt.After(to) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
	entries, _ := m.UsageByAccount(ctx, accountID, from, to)
	var total float64
	for _, e := range entries {
		if e.Status != StatusError && e.ServiceType == ServiceSessionSummary {
			total += e.Cost
		}
	}
	return total, nil
}

func (m *MemoryStore) CreateAPIKey(ctx context.Context, keyHash, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[keyHash] = accountID
	return nil
}

func (m *MemoryStore) AddCredits(ctx context.Context, accountID string, amount float64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[accountID] = append(m.grants[accountID], grant{amount: amount, expiresAt: expiresAt})
	return nil
}

// Entries returns a copy of every appended entry in insertion order.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}
