package strike

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps strike records in process. It follows PostgresStore
// semantics and backs tests and single-process runs without a database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	history []HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	return r, ok, nil
}

func (m *MemoryStore) Increment(_ context.Context, inc Increment) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[inc.UserID]
	switch {
	case !ok:
		r = Record{UserID: inc.UserID, Count: 1}
	case inc.ResetExpired && !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(inc.At):
		r.Count = 1
	default:
		r.Count++
	}
	r.Username = inc.Username
	r.LastReason = inc.Reason
	r.LastStrikeAt = inc.At
	r.ExpiresAt = inc.ExpiresAt
	m.records[inc.UserID] = r
	return r.Count, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		return false, nil
	}
	r.Count = 0
	r.ExpiresAt = time.Time{}
	m.records[userID] = r
	return true, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, e := range m.history {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
