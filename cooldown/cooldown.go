// Package cooldown tracks the last invocation time of commands per bucket and
// answers whether a new invocation is allowed yet.
//
// Entries are keyed by command name and a bucket key derived from the bucket
// kind: User buckets key on channel and user, Channel buckets on the channel,
// Global buckets on a constant. Buckets never block each other.
package cooldown

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Bucket selects the scope a cooldown is tracked over.
type Bucket int

const (
	User Bucket = iota
	Channel
	Global
)

func (b Bucket) String() string {
	switch b {
	case User:
		return "user"
	case Channel:
		return "channel"
	case Global:
		return "global"
	default:
		return fmt.Sprintf("bucket(%d)", int(b))
	}
}

// ParseBucket maps user|channel|global to a Bucket.
func ParseBucket(s string) (Bucket, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return User, nil
	case "channel":
		return Channel, nil
	case "global":
		return Global, nil
	}
	return 0, fmt.Errorf("unknown cooldown bucket %q", s)
}

// Scope identifies where an invocation happened.
type Scope struct {
	Channel string
	User    string
}

// Key derives the bucket key for s.
func (b Bucket) Key(s Scope) string {
	switch b {
	case User:
		return strings.ToLower(s.Channel) + ":" + strings.ToLower(s.User)
	case Channel:
		return strings.ToLower(s.Channel)
	default:
		return "global"
	}
}

// Store persists last-invocation timestamps. Implementations must be safe for
// concurrent use. A lost write only allows an extra invocation.
type Store interface {
	Last(ctx context.Context, key string) (time.Time, bool, error)
	Touch(ctx context.Context, key string, at time.Time) error
	Clear(ctx context.Context, key string) error
}

// Ledger is the cooldown gate used by the dispatcher.
type Ledger struct {
	store Store
	clock clockwork.Clock
}

func NewLedger(store Store, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{store: store, clock: clock}
}

func entryKey(command string, bucket Bucket, s Scope) string {
	return strings.ToLower(command) + "|" + bucket.Key(s)
}

// Check reports whether command is on cooldown for the bucket derived from s,
// and how long remains. It never mutates the ledger.
func (l *Ledger) Check(ctx context.Context, command string, s Scope, rate time.Duration, bucket Bucket) (bool, time.Duration, error) {
	if rate <= 0 {
		return false, 0, nil
	}
	last, ok, err := l.store.Last(ctx, entryKey(command, bucket, s))
	if err != nil {
		return false, 0, fmt.Errorf("cooldown check %s: %w", command, err)
	}
	if !ok {
		return false, 0, nil
	}
	remaining := rate - l.clock.Since(last)
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// Update records now as the last invocation. Call it only after the command
// was permitted and ran successfully.
func (l *Ledger) Update(ctx context.Context, command string, s Scope, bucket Bucket) error {
	if err := l.store.Touch(ctx, entryKey(command, bucket, s), l.clock.Now()); err != nil {
		return fmt.Errorf("cooldown update %s: %w", command, err)
	}
	return nil
}

// Reset clears the entry so the next invocation is allowed immediately.
func (l *Ledger) Reset(ctx context.Context, command string, s Scope, bucket Bucket) error {
	if err := l.store.Clear(ctx, entryKey(command, bucket, s)); err != nil {
		return fmt.Errorf("cooldown reset %s: %w", command, err)
	}
	return nil
}

// MemoryStore keeps entries in process. Entries are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (m *MemoryStore) Last(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.entries[key]
	return t, ok, nil
}

func (m *MemoryStore) Touch(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	m.entries[key] = at
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of tracked entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
