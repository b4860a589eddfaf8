package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps signals in process with expiry.
type MemoryStore struct {
	mu      sync.Mutex
	signals map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	s         Signal
	expiresAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{signals: map[string]memEntry{}, now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, userID string) (Signal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.signals[userID]
	if !ok {
		return Signal{}, false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(m.now()) {
		delete(m.signals, userID)
		return Signal{}, false, nil
	}
	return e.s, true, nil
}

func (m *MemoryStore) Save(_ context.Context, userID string, s Signal, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{s: s}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.signals[userID] = e
	return nil
}

// Sweep drops expired signals.
func (m *MemoryStore) Sweep(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.signals {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			delete(m.signals, id)
			n++
		}
	}
	return n, nil
}

// KV is a string key/value store with per-key expiry. *brain.Brain
// implements it.
type KV interface {
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSetTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// KVStore persists signals as JSON under "behavior:<user>".
type KVStore struct {
	kv KV
}

// NewKVStore wraps kv.
func NewKVStore(kv KV) *KVStore { return &KVStore{kv: kv} }

func signalKey(userID string) string { return "behavior:" + userID }

func (s *KVStore) Load(ctx context.Context, userID string) (Signal, bool, error) {
	raw, ok, err := s.kv.KVGet(ctx, signalKey(userID))
	if err != nil || !ok {
		return Signal{}, false, err
	}
	var sig Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		return Signal{}, false, fmt.Errorf("decode behavior signal %s: %w", userID, err)
	}
	return sig, true, nil
}

func (s *KVStore) Save(ctx context.Context, userID string, sig Signal, ttl time.Duration) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode behavior signal: %w", err)
	}
	return s.kv.KVSetTTL(ctx, signalKey(userID), string(data), ttl)
}
