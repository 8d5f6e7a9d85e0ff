package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// memoryStore is the in-memory Code/Session Store backend: a mutex-
// guarded map with per-entry expiration, swept periodically by a
// background goroutine (grounded on dex's
// storage/memory/memory.go GarbageCollect loop).
type memoryStore struct {
	mu      sync.Mutex
	entries map[Kind]map[string]entry

	now    func() time.Time
	logger *slog.Logger

	cancel context.CancelFunc
}

type entry struct {
	session   Session
	expiresAt time.Time
}

// NewMemory returns an in-memory Store. gcInterval controls how often
// expired entries are swept; pass 0 to use the default (1 minute).
func NewMemory(logger *slog.Logger, now func() time.Time, gcInterval time.Duration) Store {
	if now == nil {
		now = time.Now
	}
	if gcInterval <= 0 {
		gcInterval = time.Minute
	}
	m := &memoryStore{
		entries: map[Kind]map[string]entry{
			KindCode:       {},
			KindRefresh:    {},
			KindLoginNonce: {},
		},
		now:    now,
		logger: logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.gcLoop(ctx, gcInterval)
	return m
}

func (m *memoryStore) gcLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *memoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	swept := 0
	for kind, byValue := range m.entries {
		for v, e := range byValue {
			if now.After(e.expiresAt) {
				delete(byValue, v)
				swept++
			}
		}
		_ = kind
	}
	if swept > 0 && m.logger != nil {
		m.logger.Debug("session gc swept expired entries", "count", swept)
	}
}

func (m *memoryStore) Push(_ context.Context, kind Kind, value string, s Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byValue := m.entries[kind]
	if byValue == nil {
		byValue = map[string]entry{}
		m.entries[kind] = byValue
	}
	if e, ok := byValue[value]; ok && !m.now().After(e.expiresAt) {
		return ErrCodeTaken
	}
	s.Kind = kind
	s.ExpiresAt = m.now().Add(ttl)
	byValue[value] = entry{session: s, expiresAt: s.ExpiresAt}
	return nil
}

func (m *memoryStore) Get(_ context.Context, kind Kind, value string, consume bool) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byValue := m.entries[kind]
	e, ok := byValue[value]
	if !ok || m.now().After(e.expiresAt) {
		return Session{}, false, nil
	}
	if consume {
		delete(byValue, value)
	}
	return e.session, true, nil
}

func (m *memoryStore) IsHealthy(context.Context) bool { return true }

func (m *memoryStore) Count(_ context.Context, kind Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries[kind])), nil
}

func (m *memoryStore) Close() error {
	m.cancel()
	return nil
}
