package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// MemoryStore is an in-process ports.KVStore, adapted from the teacher's
// internal/adapter/cache/local.go (same periodic-cleanup idiom) but
// extended with the Incr/SetNX/CompareAndSwap primitives the session
// directory, rate limiter and idempotency cache need. Used in tests and as
// a single-node fallback when no Redis URL is configured.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memEntry
	log    *zap.Logger
	stopCh chan struct{}
}

func NewMemoryStore(cleanupInterval time.Duration, log *zap.Logger) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{
		data:   make(map[string]memEntry),
		log:    log,
		stopCh: make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	now := time.Now()
	var n int64
	if ok && !e.expired(now) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	newTTL := time.Duration(0)
	if !ok || e.expired(now) {
		newTTL = ttl
	} else if !e.expiresAt.IsZero() {
		newTTL = time.Until(e.expiresAt)
	}
	s.setLocked(key, strconv.FormatInt(n, 10), newTTL)
	return n, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := ""
	if e, ok := s.data[key]; ok && !e.expired(time.Now()) {
		current = e.value
	}

	if current != oldValue {
		return current, false, nil
	}
	s.setLocked(key, newValue, ttl)
	return newValue, true, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	close(s.stopCh)
	return nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			expired++
		}
	}
	if expired > 0 && s.log != nil {
		s.log.Debug("kv memory store cleanup", zap.Int("expired_entries", expired))
	}
}

var _ ports.KVStore = (*MemoryStore)(nil)
