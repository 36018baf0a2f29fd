package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/rs/zerolog/log"
)

// WindowStore counts hits in fixed windows. Hit reports the count after
// the call and whether the hit was admitted. Release takes back one
// admitted hit of the current window.
type WindowStore interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (count int, allowed bool, err error)
	Release(ctx context.Context, key string) error
}

// ChunkLimiter admits at most limit chunk uploads per token per window.
type ChunkLimiter struct {
	store  WindowStore
	limit  int
	window time.Duration
}

func NewChunkLimiter(store WindowStore, limit int, window time.Duration) *ChunkLimiter {
	if store == nil {
		store = NewMemoryWindowStore()
	}
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &ChunkLimiter{store: store, limit: limit, window: window}
}

func (l *ChunkLimiter) Allow(token domain.Token) bool {
	ok, _ := l.AllowContext(context.Background(), token)
	return ok
}

// AllowContext fails closed when the store errors.
func (l *ChunkLimiter) AllowContext(ctx context.Context, token domain.Token) (bool, error) {
	count, allowed, err := l.store.Hit(ctx, limiterKey(token), l.limit, l.window)
	if err != nil {
		log.Error().Err(err).Str("module", "app.limiter").Str("token", token.Short()).Msg("window store failed")
		return false, err
	}
	if !allowed {
		log.Warn().
			Str("module", "app.limiter").
			Str("token", token.Short()).
			Int("count", count).
			Int("limit", l.limit).
			Msg("chunk upload rejected")
	}
	return allowed, nil
}

// Release returns the slot of an admitted upload that then failed, so
// only accepted uploads count against the window.
func (l *ChunkLimiter) Release(ctx context.Context, token domain.Token) {
	if err := l.store.Release(ctx, limiterKey(token)); err != nil {
		log.Warn().Err(err).Str("module", "app.limiter").Str("token", token.Short()).Msg("window release failed")
	}
}

func limiterKey(token domain.Token) string { return "chunks:" + string(token) }

type window struct {
	count   int
	resetAt time.Time
}

// MemoryWindowStore keeps windows in process memory.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	hits    int
}

const pruneEvery = 1024

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]*window), now: time.Now}
}

func (s *MemoryWindowStore) Hit(_ context.Context, key string, limit int, d time.Duration) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.hits++
	if s.hits%pruneEvery == 0 {
		s.pruneLocked(now)
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		s.windows[key] = &window{count: 1, resetAt: now.Add(d)}
		return 1, true, nil
	}
	if w.count >= limit {
		return w.count, false, nil
	}
	w.count++
	return w.count, true, nil
}

func (s *MemoryWindowStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok && s.now().Before(w.resetAt) && w.count > 0 {
		w.count--
	}
	return nil
}

func (s *MemoryWindowStore) pruneLocked(now time.Time) {
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
}

func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
