// Package memory keeps short-term conversation state per conversation key in
// a process cache backed by an optional durable store. The process cache is
// authoritative; durable I/O is best effort and never fails a caller.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"duka-assistant/internal/background"
	"duka-assistant/internal/domain"
)

const (
	DefaultTTL = 6 * time.Hour

	durableKeyPrefix = "ai_memory_v1:"
)

// Durable is the external persistence tier. Load returns (nil, nil) when no
// value is stored.
type Durable interface {
	Load(ctx context.Context, key string) (*domain.ConversationState, error)
	Save(ctx context.Context, key string, st domain.ConversationState) error
	Delete(ctx context.Context, key string) error
}

// Scheduler runs durable writes off the request path.
type Scheduler interface {
	Go(name string, fn background.Job) error
}

// DurableKey is the persistence key for a conversation key.
func DurableKey(key string) string {
	return durableKeyPrefix + normalizeKey(key)
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.GlobalConversationKey
	}
	return key
}

type Store struct {
	durable Durable
	sched   Scheduler
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	cache    map[string]domain.ConversationState
	hydrated map[string]bool
	// epoch changes on Reset so an in-flight hydration for the old
	// conversation is discarded.
	epoch map[string]uint64
	// writes serializes durable writes per key; only the latest queued
	// version is applied.
	writes  map[string]*sync.Mutex
	version map[string]uint64
}

type Option func(*Store)

func WithDurable(d Durable) Option {
	return func(s *Store) { s.durable = d }
}

func WithScheduler(sched Scheduler) Option {
	return func(s *Store) { s.sched = sched }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store. Without WithDurable it is process-only.
func New(opts ...Option) *Store {
	s := &Store{
		logger:   slog.Default(),
		ttl:      DefaultTTL,
		now:      time.Now,
		cache:    make(map[string]domain.ConversationState),
		hydrated: make(map[string]bool),
		epoch:    make(map[string]uint64),
		writes:   make(map[string]*sync.Mutex),
		version:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = inlineScheduler{logger: s.logger}
	}
	return s
}

// IsExpired reports whether st is older than the store TTL.
func (s *Store) IsExpired(st domain.ConversationState) bool {
	return s.now().Sub(st.UpdatedAt) > s.ttl
}

// Get returns the live state for key or nil. The first miss for a key
// triggers a single durable read; the hydration flag is set before the read
// so concurrent callers never issue a second one.
func (s *Store) Get(ctx context.Context, key string) *domain.ConversationState {
	key = normalizeKey(key)

	s.mu.Lock()
	if st, ok := s.cache[key]; ok {
		if s.IsExpired(st) {
			delete(s.cache, key)
			s.mu.Unlock()
			s.deleteDurable(key)
			return nil
		}
		s.mu.Unlock()
		return &st
	}
	if s.durable == nil || s.hydrated[key] {
		s.mu.Unlock()
		return nil
	}
	s.hydrated[key] = true
	epoch := s.epoch[key]
	s.mu.Unlock()

	loaded, err := s.durable.Load(ctx, DurableKey(key))
	if err != nil {
		s.logger.Warn("memory hydrate failed", "key", key, "err", err)
		return nil
	}
	if loaded.IsEmpty() {
		return nil
	}
	if s.IsExpired(*loaded) {
		s.deleteDurable(key)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch[key] != epoch {
		return nil
	}
	if st, ok := s.cache[key]; ok {
		return &st
	}
	s.cache[key] = *loaded
	st := *loaded
	return &st
}

// Merge folds incoming into the current state for key and stores the result.
// A nil result means the merged state had nothing meaningful in it.
func (s *Store) Merge(ctx context.Context, key string, incoming *domain.ConversationState) *domain.ConversationState {
	key = normalizeKey(key)
	// hydrate and expire first; both do I/O outside the lock
	s.Get(ctx, key)

	s.mu.Lock()
	var prev *domain.ConversationState
	if st, ok := s.cache[key]; ok && !s.IsExpired(st) {
		prev = &st
	}
	merged := MergeStates(prev, incoming, s.now())
	if merged == nil {
		s.mu.Unlock()
		return nil
	}
	s.cache[key] = *merged
	s.hydrated[key] = true
	s.mu.Unlock()

	s.saveDurable(key, *merged)
	out := *merged
	return &out
}

// Set replaces the state for key. A nil or empty state clears it.
func (s *Store) Set(_ context.Context, key string, st *domain.ConversationState) {
	key = normalizeKey(key)
	s.mu.Lock()
	s.hydrated[key] = true
	if st.IsEmpty() {
		delete(s.cache, key)
		s.mu.Unlock()
		s.deleteDurable(key)
		return
	}
	s.cache[key] = *st
	s.mu.Unlock()
	s.saveDurable(key, *st)
}

// Reset forgets everything about key, including the durable copy, so the next
// Get starts a fresh conversation.
func (s *Store) Reset(ctx context.Context, key string) {
	key = normalizeKey(key)
	s.mu.Lock()
	delete(s.cache, key)
	delete(s.hydrated, key)
	s.epoch[key]++
	s.version[key]++
	s.mu.Unlock()

	if s.durable == nil {
		return
	}
	if err := s.durable.Delete(ctx, DurableKey(key)); err != nil {
		s.logger.Warn("memory reset: durable delete failed", "key", key, "err", err)
	}
}

func (s *Store) saveDurable(key string, st domain.ConversationState) {
	s.writeDurable("memory_save", key, func(ctx context.Context, dk string) error {
		return s.durable.Save(ctx, dk, st)
	})
}

func (s *Store) deleteDurable(key string) {
	s.writeDurable("memory_delete", key, func(ctx context.Context, dk string) error {
		return s.durable.Delete(ctx, dk)
	})
}

func (s *Store) writeDurable(name, key string, write func(ctx context.Context, dk string) error) {
	if s.durable == nil {
		return
	}
	s.mu.Lock()
	s.version[key]++
	v := s.version[key]
	lock, ok := s.writes[key]
	if !ok {
		lock = &sync.Mutex{}
		s.writes[key] = lock
	}
	s.mu.Unlock()

	dk := DurableKey(key)
	err := s.sched.Go(name, func(ctx context.Context) error {
		lock.Lock()
		defer lock.Unlock()
		if !s.isLatest(key, v) {
			return nil
		}
		return write(ctx, dk)
	})
	if err != nil {
		s.logger.Warn("memory durable write not scheduled", "job", name, "key", key, "err", err)
	}
}

func (s *Store) isLatest(key string, v uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version[key] == v
}

// MergeStates applies field precedence: a non-empty incoming field wins,
// otherwise prev is kept. An incoming auto lang counts as empty. UpdatedAt is always now. The result is nil when no
// meaningful field is set.
func MergeStates(prev, incoming *domain.ConversationState, now time.Time) *domain.ConversationState {
	var out domain.ConversationState
	if prev != nil {
		out = *prev
	}
	if incoming != nil {
		out.Topic = pick(incoming.Topic, out.Topic)
		out.Objective = pick(incoming.Objective, out.Objective)
		out.LastPlan = pick(incoming.LastPlan, out.LastPlan)
		out.StrategyLevel = domain.StrategyLevel(pick(string(incoming.StrategyLevel), string(out.StrategyLevel)))
		if incoming.Lang != domain.LangAuto {
			out.Lang = domain.Lang(pick(string(incoming.Lang), string(out.Lang)))
		}
	}
	out.UpdatedAt = now
	if out.IsEmpty() {
		return nil
	}
	return &out
}

func pick(incoming, prev string) string {
	if v := strings.TrimSpace(incoming); v != "" {
		return v
	}
	return prev
}

// inlineScheduler runs durable work synchronously when no background
// scheduler is configured.
type inlineScheduler struct {
	logger *slog.Logger
}

func (i inlineScheduler) Go(name string, fn background.Job) error {
	if err := fn(context.Background()); err != nil {
		i.logger.Warn("memory durable write failed", "job", name, "err", err)
	}
	return nil
}
