package inmemory

import (
	"context"
	"sync"
	"time"

	"finsync/internal/domain/openfinance"
	"finsync/internal/domain/webhook"
)

type lease struct {
	token     uint64
	expiresAt time.Time
}

// Locker implements openfinance.Locker for a single process.
type Locker struct {
	mu     sync.Mutex
	held   map[string]lease
	serial uint64
	now    func() time.Time
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]lease), now: time.Now}
}

var _ openfinance.Locker = (*Locker)(nil)

func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, openfinance.ErrLockHeld
	}

	l.serial++
	token := l.serial
	l.held[key] = lease{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

// ReplayGuard implements webhook.ReplayGuard with a TTL map. Expired entries
// are swept on write.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

var _ webhook.ReplayGuard = (*ReplayGuard)(nil)

func (g *ReplayGuard) MarkSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[id]; ok {
		return false, nil
	}
	g.seen[id] = now.Add(ttl)
	return true, nil
}

func (g *ReplayGuard) Forget(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
	return nil
}
