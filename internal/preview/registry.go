package preview

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry hands out one Supervisor per preview session and forgets
// sessions that have been idle longer than the configured TTL.
type Registry struct {
	idle time.Duration
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	sup      *Supervisor
	lastUsed time.Time
}

func NewRegistry(idle time.Duration) *Registry {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Registry{idle: idle, now: time.Now, sessions: make(map[string]*session)}
}

func (r *Registry) Supervisor(id string) *Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		s = &session{sup: &Supervisor{}}
		r.sessions[id] = s
	}
	s.lastUsed = r.now()
	return s.sup
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Evict cancels and drops idle sessions, returning how many were removed.
func (r *Registry) Evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idle)
	n := 0
	for id, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			s.sup.Cancel()
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// Run evicts idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(); n > 0 {
				logger.Debug("evicted idle preview sessions", zap.Int("count", n), zap.Int("remaining", r.Len()))
			}
		}
	}
}
