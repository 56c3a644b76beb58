package oauth

import (
	"context"
	"sync"
	"time"
)

// StateStore tracks pending nonces between connect and callback. Issue
// registers a nonce with a TTL; Consume reports true exactly once per nonce,
// even under racing callbacks.
type StateStore interface {
	Issue(ctx context.Context, nonce string, ttl time.Duration) error
	Consume(ctx context.Context, nonce string) (bool, error)
}

// memoryStore is the single-instance default: a mutex-guarded expiring map.
type memoryStore struct {
	mu      sync.Mutex
	pending map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore starts a janitor goroutine that sweeps expired nonces until
// ctx is canceled.
func NewMemoryStore(ctx context.Context) StateStore {
	s := &memoryStore{pending: map[string]time.Time{}, now: time.Now}
	go s.janitor(ctx)
	return s
}

func (s *memoryStore) Issue(_ context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[nonce] = s.now().Add(ttl)
	return nil
}

func (s *memoryStore) Consume(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.pending[nonce]
	if !ok {
		return false, nil
	}
	delete(s.pending, nonce)
	if s.now().After(deadline) {
		return false, nil
	}
	return true, nil
}

func (s *memoryStore) janitor(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := s.now()
			s.mu.Lock()
			for nonce, deadline := range s.pending {
				if now.After(deadline) {
					delete(s.pending, nonce)
				}
			}
			s.mu.Unlock()
		}
	}
}
