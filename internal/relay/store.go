package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrJobNotFound is returned for unknown or expired job tokens.
var ErrJobNotFound = errors.New("relay: job not found")

// ErrBadRequest covers malformed transfer requests: unsupported protocols
// and missing endpoints.
var ErrBadRequest = errors.New("relay: bad request")

// JobStore persists transfer jobs. The in-memory implementation is the
// single-instance default; the postgres one survives restarts and serves
// status queries from any instance.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	SetStatus(ctx context.Context, token string, status Status, bytes int64, errMsg string) error
	Get(ctx context.Context, token string) (Job, error)
}

type memoryJobs struct {
	mu   sync.RWMutex
	jobs map[string]Job
	now  func() time.Time
}

func NewMemoryJobs() JobStore {
	return &memoryJobs{jobs: map[string]Job{}, now: time.Now}
}

func (s *memoryJobs) Create(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.CreatedAt = s.now()
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.Token] = job
	return nil
}

func (s *memoryJobs) SetStatus(_ context.Context, token string, status Status, bytes int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[token]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.Bytes = bytes
	job.Error = errMsg
	job.UpdatedAt = s.now()
	s.jobs[token] = job
	return nil
}

func (s *memoryJobs) Get(_ context.Context, token string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[token]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}
