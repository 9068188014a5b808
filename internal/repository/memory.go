package repository

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*domain.Run
	order  []string
	events map[string][]domain.Event
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*domain.Run),
		events: make(map[string][]domain.Event),
		now:    time.Now,
	}
}

func (s *MemoryStore) Add(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	s.runs[run.ID] = run.Clone()
	s.order = append(s.order, run.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Run, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.runs[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) NextPending(ctx context.Context) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		if run := s.runs[id]; run.Status == domain.RunStatusPending {
			return run.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, run := range s.runs {
		if run.Status == domain.RunStatusPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*domain.Run, error) {
	return s.update(id, nil, patch)
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, patch Patch) (*domain.Run, error) {
	return s.update(id, &status, patch)
}

func (s *MemoryStore) update(id string, status *domain.RunStatus, patch Patch) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyPatch(current, status, patch, s.now())
	if err != nil {
		return nil, err
	}
	s.runs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	e.Payload = append([]byte(nil), event.Payload...)
	s.events[event.RunID] = append(s.events[event.RunID], e)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[runID]
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	out := make([]domain.Event, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
