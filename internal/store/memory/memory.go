// Package memory implements store.Store in process memory. It backs
// single-process deployments (serve --in-memory) and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/store"
)

// Store is a mutex-guarded store.Store.
type Store struct {
	mu      sync.Mutex
	state   *model.MaintenanceState // nil until bootstrapped or first Set
	history []*model.Revision
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Get(ctx context.Context) (*model.MaintenanceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Unavailable("get maintenance state", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return model.DefaultState(), nil
	}
	return s.state.Clone(), nil
}

func (s *Store) Set(ctx context.Context, next *model.MaintenanceState, expectedRevision int64) (*model.MaintenanceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Unavailable("set maintenance state", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if s.state != nil {
		current = s.state.Revision
	}
	if expectedRevision != current {
		return nil, model.ErrConflict
	}

	st := next.Clone().Normalize()
	st.Revision = current + 1
	st.UpdatedAt = s.now()
	s.state = st
	s.history = append(s.history, model.RevisionOf(st.Clone()))
	return st.Clone(), nil
}

func (s *Store) Bootstrap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.Unavailable("bootstrap maintenance state", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = model.DefaultState()
		s.state.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) History(ctx context.Context, limit int) ([]*model.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Unavailable("list maintenance history", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*model.Revision, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		r := *s.history[i]
		out = append(out, &r)
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
