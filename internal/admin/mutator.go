// Package admin implements the mutation path for the maintenance state.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/metrics"
	"github.com/alfredjeanlab/maintgate/internal/model"
)

const (
	// DefaultMaxAttempts bounds the compare-and-set retries of one Update.
	DefaultMaxAttempts = 3

	publishTimeout = 2 * time.Second
)

// Store is the part of the state store the mutator needs.
type Store interface {
	Get(ctx context.Context) (*model.MaintenanceState, error)
	Set(ctx context.Context, next *model.MaintenanceState, expectedRevision int64) (*model.MaintenanceState, error)
}

// Invalidator receives every state this process persists. The gate cache
// implements it.
type Invalidator interface {
	Invalidate(st *model.MaintenanceState) bool
}

// Publisher announces persisted states to other processes.
type Publisher interface {
	Publish(ctx context.Context, st *model.MaintenanceState) error
}

// UpdateRequest is a validated-on-entry change request. When
// ExpectedRevision is set the write is attempted once against that revision
// and a conflict is returned as is.
type UpdateRequest struct {
	model.Update
	ExpectedRevision *int64
}

// Options configures a Mutator.
type Options struct {
	Limits      model.Limits
	MaxAttempts int
	Invalidator Invalidator
	Publisher   Publisher
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Mutator validates and applies maintenance state changes.
type Mutator struct {
	store       Store
	limits      model.Limits
	maxAttempts int
	invalidator Invalidator
	publisher   Publisher
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(store Store, opts Options) *Mutator {
	if opts.Limits == (model.Limits{}) {
		opts.Limits = model.DefaultLimits()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Mutator{
		store:       store,
		limits:      opts.Limits,
		maxAttempts: opts.MaxAttempts,
		invalidator: opts.Invalidator,
		publisher:   opts.Publisher,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Update validates req, writes it with compare-and-set and propagates the
// new state. It returns a *model.ValidationError for bad input,
// model.ErrConflict when the revision kept moving, and an error matching
// model.ErrStoreUnavailable when the store failed.
func (m *Mutator) Update(ctx context.Context, req UpdateRequest) (*model.MaintenanceState, error) {
	data, err := model.ValidateUpdate(&req.Update, m.limits)
	if err != nil {
		m.metrics.Mutation(metrics.ResultInvalid)
		return nil, err
	}

	attempts := m.maxAttempts
	if req.ExpectedRevision != nil {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			m.metrics.Mutation(metrics.ResultError)
			return nil, model.Unavailable("update maintenance state", err)
		}

		var expected int64
		if req.ExpectedRevision != nil {
			expected = *req.ExpectedRevision
		} else {
			cur, err := m.store.Get(ctx)
			if err != nil {
				m.metrics.Mutation(metrics.ResultError)
				return nil, fmt.Errorf("reading current state: %w", err)
			}
			expected = cur.Revision
		}

		next := &model.MaintenanceState{
			Enabled:   *req.Enabled,
			Message:   model.NormalizeMessage(req.Message),
			Data:      data,
			UpdatedBy: req.UpdatedBy,
		}
		saved, err := m.store.Set(ctx, next, expected)
		switch {
		case err == nil:
			m.metrics.Mutation(metrics.ResultOK)
			m.logger.Info("maintenance state updated",
				"revision", saved.Revision, "enabled", saved.Enabled, "updated_by", saved.UpdatedBy)
			m.propagate(ctx, saved)
			return saved, nil
		case errors.Is(err, model.ErrConflict):
			m.logger.Debug("maintenance state write conflicted",
				"attempt", attempt, "expected_revision", expected)
		default:
			m.metrics.Mutation(metrics.ResultError)
			return nil, fmt.Errorf("writing state: %w", err)
		}
	}

	m.metrics.Mutation(metrics.ResultConflict)
	return nil, fmt.Errorf("after %d attempt(s): %w", attempts, model.ErrConflict)
}

// propagate applies st to the local cache and then publishes it. The write is
// already durable, so a publish failure is only logged: other processes pick
// the change up when their entry expires.
func (m *Mutator) propagate(ctx context.Context, st *model.MaintenanceState) {
	if m.invalidator != nil {
		m.invalidator.Invalidate(st)
	}
	if m.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(pubCtx, st); err != nil {
		m.logger.Warn("failed to publish state change", "revision", st.Revision, "err", err)
	}
}
