package store

import (
	"context"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

// Store defines the persistence interface for the maintenance state record.
type Store interface {
	// Get returns the current state, or model.DefaultState() when nothing has
	// been persisted yet.
	Get(ctx context.Context) (*model.MaintenanceState, error)

	// Set persists next with revision expectedRevision+1 if the stored
	// revision still equals expectedRevision. Otherwise it returns
	// model.ErrConflict and nothing is written.
	Set(ctx context.Context, next *model.MaintenanceState, expectedRevision int64) (*model.MaintenanceState, error)

	// Bootstrap creates the default disabled record if it is absent.
	Bootstrap(ctx context.Context) error

	// History returns up to limit revisions, newest first. A limit of zero
	// or less returns all of them.
	History(ctx context.Context, limit int) ([]*model.Revision, error)

	// Lifecycle
	Close() error
}
