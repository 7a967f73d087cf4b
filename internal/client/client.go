// Package client provides a transport-agnostic interface for the maintgate
// admin surface and an HTTP/JSON implementation of it.
package client

import (
	"context"
	"encoding/json"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

// MaintenanceClient is what the mg CLI commands use to talk to a maintgate
// server.
type MaintenanceClient interface {
	// GetState returns the durable state from the store.
	GetState(ctx context.Context) (*model.MaintenanceState, error)
	// Update replaces the state. A non-nil ifMatch makes the write
	// conditional on that revision.
	Update(ctx context.Context, req *UpdateRequest, ifMatch *int64) (*model.MaintenanceState, error)
	// Status returns the state as the gate currently sees it.
	Status(ctx context.Context) (*Status, error)
	// History returns up to limit revisions, newest first.
	History(ctx context.Context, limit int) ([]*model.Revision, error)
	// Watch streams state changes until ctx ends or fn returns an error.
	Watch(ctx context.Context, lastEventID string, fn func(*StateEvent) error) error

	Health(ctx context.Context) (string, error)
	Close() error
}

// UpdateRequest is the PUT /maintenance body.
type UpdateRequest struct {
	Enabled   *bool           `json:"enabled"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// Status is the polling view served from the gate cache.
type Status struct {
	Enabled  bool           `json:"enabled"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data"`
	Revision int64          `json:"revision"`
}

// StateEvent is one state change received from the stream.
type StateEvent struct {
	ID    string
	State *model.MaintenanceState
}
