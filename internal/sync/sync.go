// Package sync periodically exports the maintenance state and its revision
// history as JSONL to durable destinations (S3, a git repository).
package sync

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

// Source is the read side of the state store used for exports.
type Source interface {
	Get(ctx context.Context) (*model.MaintenanceState, error)
	History(ctx context.Context, limit int) ([]*model.Revision, error)
}

// Destination is the interface for a sync target (S3, git, etc.).
type Destination interface {
	// Name identifies the destination in logs.
	Name() string
	// Write sends the JSONL payload to the destination.
	Write(ctx context.Context, data []byte) error
}

// Scheduler exports from the store to its destinations on an interval.
type Scheduler struct {
	src          Source
	destinations []Destination
	interval     time.Duration
	historyLimit int
	logger       *slog.Logger

	// lastRevision is the revision of the last export every destination
	// accepted; -1 before the first one.
	lastRevision int64
}

// NewScheduler creates a scheduler. historyLimit bounds the exported
// history; zero exports all of it.
func NewScheduler(src Source, destinations []Destination, interval time.Duration, historyLimit int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		src:          src,
		destinations: destinations,
		interval:     interval,
		historyLimit: historyLimit,
		logger:       logger,
		lastRevision: -1,
	}
}

// Run exports once immediately and then on every tick until ctx is done.
// Export failures are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 || len(s.destinations) == 0 {
		return nil
	}
	s.SyncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce exports and writes to every destination. It is skipped when the
// state revision has not moved since the last complete sync. It reports
// whether every destination was written.
func (s *Scheduler) SyncOnce(ctx context.Context) bool {
	cur, err := s.src.Get(ctx)
	if err != nil {
		s.logger.Error("sync: reading state failed", "err", err)
		return false
	}
	if cur.Revision == s.lastRevision {
		s.logger.Debug("sync: state unchanged, skipping", "revision", cur.Revision)
		return true
	}

	var buf bytes.Buffer
	if err := ExportJSONL(ctx, s.src, &buf, s.historyLimit); err != nil {
		s.logger.Error("sync export failed", "err", err)
		return false
	}
	data := buf.Bytes()

	ok := true
	for _, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			ok = false
			s.logger.Error("sync destination write failed", "destination", dest.Name(), "err", err)
		}
	}
	if ok {
		s.lastRevision = cur.Revision
	}
	s.logger.Info("sync completed",
		"destinations", len(s.destinations), "bytes", len(data), "revision", cur.Revision, "ok", ok)
	return ok
}
