package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/store/memory"
)

// mockDestination records calls to Write.
type mockDestination struct {
	writes atomic.Int64
	last   atomic.Value // []byte
	fail   atomic.Bool
}

func (d *mockDestination) Name() string { return "mock" }

func (d *mockDestination) Write(_ context.Context, data []byte) error {
	d.writes.Add(1)
	if d.fail.Load() {
		return errors.New("destination down")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.last.Store(cp)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, s *memory.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for rev := int64(0); rev < int64(n); rev++ {
		st := &model.MaintenanceState{Enabled: rev%2 == 0, Message: "rev", UpdatedBy: "tester"}
		if _, err := s.Set(ctx, st, rev); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
}

func TestSchedulerRunStops(t *testing.T) {
	s := memory.New()
	seed(t, s, 1)
	dest := &mockDestination{}
	sched := NewScheduler(s, []Destination{dest}, 20*time.Millisecond, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for dest.writes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	data, ok := dest.last.Load().([]byte)
	if !ok || len(data) == 0 {
		t.Fatal("no data written")
	}
	var h header
	first, _, _ := strings.Cut(string(data), "\n")
	if err := json.Unmarshal([]byte(first), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Type != "header" || h.Revision != 1 {
		t.Errorf("header = %+v", h)
	}
}

func TestSchedulerRun_DisabledReturnsImmediately(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		dests    []Destination
	}{
		{"zero interval", 0, []Destination{&mockDestination{}}},
		{"no destinations", time.Second, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := NewScheduler(memory.New(), tt.dests, tt.interval, 0, testLogger())
			if err := sched.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
		})
	}
}

func TestSyncOnce_SkipsUnchangedRevision(t *testing.T) {
	s := memory.New()
	seed(t, s, 2)
	dest := &mockDestination{}
	sched := NewScheduler(s, []Destination{dest}, time.Minute, 0, testLogger())
	ctx := context.Background()

	if !sched.SyncOnce(ctx) {
		t.Fatal("first sync failed")
	}
	if !sched.SyncOnce(ctx) {
		t.Fatal("second sync failed")
	}
	if got := dest.writes.Load(); got != 1 {
		t.Fatalf("writes = %d, want 1", got)
	}

	seed2 := &model.MaintenanceState{Enabled: true}
	if _, err := s.Set(ctx, seed2, 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	sched.SyncOnce(ctx)
	if got := dest.writes.Load(); got != 2 {
		t.Fatalf("writes after change = %d, want 2", got)
	}
}

func TestSyncOnce_RetriesAfterFailure(t *testing.T) {
	s := memory.New()
	seed(t, s, 1)
	good := &mockDestination{}
	bad := &mockDestination{}
	bad.fail.Store(true)
	sched := NewScheduler(s, []Destination{good, bad}, time.Minute, 0, testLogger())
	ctx := context.Background()

	if sched.SyncOnce(ctx) {
		t.Fatal("sync with a failing destination reported success")
	}
	bad.fail.Store(false)
	if !sched.SyncOnce(ctx) {
		t.Fatal("retry failed")
	}
	if got := bad.writes.Load(); got != 2 {
		t.Errorf("bad writes = %d, want 2", got)
	}
	if got := good.writes.Load(); got != 2 {
		t.Errorf("good writes = %d, want 2", got)
	}
}

type downSource struct{}

func (downSource) Get(context.Context) (*model.MaintenanceState, error) {
	return nil, model.Unavailable("get", errors.New("connection refused"))
}

func (downSource) History(context.Context, int) ([]*model.Revision, error) {
	return nil, model.Unavailable("history", errors.New("connection refused"))
}

func TestSyncOnce_StoreDown(t *testing.T) {
	dest := &mockDestination{}
	sched := NewScheduler(downSource{}, []Destination{dest}, time.Minute, 0, testLogger())
	if sched.SyncOnce(context.Background()) {
		t.Fatal("expected failure")
	}
	if dest.writes.Load() != 0 {
		t.Error("destination written despite store failure")
	}
}
