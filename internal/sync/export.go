package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Revision     int64     `json:"revision"`
	HistoryCount int       `json:"history_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes the current state followed by the revision history,
// oldest first, as JSONL to w. limit bounds the history; zero means all.
func ExportJSONL(ctx context.Context, src Source, w io.Writer, limit int) error {
	st, err := src.Get(ctx)
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	revs, err := src.History(ctx, limit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	slices.Reverse(revs)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:      "1",
		Type:         "header",
		Timestamp:    time.Now().UTC(),
		Revision:     st.Revision,
		HistoryCount: len(revs),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := enc.Encode(record{Type: "state", Data: st}); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	for _, r := range revs {
		if err := enc.Encode(record{Type: "revision", Data: r}); err != nil {
			return fmt.Errorf("encode revision %d: %w", r.Revision, err)
		}
	}
	return nil
}
