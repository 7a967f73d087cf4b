package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/store/memory"
)

func TestExportJSONL_DefaultState(t *testing.T) {
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), memory.New(), &buf, 0); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 2 {
		t.Fatalf("expected header and state, got %d lines", len(lines))
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != "1" || h.Type != "header" || h.Revision != 0 || h.HistoryCount != 0 {
		t.Fatalf("unexpected header: %+v", h)
	}

	var rec struct {
		Type string                 `json:"type"`
		Data model.MaintenanceState `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if rec.Type != "state" || rec.Data.Enabled || rec.Data.Message != model.DefaultMessage {
		t.Errorf("state record = %+v", rec)
	}
}

func TestExportJSONL_HistoryOldestFirst(t *testing.T) {
	s := memory.New()
	seed(t, s, 3)

	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), s, &buf, 0); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}
	lines := nonEmptyLines(buf.String())
	// header + state + 3 revisions
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), buf.String())
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Revision != 3 || h.HistoryCount != 3 {
		t.Errorf("header = %+v", h)
	}

	for i, line := range lines[2:] {
		var rec struct {
			Type string         `json:"type"`
			Data model.Revision `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal revision: %v", err)
		}
		if rec.Type != "revision" {
			t.Errorf("line %d type = %q", i+2, rec.Type)
		}
		if want := int64(i + 1); rec.Data.Revision != want {
			t.Errorf("line %d revision = %d, want %d", i+2, rec.Data.Revision, want)
		}
	}
}

func TestExportJSONL_HistoryLimit(t *testing.T) {
	s := memory.New()
	seed(t, s, 5)

	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), s, &buf, 2); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}
	lines := nonEmptyLines(buf.String())
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[2], `"revision":4`) || !strings.Contains(lines[3], `"revision":5`) {
		t.Errorf("expected the two newest revisions oldest first:\n%s\n%s", lines[2], lines[3])
	}
}

func TestExportJSONL_NoHTMLEscaping(t *testing.T) {
	s := memory.New()
	if _, err := s.Set(context.Background(), &model.MaintenanceState{Enabled: true, Message: "<b>down</b> & out"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), s, &buf, 0); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}
	if !strings.Contains(buf.String(), "<b>down</b> & out") {
		t.Errorf("message was escaped:\n%s", buf.String())
	}
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
