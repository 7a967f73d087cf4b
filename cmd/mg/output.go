package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/client"
	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printStatus(w io.Writer, st *client.Status) {
	fmt.Fprintf(w, "Gate:      %s\n", ui.RenderGate(st.Enabled))
	fmt.Fprintf(w, "Message:   %s\n", st.Message)
	if len(st.Data) > 0 {
		fmt.Fprintf(w, "Data:      %s\n", compactJSON(st.Data))
	}
	fmt.Fprintf(w, "Revision:  %d\n", st.Revision)
}

func printState(w io.Writer, st *model.MaintenanceState) {
	fmt.Fprintf(w, "Gate:        %s\n", ui.RenderGate(st.Enabled))
	fmt.Fprintf(w, "Message:     %s\n", st.Message)
	if len(st.Data) > 0 {
		fmt.Fprintf(w, "Data:        %s\n", compactJSON(st.Data))
	}
	fmt.Fprintf(w, "Revision:    %d\n", st.Revision)
	if st.UpdatedBy != "" {
		fmt.Fprintf(w, "Updated By:  %s\n", st.UpdatedBy)
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated At:  %s\n", st.UpdatedAt.Local().Format(timeLayout))
	}
}

func printHistoryTable(w io.Writer, revs []*model.Revision) error {
	if len(revs) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("no revisions"))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tGATE\tUPDATED\tBY\tMESSAGE")
	for _, r := range revs {
		gate := "off"
		if r.Enabled {
			gate = "on"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.Revision, gate, formatTime(r.UpdatedAt), r.UpdatedBy, truncate(r.Message, 60))
	}
	return tw.Flush()
}

// printChange prints one line for a state seen by watch.
func printChange(w io.Writer, st *model.MaintenanceState) {
	ts := st.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	by := ""
	if st.UpdatedBy != "" {
		by = " " + ui.RenderMuted("by "+st.UpdatedBy)
	}
	fmt.Fprintf(w, "%s  rev %d  %s  %s%s\n",
		ui.RenderMuted(ts.Local().Format(timeLayout)), st.Revision, ui.RenderGate(st.Enabled), st.Message, by)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
