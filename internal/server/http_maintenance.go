package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/maintgate/internal/admin"
	"github.com/alfredjeanlab/maintgate/internal/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000

	// bodyOverhead is allowed on top of the message and data limits for the
	// remaining fields and JSON punctuation.
	bodyOverhead = 4 << 10
)

// statusResponse is the polling contract served from the gate cache.
type statusResponse struct {
	Enabled  bool           `json:"enabled"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data"`
	Revision int64          `json:"revision"`
}

// handleGetState handles GET /maintenance. It reads the store directly so
// that an admin sees the durable state, not a cached one.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Get(r.Context())
	if err != nil {
		s.logger.Warn("get maintenance state failed", "err", err)
		writeStoreError(w, err)
		return
	}
	setETag(w, st.Revision)
	writeJSON(w, http.StatusOK, st)
}

// handlePutState handles PUT /maintenance.
func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Messages are measured in runes; allow four bytes for each.
	maxBody := int64(4*s.limits.MaxMessageLength+s.limits.MaxDataBytes) + bodyOverhead
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var in model.Update
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	st, err := s.mutator.Update(r.Context(), admin.UpdateRequest{Update: in, ExpectedRevision: expected})
	if err != nil {
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			s.logger.Warn("update maintenance state failed", "err", err)
		}
		writeStoreError(w, err)
		return
	}
	setETag(w, st.Revision)
	writeJSON(w, http.StatusOK, st)
}

// handleStatus handles GET /maintenance/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.cache.Read(r.Context())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, statusResponse{
		Enabled:  st.Enabled,
		Message:  model.NormalizeMessage(st.Message),
		Data:     st.Data,
		Revision: st.Revision,
	})
}

// handleHistory handles GET /maintenance/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	revs, err := s.store.History(r.Context(), limit)
	if err != nil {
		s.logger.Warn("list maintenance history failed", "err", err)
		writeStoreError(w, err)
		return
	}
	if revs == nil {
		revs = []*model.Revision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if st, ok := s.cache.Snapshot(); ok {
		resp["revision"] = st.Revision
	}
	writeJSON(w, http.StatusOK, resp)
}

func setETag(w http.ResponseWriter, revision int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(revision, 10)))
}

// parseIfMatch accepts a revision as a bare or quoted integer, optionally
// weak. An empty header means no precondition.
func parseIfMatch(v string) (*int64, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return nil, nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return nil, errors.New("If-Match must be a revision number")
	}
	return &n, nil
}
