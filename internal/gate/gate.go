// Package gate rejects application traffic while maintenance mode is on.
package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/maintgate/internal/metrics"
	"github.com/alfredjeanlab/maintgate/internal/model"
)

// DefaultBypassPrefixes keeps the admin, health and metrics endpoints
// reachable while the gate is closed.
var DefaultBypassPrefixes = []string{"/maintenance", "/healthz", "/metrics"}

// DefaultRetryAfter is the Retry-After hint, in seconds, sent with the
// maintenance response.
const DefaultRetryAfter = 120

// Reader is the read side of the gate cache. Read never fails.
type Reader interface {
	Read(ctx context.Context) *model.MaintenanceState
}

// Options configures a Middleware.
type Options struct {
	// BypassPrefixes are path prefixes that are never gated. A prefix matches
	// the path itself and anything below it, on a segment boundary.
	BypassPrefixes []string
	// RetryAfter is sent as the Retry-After header, in seconds. Zero omits
	// the header.
	RetryAfter int
	Metrics    *metrics.Metrics
}

// Response is the body of the maintenance response.
type Response struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// Middleware answers 503 with the maintenance message while the gate is
// enabled.
type Middleware struct {
	reader     Reader
	bypass     []string
	retryAfter string
	metrics    *metrics.Metrics
}

func New(reader Reader, opts Options) *Middleware {
	m := &Middleware{
		reader:  reader,
		bypass:  NormalizePrefixes(opts.BypassPrefixes),
		metrics: opts.Metrics,
	}
	if opts.RetryAfter > 0 {
		m.retryAfter = strconv.Itoa(opts.RetryAfter)
	}
	return m
}

// Wrap returns next behind the gate.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Bypassed(r.URL.Path) {
			m.metrics.GateDecision(metrics.DecisionBypassed)
			next.ServeHTTP(w, r)
			return
		}
		st := m.reader.Read(r.Context())
		if st == nil || !st.Enabled {
			m.metrics.GateDecision(metrics.DecisionPassed)
			next.ServeHTTP(w, r)
			return
		}
		m.metrics.GateDecision(metrics.DecisionBlocked)
		m.block(w, st)
	})
}

// Bypassed reports whether path is under one of the bypass prefixes.
func (m *Middleware) Bypassed(path string) bool {
	for _, p := range m.bypass {
		if p == "/" || path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (m *Middleware) block(w http.ResponseWriter, st *model.MaintenanceState) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if m.retryAfter != "" {
		h.Set("Retry-After", m.retryAfter)
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(Response{
		Message: model.NormalizeMessage(st.Message),
		Data:    st.Data,
	})
}

// NormalizePrefixes trims, roots and de-duplicates prefixes and drops
// trailing slashes. Empty entries are skipped.
func NormalizePrefixes(prefixes []string) []string {
	var out []string
	seen := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if len(p) > 1 {
			p = strings.TrimRight(p, "/")
			if p == "" {
				p = "/"
			}
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
