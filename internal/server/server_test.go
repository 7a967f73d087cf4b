package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/admin"
	"github.com/alfredjeanlab/maintgate/internal/gate"
	"github.com/alfredjeanlab/maintgate/internal/gatecache"
	"github.com/alfredjeanlab/maintgate/internal/metrics"
	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/store"
	"github.com/alfredjeanlab/maintgate/internal/store/memory"
)

// failingStore fails every call with ErrStoreUnavailable while down is set.
type failingStore struct {
	store.Store
	down atomic.Bool
}

func (s *failingStore) err() error {
	if s.down.Load() {
		return model.Unavailable("store", errors.New("connection refused"))
	}
	return nil
}

func (s *failingStore) Get(ctx context.Context) (*model.MaintenanceState, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx)
}

func (s *failingStore) Set(ctx context.Context, next *model.MaintenanceState, rev int64) (*model.MaintenanceState, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Store.Set(ctx, next, rev)
}

func (s *failingStore) History(ctx context.Context, limit int) ([]*model.Revision, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Store.History(ctx, limit)
}

type testEnv struct {
	store   *failingStore
	cache   *gatecache.Cache
	hub     *StateHub
	metrics *metrics.Metrics
	handler http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, upstream http.Handler) *testEnv {
	t.Helper()
	return newTestEnvTTL(t, upstream, time.Minute)
}

func newTestEnvTTL(t *testing.T, upstream http.Handler, ttl time.Duration) *testEnv {
	t.Helper()
	logger := discardLogger()
	st := &failingStore{Store: memory.New()}
	m := metrics.New()
	hub := NewStateHub()
	cache := gatecache.New(st, gatecache.Options{
		TTL:      ttl,
		Logger:   logger,
		Metrics:  m,
		OnChange: func(cur *model.MaintenanceState) { hub.Broadcast(cur) },
	})
	mut := admin.New(st, admin.Options{
		Invalidator: Propagator{Cache: cache, Hub: hub},
		Logger:      logger,
		Metrics:     m,
	})
	g := gate.New(cache, gate.Options{BypassPrefixes: gate.DefaultBypassPrefixes, RetryAfter: 30, Metrics: m})
	srv := New(Config{
		Store:    st,
		Cache:    cache,
		Mutator:  mut,
		Gate:     g,
		Hub:      hub,
		Metrics:  m,
		Upstream: upstream,
		Logger:   logger,
	})
	return &testEnv{store: st, cache: cache, hub: hub, metrics: m, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestGetState_Default(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/maintenance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	st := decode[model.MaintenanceState](t, rec)
	if st.Enabled || st.Revision != 0 || st.Message != model.DefaultMessage {
		t.Errorf("state = %+v", st)
	}
	if got := rec.Header().Get("ETag"); got != `"0"` {
		t.Errorf("ETag = %s", got)
	}
}

func TestPutState_EnableGatesTraffic(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamHits.Add(1)
		_, _ = w.Write([]byte("app"))
	})
	env := newTestEnv(t, upstream)

	if rec := env.do(t, http.MethodGet, "/api/orders", ""); rec.Code != http.StatusOK || rec.Body.String() != "app" {
		t.Fatalf("before enable: %d %q", rec.Code, rec.Body)
	}

	rec := env.do(t, http.MethodPut, "/maintenance",
		`{"enabled":true,"message":"Upgrading","data":{"eta":"2h"},"updated_by":"ops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", rec.Code, rec.Body)
	}
	st := decode[model.MaintenanceState](t, rec)
	if st.Revision != 1 || !st.Enabled || st.UpdatedBy != "ops" {
		t.Errorf("PUT = %+v", st)
	}

	// The change is visible on this process without waiting for the TTL.
	rec = env.do(t, http.MethodGet, "/api/orders", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("gated status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	body := decode[gate.Response](t, rec)
	if body.Message != "Upgrading" || body.Data["eta"] != "2h" {
		t.Errorf("gate body = %+v", body)
	}
	if n := upstreamHits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}

	for _, path := range []string{"/healthz", "/maintenance/status", "/metrics"} {
		if rec := env.do(t, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s while enabled: status = %d", path, rec.Code)
		}
	}

	status := decode[statusResponse](t, env.do(t, http.MethodGet, "/maintenance/status", ""))
	if !status.Enabled || status.Revision != 1 || status.Message != "Upgrading" {
		t.Errorf("status = %+v", status)
	}

	// Disabling restores traffic.
	if rec := env.do(t, http.MethodPut, "/maintenance", `{"enabled":false}`); rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/orders", ""); rec.Code != http.StatusOK {
		t.Errorf("after disable: status = %d", rec.Code)
	}
}

func TestPutState_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodPut, "/maintenance", `{"enabled":true}`); rec.Code != http.StatusOK {
		t.Fatalf("seed: %d", rec.Code)
	}

	for _, tc := range []struct {
		name    string
		body    string
		headers []string
		want    int
	}{
		{"BadJSON", `{"enabled":`, nil, http.StatusBadRequest},
		{"MissingEnabled", `{"message":"x"}`, nil, http.StatusUnprocessableEntity},
		{"DataNotObject", `{"enabled":true,"data":"x"}`, nil, http.StatusUnprocessableEntity},
		{"MessageTooLong", `{"enabled":true,"message":"` + strings.Repeat("a", 1001) + `"}`, nil, http.StatusUnprocessableEntity},
		{"StaleIfMatch", `{"enabled":false}`, []string{"If-Match", `"0"`}, http.StatusConflict},
		{"BadIfMatch", `{"enabled":false}`, []string{"If-Match", "abc"}, http.StatusBadRequest},
		{"TooLarge", `{"enabled":true,"data":{"k":"` + strings.Repeat("a", 200<<10) + `"}}`, nil, http.StatusRequestEntityTooLarge},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, "/maintenance", tc.body, tc.headers...)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body)
			}
		})
	}

	// Nothing above changed the state.
	st := decode[model.MaintenanceState](t, env.do(t, http.MethodGet, "/maintenance", ""))
	if st.Revision != 1 || !st.Enabled {
		t.Errorf("state after failed writes = %+v", st)
	}
}

func TestPutState_ValidationBody(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPut, "/maintenance", `{"data":[1]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[validationResponse](t, rec)
	fields := map[string]bool{}
	for _, f := range body.Fields {
		fields[f.Field] = true
	}
	if !fields["enabled"] || !fields["data"] {
		t.Errorf("fields = %+v", body.Fields)
	}
}

func TestPutState_IfMatchCurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPut, "/maintenance", `{"enabled":true}`, "If-Match", `W/"0"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("ETag"); got != `"1"` {
		t.Errorf("ETag = %s", got)
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.down.Store(true)

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodGet, "/maintenance", ""},
		{http.MethodPut, "/maintenance", `{"enabled":true}`},
		{http.MethodGet, "/maintenance/history", ""},
	} {
		rec := env.do(t, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status = %d, want 503", tc.method, tc.path, rec.Code)
		}
		if body := decode[map[string]string](t, rec); body["error"] == "" {
			t.Errorf("%s %s: missing error message", tc.method, tc.path)
		}
	}

	// The status endpoint and the gate fail open.
	status := decode[statusResponse](t, env.do(t, http.MethodGet, "/maintenance/status", ""))
	if status.Enabled {
		t.Errorf("status during outage = %+v, want fail-open", status)
	}
	if rec := env.do(t, http.MethodGet, "/app", ""); rec.Code != http.StatusNotFound {
		t.Errorf("gated path during outage: status = %d, want pass-through 404", rec.Code)
	}
}

func TestStoreUnavailable_GateKeepsLastDecision(t *testing.T) {
	env := newTestEnvTTL(t, nil, 20*time.Millisecond)
	if rec := env.do(t, http.MethodPut, "/maintenance", `{"enabled":true,"message":"Upgrading","data":{"eta":"2h"}}`); rec.Code != http.StatusOK {
		t.Fatalf("PUT: %d %s", rec.Code, rec.Body)
	}

	env.store.down.Store(true)
	time.Sleep(50 * time.Millisecond)

	rec := env.do(t, http.MethodGet, "/app", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("gated path during outage: status = %d, want 503", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["message"] != "Upgrading" {
		t.Errorf("gate body during outage = %v, want cached message", body)
	}
	if data, _ := body["data"].(map[string]any); data["eta"] != "2h" {
		t.Errorf("gate data during outage = %v", body["data"])
	}

	status := decode[statusResponse](t, env.do(t, http.MethodGet, "/maintenance/status", ""))
	if !status.Enabled || status.Revision != 1 {
		t.Errorf("status during outage = %+v, want cached revision 1", status)
	}
}

func TestPutState_EmptyDataKept(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPut, "/maintenance", `{"enabled":false,"data":{}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"data":{}`) {
		t.Errorf("PUT body = %s, want empty data object", rec.Body)
	}
	if got := env.do(t, http.MethodGet, "/maintenance", ""); !strings.Contains(got.Body.String(), `"data":{}`) {
		t.Errorf("GET body = %s, want empty data object", got.Body)
	}

	rec = env.do(t, http.MethodPut, "/maintenance", `{"enabled":false}`)
	if !strings.Contains(rec.Body.String(), `"data":null`) {
		t.Errorf("PUT without data = %s, want null data", rec.Body)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, body := range []string{`{"enabled":true}`, `{"enabled":false}`, `{"enabled":true,"message":"again"}`} {
		if rec := env.do(t, http.MethodPut, "/maintenance", body); rec.Code != http.StatusOK {
			t.Fatalf("PUT: %d", rec.Code)
		}
	}

	got := decode[struct {
		Revisions []model.Revision `json:"revisions"`
	}](t, env.do(t, http.MethodGet, "/maintenance/history?limit=2", ""))
	if len(got.Revisions) != 2 || got.Revisions[0].Revision != 3 || got.Revisions[0].Message != "again" {
		t.Errorf("history = %+v", got.Revisions)
	}

	if rec := env.do(t, http.MethodGet, "/maintenance/history?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rec.Code)
	}
}

func TestRouting(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/maintenance", http.StatusMethodNotAllowed},
		{http.MethodGet, "/maintenance/nope", http.StatusNotFound},
		{http.MethodGet, "/anything", http.StatusNotFound},
		{http.MethodGet, "/healthz", http.StatusOK},
	} {
		if rec := env.do(t, tc.method, tc.path, ""); rec.Code != tc.want {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}

func TestUpstreamProxy(t *testing.T) {
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App", "1")
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer app.Close()

	proxy, err := NewUpstreamProxy(app.URL, discardLogger())
	if err != nil {
		t.Fatalf("NewUpstreamProxy: %v", err)
	}
	env := newTestEnv(t, proxy)

	rec := env.do(t, http.MethodGet, "/shop/cart", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello /shop/cart" || rec.Header().Get("X-App") != "1" {
		t.Fatalf("proxied: %d %q", rec.Code, rec.Body)
	}

	env.do(t, http.MethodPut, "/maintenance", `{"enabled":true}`)
	if rec := env.do(t, http.MethodGet, "/shop/cart", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("gated proxy: status = %d", rec.Code)
	}
}

func TestUpstreamProxy_Down(t *testing.T) {
	app := httptest.NewServer(http.NotFoundHandler())
	url := app.URL
	app.Close()

	proxy, err := NewUpstreamProxy(url, discardLogger())
	if err != nil {
		t.Fatalf("NewUpstreamProxy: %v", err)
	}
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestNewUpstreamProxy_InvalidURL(t *testing.T) {
	for _, raw := range []string{"localhost:3000", "ftp://host", "http://"} {
		if _, err := NewUpstreamProxy(raw, nil); err == nil {
			t.Errorf("NewUpstreamProxy(%q) succeeded", raw)
		}
	}
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/maintenance/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	events := readEvents(resp.Body)

	first := <-events
	if first.id != "0" {
		t.Fatalf("first event id = %q, want current revision 0", first.id)
	}

	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/maintenance", strings.NewReader(`{"enabled":true,"message":"Upgrading"}`))
	putResp, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	putResp.Body.Close()

	select {
	case evt := <-events:
		var st model.MaintenanceState
		if err := json.Unmarshal([]byte(evt.data), &st); err != nil {
			t.Fatalf("event data: %v", err)
		}
		if evt.id != "1" || evt.event != sseEventName || !st.Enabled || st.Message != "Upgrading" {
			t.Errorf("event = %+v", evt)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for state event")
	}
}

func TestStream_ChangeSeenOnCacheExpiry(t *testing.T) {
	env := newTestEnvTTL(t, nil, 30*time.Millisecond)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/maintenance/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	events := readEvents(resp.Body)
	if first := <-events; first.id != "0" {
		t.Fatalf("first event id = %q, want 0", first.id)
	}

	// Another process wrote the change; this one never heard about it.
	if _, err := env.store.Set(ctx, &model.MaintenanceState{Enabled: true, Message: "Elsewhere"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	appResp, err := http.Get(ts.URL + "/app")
	if err != nil {
		t.Fatalf("GET /app: %v", err)
	}
	appResp.Body.Close()
	if appResp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/app status = %d, want 503 after expiry", appResp.StatusCode)
	}

	select {
	case evt := <-events:
		var st model.MaintenanceState
		if err := json.Unmarshal([]byte(evt.data), &st); err != nil {
			t.Fatalf("event data: %v", err)
		}
		if evt.id != "1" || !st.Enabled || st.Message != "Elsewhere" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not deliver the revision the gate now serves")
	}
}

type sseMessage struct {
	id, event, data string
}

func readEvents(r io.Reader) <-chan sseMessage {
	out := make(chan sseMessage, 8)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		var cur sseMessage
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if cur.id != "" {
					out <- cur
				}
				cur = sseMessage{}
			case strings.HasPrefix(line, "id:"):
				cur.id = strings.TrimPrefix(line, "id:")
			case strings.HasPrefix(line, "event:"):
				cur.event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				cur.data = strings.TrimPrefix(line, "data:")
			}
		}
	}()
	return out
}

func TestStateHub(t *testing.T) {
	h := NewStateHub()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	if !h.Broadcast(&model.MaintenanceState{Revision: 2}) {
		t.Fatal("first broadcast dropped")
	}
	if h.Broadcast(&model.MaintenanceState{Revision: 2}) {
		t.Error("duplicate revision was broadcast")
	}
	if h.Broadcast(&model.MaintenanceState{Revision: 1}) {
		t.Error("older revision was broadcast")
	}
	h.Broadcast(&model.MaintenanceState{Revision: 3})

	if len(ch) != 2 {
		t.Errorf("client received %d events, want 2", len(ch))
	}
	if got := h.since(2); len(got) != 1 || got[0].ID != 3 {
		t.Errorf("since(2) = %+v", got)
	}
	for rev := int64(4); rev < 4+stateRingSize; rev++ {
		h.Broadcast(&model.MaintenanceState{Revision: rev})
	}
	if got := h.since(0); len(got) != stateRingSize || got[0].ID != 4 {
		t.Errorf("since(0) after wrap: %d events, first %d", len(got), got[0].ID)
	}
}

func TestParseIfMatch(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    int64
		none    bool
		wantErr bool
	}{
		{in: "", none: true},
		{in: "*", none: true},
		{in: "3", want: 3},
		{in: `"3"`, want: 3},
		{in: `W/"12"`, want: 12},
		{in: "-1", wantErr: true},
		{in: "x", wantErr: true},
	} {
		got, err := parseIfMatch(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseIfMatch(%q) err = %v", tc.in, err)
			continue
		}
		if tc.wantErr {
			continue
		}
		if tc.none != (got == nil) || (got != nil && *got != tc.want) {
			t.Errorf("parseIfMatch(%q) = %v", tc.in, got)
		}
	}
}
