package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

const (
	// stateRingSize is the number of recent states kept for Last-Event-ID
	// replay.
	stateRingSize = 64

	// sseKeepaliveInterval is how often keepalive comments are sent to
	// prevent connection timeouts.
	sseKeepaliveInterval = 15 * time.Second

	sseEventName = "state"
)

// stateEvent is one state change as sent to stream clients. Its ID is the
// state revision.
type stateEvent struct {
	ID   int64
	Data []byte
}

// StateHub fans state changes out to connected stream clients. Revisions
// only move forward: a state not newer than the last broadcast is dropped, so
// the same change arriving from the mutator and the bus is sent once.
type StateHub struct {
	mu      sync.Mutex
	clients map[chan *stateEvent]struct{}
	last    int64

	ring    [stateRingSize]stateEvent
	ringPos int
	ringLen int
}

func NewStateHub() *StateHub {
	return &StateHub{clients: make(map[chan *stateEvent]struct{}), last: -1}
}

// Broadcast sends st to every client. It reports whether st was sent.
func (h *StateHub) Broadcast(st *model.MaintenanceState) bool {
	payload, err := json.Marshal(st)
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st.Revision <= h.last {
		return false
	}
	h.last = st.Revision
	evt := stateEvent{ID: st.Revision, Data: payload}

	h.ring[h.ringPos] = evt
	h.ringPos = (h.ringPos + 1) % stateRingSize
	if h.ringLen < stateRingSize {
		h.ringLen++
	}

	for ch := range h.clients {
		select {
		case ch <- &evt:
		default:
			// Slow client; it will catch up from the next state or the cache.
		}
	}
	return true
}

func (h *StateHub) subscribe() chan *stateEvent {
	ch := make(chan *stateEvent, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *StateHub) unsubscribe(ch chan *stateEvent) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// since returns buffered events with a revision above rev, oldest first.
func (h *StateHub) since(rev int64) []stateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []stateEvent
	start := (h.ringPos - h.ringLen + stateRingSize) % stateRingSize
	for i := range h.ringLen {
		evt := h.ring[(start+i)%stateRingSize]
		if evt.ID > rev {
			out = append(out, evt)
		}
	}
	return out
}

// handleStream handles GET /maintenance/stream. A new client first receives
// the current state, or the states it missed when it sends Last-Event-ID.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sent := int64(-1)
	if lastID, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		sent = lastID
		for _, evt := range s.hub.since(lastID) {
			writeStateEvent(w, &evt)
			sent = evt.ID
		}
	}
	if cur := s.cache.Read(r.Context()); cur.Revision > sent {
		if data, err := json.Marshal(cur); err == nil {
			writeStateEvent(w, &stateEvent{ID: cur.Revision, Data: data})
			sent = cur.Revision
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if evt.ID <= sent {
				continue
			}
			writeStateEvent(w, evt)
			sent = evt.ID
			flusher.Flush()
		case <-keepalive.C:
			// Refreshes an expired cache even when no gated traffic does; a
			// newer revision comes back through the hub.
			s.cache.Read(r.Context())
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeStateEvent(w http.ResponseWriter, evt *stateEvent) {
	fmt.Fprintf(w, "id:%d\n", evt.ID)
	fmt.Fprintf(w, "event:%s\n", sseEventName)
	fmt.Fprintf(w, "data:%s\n\n", evt.Data)
}
