// Package synctest is a chi-routed httptest fake standing in for the
// HTTP sync surface named in spec.md §1/§6 (out of scope to
// implement for real here): an in-memory global event log with the
// exact pull/push wire contract of spec.md §6, including the
// 409 server_ahead|server_behind conflict shape, so internal/sync can
// be exercised end-to-end (spec.md §8 scenarios 4 and 5) without a
// real server or database.
//
// Grounded on the pack's chi.NewRouter()-per-resource handler shape
// (e.g. orange-dot-attenditev2's internal/audit/api.go), adapted to
// one in-memory store instead of a repository.
package synctest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/loofy147/ledgerjournal/internal/sync"
)

type storedEvent struct {
	globalSeq  int64
	eventID    string
	recordJSON string
}

// Server is the in-memory global event log plus its chi-routed HTTP
// surface. Safe for concurrent use; httptest.NewServer already serves
// requests on their own goroutines.
type Server struct {
	mu     sync.Mutex
	events []storedEvent
	byID   map[string]int64 // eventId -> globalSeq, for push idempotency/dedup

	httpServer *httptest.Server
}

// NewServer starts a listening httptest.Server backed by a fresh empty
// in-memory log.
func NewServer() *Server {
	s := &Server{byID: make(map[string]int64)}
	s.httpServer = httptest.NewServer(s.routes())
	return s
}

// URL is the base URL sync.HTTPTransport should be pointed at.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts down the underlying httptest.Server.
func (s *Server) Close() { s.httpServer.Close() }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/sync", func(r chi.Router) {
		r.Get("/pull", s.handlePull)
		r.Post("/push", s.handlePush)
	})
	return r
}

func (s *Server) head() int64 {
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].globalSeq
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 250
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var page []storedEvent
	for _, ev := range s.events {
		if ev.globalSeq > since {
			page = append(page, ev)
			if len(page) >= limit {
				break
			}
		}
	}

	hasMore := false
	var nextSince *int64
	if len(page) > 0 {
		last := page[len(page)-1].globalSeq
		for _, ev := range s.events {
			if ev.globalSeq > last {
				hasMore = true
				break
			}
		}
		nextSince = &last
	}

	resp := sync.PullResponse{
		Head:      s.head(),
		Events:    toEnvelopes(page),
		HasMore:   hasMore,
		NextSince: nextSince,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req sync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.head()
	if req.ExpectedHead < head {
		// Client is behind: hand back everything past what it has
		// already seen so it can catch up before retrying.
		var missing []storedEvent
		for _, ev := range s.events {
			if ev.globalSeq > req.ExpectedHead {
				missing = append(missing, ev)
			}
		}
		writeJSON(w, http.StatusConflict, sync.PushResponse{
			OK: false, Head: head, Reason: "server_ahead", Missing: toEnvelopes(missing),
		})
		return
	}
	if req.ExpectedHead > head {
		writeJSON(w, http.StatusConflict, sync.PushResponse{OK: false, Head: head, Reason: "server_behind"})
		return
	}

	assigned := make([]sync.PushAssignment, 0, len(req.Events))
	for _, e := range req.Events {
		if existing, ok := s.byID[e.EventID]; ok {
			assigned = append(assigned, sync.PushAssignment{EventID: e.EventID, GlobalSequence: existing})
			continue
		}
		next := s.head() + 1
		s.events = append(s.events, storedEvent{globalSeq: next, eventID: e.EventID, recordJSON: e.RecordJSON})
		s.byID[e.EventID] = next
		assigned = append(assigned, sync.PushAssignment{EventID: e.EventID, GlobalSequence: next})
	}

	writeJSON(w, http.StatusOK, sync.PushResponse{OK: true, Head: s.head(), Assigned: assigned})
}

func toEnvelopes(events []storedEvent) []sync.RemoteEventEnvelope {
	out := make([]sync.RemoteEventEnvelope, len(events))
	for i, ev := range events {
		out[i] = sync.RemoteEventEnvelope{GlobalSequence: ev.globalSeq, EventID: ev.eventID, RecordJSON: ev.recordJSON}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// SeedForeignEvent lets a test inject an event as if another client had
// already pushed it to the server, without going through HTTP.
func (s *Server) SeedForeignEvent(eventID, recordJSON string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.head() + 1
	s.events = append(s.events, storedEvent{globalSeq: next, eventID: eventID, recordJSON: recordJSON})
	s.byID[eventID] = next
	return next
}
