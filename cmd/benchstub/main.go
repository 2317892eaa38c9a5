// benchstub runs a stand-in for the remote benchmark service: it tracks
// the applied speaker per (evaluation, engine), injects fixed latency on
// every call, and rejects synthesis submitted with a stale speaker.
// Usage: go run ./cmd/benchstub
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultAddr    = ":8080"
	defaultLatency = 500 * time.Millisecond
)

type speakerRequest struct {
	SpeakerID int `json:"speaker_id"`
}

type synthesisRequest struct {
	SpeakerID int    `json:"speaker_id"`
	TaskID    string `json:"task_id"`
}

// stub holds per-(eval, engine) speaker state behind one mutex; the
// real service serializes per engine anyway.
type stub struct {
	mu       sync.Mutex
	speakers map[string]int
	latency  time.Duration
	logger   *slog.Logger
}

func engineKey(evalID, engineID string) string {
	return evalID + "/" + engineID
}

func (s *stub) handleSetSpeaker(w http.ResponseWriter, r *http.Request) {
	var req speakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad speaker request: %v", err), http.StatusBadRequest)
		return
	}

	time.Sleep(s.latency)

	key := engineKey(chi.URLParam(r, "eval_id"), chi.URLParam(r, "engine_id"))
	s.mu.Lock()
	s.speakers[key] = req.SpeakerID
	s.mu.Unlock()

	s.logger.Info("speaker set", "engine", key, "speaker_id", req.SpeakerID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *stub) handleSynthesis(w http.ResponseWriter, r *http.Request) {
	var req synthesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad synthesis request: %v", err), http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "synthesis request missing task_id", http.StatusInternalServerError)
		return
	}

	time.Sleep(s.latency)

	key := engineKey(chi.URLParam(r, "eval_id"), chi.URLParam(r, "engine_id"))
	s.mu.Lock()
	current, ok := s.speakers[key]
	s.mu.Unlock()

	if !ok || current != req.SpeakerID {
		s.logger.Warn("synthesis rejected", "engine", key, "submitted", req.SpeakerID, "current", current)
		http.Error(w, "speaker mismatch", http.StatusInternalServerError)
		return
	}

	s.logger.Info("synthesis accepted", "engine", key, "task_id", req.TaskID, "speaker_id", req.SpeakerID)
	w.WriteHeader(http.StatusAccepted)
}

func main() {
	addr := defaultAddr
	if v := os.Getenv("BENCHSTUB_LISTEN_ADDR"); v != "" {
		addr = v
	}
	latency := defaultLatency
	if v := os.Getenv("BENCHSTUB_LATENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid BENCHSTUB_LATENCY %q: %v", v, err)
		}
		latency = d
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s := &stub{
		speakers: make(map[string]int),
		latency:  latency,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1/evaluations/{eval_id}/engines/{engine_id}", func(r chi.Router) {
		r.Put("/speaker", s.handleSetSpeaker)
		r.Post("/synthesis", s.handleSynthesis)
	})

	logger.Info("benchstub: starting", "addr", addr, "latency", latency.String())
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
