package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/satindergrewal/cadence/internal/stream"
	"github.com/satindergrewal/cadence/internal/transport"
)

// Routes returns the HTTP API. offer, if non-nil, is mounted at /offer for
// WebRTC signalling.
func (s *Services) Routes(offer http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET required", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, s.Status())
	})

	mux.HandleFunc("/api/configure", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Measures      int     `json:"measures"`
			TimeSignature string  `json:"timeSignature"`
			BPM           float64 `json:"bpm"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		cur := s.Transport.Config()
		if req.Measures == 0 {
			req.Measures = cur.Measures
		}
		if req.TimeSignature == "" {
			req.TimeSignature = cur.TimeSignature()
		}
		if req.BPM == 0 {
			req.BPM = cur.BPM
		}
		if err := s.Configure(req.Measures, req.TimeSignature, req.BPM); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "config": s.Transport.Config()})
	})

	mux.HandleFunc("/api/start", s.gesture(func(r *http.Request) error { return s.Play(r.Context()) }))
	mux.HandleFunc("/api/stop", s.gesture(func(*http.Request) error { s.StopPlayback(); return nil }))
	mux.HandleFunc("/api/listen", s.gesture(func(r *http.Request) error { return s.Listen(r.Context()) }))
	mux.HandleFunc("/api/unlisten", s.gesture(func(*http.Request) error { s.Unlisten(); return nil }))

	mux.HandleFunc("/api/judge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Expected *float64 `json:"expected"`
			Actual   *float64 `json:"actual"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Expected == nil || req.Actual == nil {
			http.Error(w, "expected and actual required", http.StatusBadRequest)
			return
		}
		writeJSON(w, s.Judge(*req.Expected, *req.Actual))
	})

	mux.HandleFunc("/api/hit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		fb, err := s.Hit()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, fb)
	})

	ws := stream.NewWSHandler(s.Events)
	ws.OnConnect = func(l *stream.Listener) {
		st := s.State()
		l.C <- stream.Event{Type: stream.EventState, Time: s.Audio.Now(), State: &st}
	}
	mux.Handle("/events", ws)

	if offer != nil {
		mux.Handle("/offer", offer)
	}
	return mux
}

// gesture wraps an action that must be triggered by the user. The response
// carries the resulting state.
func (s *Services) gesture(action func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		if err := action(r); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "state": s.State()})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if a := Affordance(err); a != "" {
		log.WithError(err).Warnf("Request needs %s", a)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "affordance": a})
		return
	}
	switch {
	case errors.Is(err, transport.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotPlaying):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.WithError(err).Error("Request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
