package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bytemomo/warden/internal/domain"

	log "github.com/sirupsen/logrus"
)

// sinkRequest accepts the credentials that domain.Sink never serialises.
// Timeout shadows the embedded field so clients send "10s", not nanoseconds.
type sinkRequest struct {
	domain.Sink
	Timeout  string `json:"timeout"`
	Secret   string `json:"secret"`
	Password string `json:"password"`
}

func (req sinkRequest) sink() (domain.Sink, error) {
	sink := req.Sink
	sink.Secret = req.Secret
	sink.Password = req.Password
	sink.Timeout = 0
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return domain.Sink{}, fmt.Errorf("invalid timeout %q: %w", req.Timeout, err)
		}
		if d <= 0 {
			return domain.Sink{}, fmt.Errorf("timeout must be positive, got %s", d)
		}
		sink.Timeout = d
	}
	return sink, nil
}

type sinkView struct {
	domain.Sink
	Timeout   string           `json:"timeout,omitempty"`
	HasSecret bool             `json:"has_secret"`
	Stats     domain.SinkStats `json:"stats"`
}

func (s *Server) sinkView(sink domain.Sink) sinkView {
	st, _ := s.Notifier.Stats(sink.ID)
	v := sinkView{Sink: sink, HasSecret: sink.Secret != "", Stats: st}
	if sink.Timeout > 0 {
		v.Timeout = sink.Timeout.String()
	}
	return v
}

func (s *Server) requireNotifier(w http.ResponseWriter, r *http.Request) bool {
	if s.Notifier == nil {
		s.writeError(w, r, http.StatusNotImplemented, errors.New("notifications are not configured"))
		return false
	}
	return true
}

func (s *Server) listSinks(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifier(w, r) {
		return
	}
	sinks := s.Notifier.List()
	views := make([]sinkView, 0, len(sinks))
	for _, sink := range sinks {
		views = append(views, s.sinkView(sink))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sinks": views})
}

func (s *Server) createSink(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifier(w, r) {
		return
	}
	var req sinkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	sink, err := req.sink()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := s.Notifier.Register(sink); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	created, err := s.Notifier.Get(sink.ID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.logger().WithFields(log.Fields{
		"sink_id": sink.ID,
		"type":    sink.Type,
		"caller":  r.Header.Get(CallerHeader),
	}).Info("Sink created")
	w.Header().Set("Location", "/v1/sinks/"+sink.ID)
	writeJSON(w, http.StatusCreated, s.sinkView(created))
}

func (s *Server) getSink(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifier(w, r) {
		return
	}
	sink, err := s.Notifier.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.sinkView(sink))
}

type sinkPatch struct {
	Disabled *bool `json:"disabled"`
}

// updateSink toggles a sink, e.g. to re-enable one disabled after repeated
// failures.
func (s *Server) updateSink(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifier(w, r) {
		return
	}
	var patch sinkPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&patch); err != nil || patch.Disabled == nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("body must set \"disabled\""))
		return
	}
	id := r.PathValue("id")
	if err := s.Notifier.SetDisabled(id, *patch.Disabled); err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	sink, err := s.Notifier.Get(id)
	if err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.sinkView(sink))
}

func (s *Server) deleteSink(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifier(w, r) {
		return
	}
	if err := s.Notifier.Unregister(r.PathValue("id")); err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testSink(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifier(w, r) {
		return
	}
	res, err := s.Notifier.Test(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
