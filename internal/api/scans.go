package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bytemomo/warden/internal/adapter/reporter"
	"bytemomo/warden/internal/domain"
	"bytemomo/warden/internal/orchestrator"
)

type scanRequest struct {
	Name       string               `json:"name"`
	Target     domain.Target        `json:"target"`
	Checkers   domain.CheckerFilter `json:"checkers"`
	Frameworks []string             `json:"frameworks"`
	Tags       []string             `json:"tags"`
	Metadata   map[string]string    `json:"metadata"`
	// Timeout is a Go duration string such as "10m".
	Timeout string `json:"timeout"`
}

// scanView adds the report summary to a scan. Listings drop the report body.
type scanView struct {
	*domain.Scan
	Summary   *domain.Summary `json:"summary,omitempty"`
	RiskScore *int            `json:"risk_score,omitempty"`
}

func newScanView(s *domain.Scan, withReport bool) scanView {
	v := scanView{Scan: s}
	if s.Report != nil {
		summary := s.Report.Summary()
		risk := s.Report.RiskScore()
		v.Summary, v.RiskScore = &summary, &risk
		if !withReport {
			s.Report = nil
		}
	}
	return v
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", req.Timeout))
			return
		}
		timeout = d
	}

	scan, err := s.Orchestrator.Submit(r.Context(), orchestrator.Request{
		Name:       req.Name,
		Target:     req.Target,
		Filter:     req.Checkers,
		Frameworks: req.Frameworks,
		CreatedBy:  r.Header.Get(CallerHeader),
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		Timeout:    timeout,
	})
	if err != nil {
		s.writeError(w, r, submitStatus(err), err)
		return
	}
	w.Header().Set("Location", "/v1/scans/"+scan.ID)
	writeJSON(w, http.StatusAccepted, newScanView(scan, false))
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f orchestrator.ListFilter
	if raw := q.Get("state"); raw != "" {
		state, err := domain.ParseScanState(raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		f.State = state
	}
	f.CreatedBy = q.Get("created_by")
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid %s %q", key, raw))
			return
		}
		*dst = n
	}

	scans := s.Orchestrator.List(f)
	views := make([]scanView, 0, len(scans))
	for _, sc := range scans {
		views = append(views, newScanView(sc, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": views, "count": len(views)})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.Orchestrator.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newScanView(scan, true))
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.Orchestrator.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newScanView(scan, false))
}

func (s *Server) deleteScan(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrScanNotFound), errors.Is(err, domain.ErrSinkNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrScanRunning), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) scanReport(w http.ResponseWriter, r *http.Request) {
	scan, err := s.Orchestrator.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, lookupStatus(err), err)
		return
	}
	if scan.Report == nil {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("scan %s has no report (state %s)", scan.ID, scan.State))
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	filter := domain.SeverityInfo
	if sev := s.Orchestrator.CurrentSettings().SeverityFilter; sev.Valid() {
		filter = sev
	} else if s.Reporter != nil && s.Reporter.Filter.Valid() {
		filter = s.Reporter.Filter
	}
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		sev, err := domain.ParseSeverity(raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		filter = sev
	}
	// Rendered for a client, never coloured.
	rep := &reporter.Reporter{Filter: filter}

	body, err := rep.Render(scan.Report, format)
	if errors.Is(err, reporter.ErrUnsupportedFormat) {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", reporter.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "warden-"+scan.ID+reporter.Extension(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"scans": s.Orchestrator.Stats()}
	if s.Notifier != nil {
		body["sinks"] = s.Notifier.AllStats()
	}
	writeJSON(w, http.StatusOK, body)
}
