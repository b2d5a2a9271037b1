package httpserver

import (
	"net/http"
	"strconv"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/audit"
)

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, apperrors.FailedPrecondition("audit sink is not configured"))
		return
	}
	stats, err := s.audit.GetRealtimeStats()
	if err != nil {
		writeError(w, apperrors.Internal(err, "computing realtime audit stats"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, apperrors.FailedPrecondition("audit sink is not configured"))
		return
	}
	q := r.URL.Query()

	filter := audit.ListFilter{
		UserID:    q.Get("user_id"),
		EventType: audit.EventType(q.Get("event_type")),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	events, err := s.audit.ListEvents(filter)
	if err != nil {
		writeError(w, apperrors.Internal(err, "listing audit events"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, apperrors.FailedPrecondition("audit sink is not configured"))
		return
	}
	q := r.URL.Query()

	windowHours := 24
	if v := q.Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			windowHours = n
		}
	}
	format := audit.ReportFormat(q.Get("format"))
	if format == "" {
		format = audit.ReportJSON
	}

	body, err := s.audit.GenerateReport(audit.ReportRequest{
		WindowHours:             windowHours,
		Format:                  format,
		IncludeCategoryAnalysis: q.Get("categories") == "true",
	})
	if err != nil {
		writeError(w, apperrors.Internal(err, "generating audit report"))
		return
	}

	switch format {
	case audit.ReportCSV:
		w.Header().Set("Content-Type", "text/csv")
	case audit.ReportHTML:
		w.Header().Set("Content-Type", "text/html")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
