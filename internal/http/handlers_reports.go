package http

import (
	"net/http"
	"strings"

	"ledgerd/internal/core"
	"ledgerd/internal/services"
)

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, owner string) {
	summary, err := s.svc.Query.GetBalanceSummary(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request, owner string) {
	categories, err := s.svc.Categories.List(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(categories))
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request, owner string) {
	var in services.CategoryInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	in.Name = sanitizeInput(in.Name)
	c, err := s.svc.Categories.Create(r.Context(), owner, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request, owner string) {
	var in services.CategoryInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	in.Name = sanitizeInput(in.Name)
	c, err := s.svc.Categories.Update(r.Context(), owner, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.svc.Categories.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAnalysis summarizes the period containing ?at (default today).
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	period := core.AnalysisPeriod(strings.ToLower(strings.TrimSpace(q.Get("period"))))
	if period == "" {
		period = core.PeriodMonth
	}
	kind := core.AnalysisKind(strings.ToLower(strings.TrimSpace(q.Get("kind"))))
	if kind == "" {
		kind = core.KindExpense
	}
	at := s.now()
	if v := q.Get("at"); strings.TrimSpace(v) != "" {
		d, err := parseDate(v)
		if err != nil {
			verr := &core.ValidationError{}
			verr.Add("at", err.Error())
			writeError(w, r, verr)
			return
		}
		at = d
	}

	analysis, err := s.svc.Analysis.Analyze(r.Context(), owner, period, kind, at)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// handleAudit replays the owner's log and reports drift. The report is
// returned with 200 whether or not drift was found.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, owner string) {
	report, err := s.svc.Auditor.Audit(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		core.AuditReport
		Consistent bool `json:"consistent"`
	}{report, report.Consistent()})
}
