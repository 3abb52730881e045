package http

import (
	"net/http"
)

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request, owner string) {
	budgets, err := s.svc.Query.GetBudgets(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(budgets))
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request, owner string) {
	b, err := s.svc.Query.GetBudget(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request, owner string) {
	var req budgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.svc.Budgets.Create(r.Context(), owner, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleUpdateBudget(w http.ResponseWriter, r *http.Request, owner string) {
	var req budgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.svc.Budgets.Update(r.Context(), owner, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.svc.Budgets.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluateBudget(w http.ResponseWriter, r *http.Request, owner string) {
	eval, err := s.svc.Evaluator.Evaluate(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleEvaluateBudgets(w http.ResponseWriter, r *http.Request, owner string) {
	evals, err := s.svc.Evaluator.EvaluateAll(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(evals))
}
