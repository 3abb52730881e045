package http

import (
	"net/http"

	"ledgerd/internal/core"
	"ledgerd/internal/services"
)

type provisionResponse struct {
	Accounts []core.Account      `json:"accounts"`
	Summary  core.BalanceSummary `json:"summary"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request, owner string) {
	accounts, err := s.svc.Accounts.Provision(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.svc.Query.GetBalanceSummary(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{Accounts: nonNil(accounts), Summary: summary})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request, owner string) {
	accounts, err := s.svc.Query.GetAccounts(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accounts))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, owner string) {
	account, err := s.svc.Query.GetAccount(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request, owner string) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	account, err := s.svc.Accounts.CreateAccount(r.Context(), owner, req.toInput())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// handleUpdateAccount changes metadata only. Balance fields are not part of
// the patch and are rejected as unknown.
func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request, owner string) {
	var patch services.AccountPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	account, err := s.svc.Accounts.UpdateAccount(r.Context(), owner, r.PathValue("id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.svc.Accounts.DeleteAccount(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
