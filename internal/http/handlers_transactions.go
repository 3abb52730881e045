package http

import (
	"net/http"
)

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request, owner string) {
	filter, err := parseTransactionFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := s.svc.Query.GetTransactions(r.Context(), owner, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request, owner string) {
	txn, err := s.svc.Query.GetTransaction(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) handleRecordTransaction(w http.ResponseWriter, r *http.Request, owner string) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	draft, err := req.toDraft(s.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	txn, err := s.svc.Ledger.Record(r.Context(), owner, draft)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/transactions/"+txn.ID)
	writeJSON(w, http.StatusCreated, txn)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.svc.Ledger.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
