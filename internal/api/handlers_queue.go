// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
)

type queueConfig struct {
	Concurrency    int `json:"concurrency"`
	MaxConcurrency int `json:"max_concurrency"`
	Active         int `json:"active"`
	Pending        int `json:"pending"`
}

func (s *Server) handleGetQueueConfig(w http.ResponseWriter, r *http.Request) {
	st := s.pool.Status()
	writeJSON(w, http.StatusOK, queueConfig{
		Concurrency:    st.Concurrency,
		MaxConcurrency: s.pool.MaxConcurrency(),
		Active:         st.Active,
		Pending:        st.Pending,
	})
}

func (s *Server) handleSetQueueConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Concurrency int `json:"concurrency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Concurrency < 1 || req.Concurrency > s.pool.MaxConcurrency() {
		writeError(w, http.StatusBadRequest, "concurrency out of range")
		return
	}

	applied := s.pool.SetConcurrency(req.Concurrency)
	st := s.pool.Status()
	writeJSON(w, http.StatusOK, queueConfig{
		Concurrency:    applied,
		MaxConcurrency: s.pool.MaxConcurrency(),
		Active:         st.Active,
		Pending:        st.Pending,
	})
}
