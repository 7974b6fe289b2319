package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"codex-relay/internal/account"
	"codex-relay/internal/store"
)

// serveAdmin applies the same API-key check as proxied traffic before
// dispatching to the admin mux.
func (s *Server) serveAdmin(mux *http.ServeMux, w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORSPreflight(w)
		return
	}
	if key := s.proxyCfg.Get().APIKey; key != "" && !apiKeyValid(r.Header, key) {
		writeJSONError(w, http.StatusUnauthorized, "invalid_api_key")
		return
	}
	mux.ServeHTTP(w, r)
}

func (s *Server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /_relay/status", s.handleStatus)
	mux.HandleFunc("POST /_relay/reload", s.handleReload)

	mux.HandleFunc("GET /_relay/accounts", s.handleListAccounts)
	mux.HandleFunc("DELETE /_relay/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /_relay/accounts/{id}/label", s.handleUpdateLabel)
	mux.HandleFunc("POST /_relay/accounts/{id}/reset", s.handleResetAccount)
	mux.HandleFunc("GET /_relay/accounts/{id}/usage", s.handleAccountUsage)
	mux.HandleFunc("POST /_relay/accounts/import", s.handleImportCurrent)
	mux.HandleFunc("POST /_relay/accounts/{id}/switch", s.handleSwitchAccount)

	mux.HandleFunc("GET /_relay/logs", s.handleListLogs)
	mux.HandleFunc("GET /_relay/logs/{id}", s.handleLogDetail)
	mux.HandleFunc("DELETE /_relay/logs", s.handleClearLogs)

	mux.HandleFunc("GET /_relay/config", s.handleGetConfig)
	mux.HandleFunc("PUT /_relay/config", s.handleUpdateConfig)
	mux.HandleFunc("POST /_relay/apikey", s.handleGenerateAPIKey)
	mux.HandleFunc("GET /_relay/codex-config", s.handleCodexConfig)
	mux.HandleFunc("GET /_relay/events", s.handleEvents)

	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Reload(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Status())
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	states := s.pool.Snapshot()
	byID := make(map[string]int, len(states))
	for i, st := range states {
		byID[st.ID] = i
	}

	type row struct {
		*account.Account
		State string `json:"state,omitempty"`
	}
	rows := make([]row, 0, len(accounts))
	for _, a := range accounts {
		rw := row{Account: a}
		if i, ok := byID[a.ID]; ok {
			rw.State = states[i].State
		}
		rows = append(rows, rw)
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Delete(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.pool.Reload(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUpdateLabel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if err := s.accounts.UpdateLabel(r.PathValue("id"), body.Label); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.ResetAccount(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "account_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAccountUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.usage.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImportCurrent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	id, err := s.accounts.ImportCurrent(body.Label)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, account.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, err.Error())
		return
	}
	if err := s.pool.Reload(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Switch(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, account.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "logging_disabled")
		return
	}
	q := store.Query{
		Filter:     r.URL.Query().Get("filter"),
		ErrorsOnly: r.URL.Query().Get("errors_only") == "true",
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	logs, err := s.sink.List(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.sink.Count(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*store.LogSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "logs": logs})
}

func (s *Server) handleLogDetail(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "logging_disabled")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request")
		return
	}
	detail, err := s.sink.Detail(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "log_not_found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "logging_disabled")
		return
	}
	if err := s.sink.Clear(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proxyCfg.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey        *string `json:"api_key"`
		EnableLogging *bool   `json:"enable_logging"`
		MaxLogs       *int    `json:"max_logs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request")
		return
	}
	cfg, err := s.proxyCfg.Update(body.APIKey, body.EnableLogging, body.MaxLogs)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": "sk-" + hex.EncodeToString(b[:])})
}

func (s *Server) handleCodexConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.accounts.Config()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.logs.Recent())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
