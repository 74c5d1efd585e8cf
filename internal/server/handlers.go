package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"mcphub/internal/connection"
	"mcphub/internal/session"
)

// connectRequest is the body of POST /api/sessions.
type connectRequest struct {
	UserID        string `json:"userId"`
	ServerName    string `json:"serverName"`
	ServerURL     string `json:"serverUrl"`
	TransportType string `json:"transportType"`
}

// connectResponse reports the outcome of a connect attempt. When the remote
// server demands authorization, Status is "authorization_required" and
// AuthorizationURL carries the URL the browser must visit.
type connectResponse struct {
	SessionID        string `json:"sessionId"`
	Status           string `json:"status"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
}

type sessionSummary struct {
	SessionID  string `json:"sessionId"`
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName"`
	ServerURL  string `json:"serverUrl"`
	Active     bool   `json:"active"`
}

type callToolRequest struct {
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ServerURL == "" {
		writeError(w, http.StatusBadRequest, "userId and serverUrl are required")
		return
	}
	transportType := session.TransportType(req.TransportType)
	if !transportType.Valid() {
		writeError(w, http.StatusBadRequest, "transportType must be sse or streamable_http")
		return
	}

	mgr, err := s.cfg.Rehydrator.Open(r.Context(), req.UserID, uuid.NewString(), req.ServerName, req.ServerURL, transportType)
	if err != nil {
		s.writeStoreAwareError(w, err)
		return
	}

	err = mgr.Connect(r.Context())

	var authErr *connection.AuthorizationRequiredError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, connectResponse{
			SessionID: mgr.SessionID(),
			Status:    "connected",
		})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusOK, connectResponse{
			SessionID:        mgr.SessionID(),
			Status:           "authorization_required",
			AuthorizationURL: authErr.AuthorizationURL,
		})
	default:
		s.logger.Warn("Connect failed",
			"server_url", req.ServerURL,
			"error", err)
		s.writeStoreAwareError(w, err)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}

	ids, err := s.cfg.Store.ListUserSessions(r.Context(), userID)
	if err != nil {
		s.writeStoreAwareError(w, err)
		return
	}

	summaries := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.cfg.Store.Get(r.Context(), id)
		if err != nil {
			s.writeStoreAwareError(w, err)
			return
		}
		if rec == nil {
			continue
		}
		summaries = append(summaries, sessionSummary{
			SessionID:  rec.SessionID,
			ServerID:   rec.ServerID,
			ServerName: rec.ServerName,
			ServerURL:  rec.ServerURL,
			Active:     rec.Active,
		})
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.cfg.Rehydrator.Remove(r.Context(), sessionID); err != nil {
		s.writeStoreAwareError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.rehydrateOrFail(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	tools, err := mgr.ListTools(r.Context())
	if err != nil {
		s.writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.rehydrateOrFail(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	var req callToolRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := mgr.CallTool(r.Context(), r.PathValue("name"), req.Arguments)
	if err != nil {
		s.writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}

	configs, err := s.cfg.Materializer.Materialize(r.Context(), userID)
	if err != nil {
		s.writeStoreAwareError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

// rehydrateOrFail rebuilds a manager for the session or writes the
// appropriate error response.
func (s *Server) rehydrateOrFail(w http.ResponseWriter, r *http.Request, sessionID string) (*connection.Manager, bool) {
	mgr, err := s.cfg.Rehydrator.Rehydrate(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, connection.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "no such session")
			return nil, false
		}
		s.writeToolError(w, err)
		return nil, false
	}
	return mgr, true
}

// writeToolError maps connection-layer failures onto HTTP statuses:
// authorization problems are 401 with the authorization URL when one is
// pending, store outages are 503, everything else is 502 because the remote
// server, not this process, failed.
func (s *Server) writeToolError(w http.ResponseWriter, err error) {
	var authErr *connection.AuthorizationRequiredError
	switch {
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, connectResponse{
			Status:           "authorization_required",
			AuthorizationURL: authErr.AuthorizationURL,
		})
	case errors.Is(err, session.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
	case errors.Is(err, connection.ErrNotConnected):
		writeError(w, http.StatusConflict, "session is not connected")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeStoreAwareError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
