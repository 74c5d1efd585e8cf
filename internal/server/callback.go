package server

import (
	"errors"
	"fmt"
	"net/http"

	"mcphub/internal/connection"
	"mcphub/internal/session"
)

// handleOAuthCallback completes a pending authorization. The state parameter
// is the session id of the handshake that started the flow; a state that
// does not resolve to an existing session record is rejected outright rather
// than treated as a new session.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		s.logger.Warn("OAuth callback returned an error",
			"error", errCode,
			"description", query.Get("error_description"))
		writeCallbackPage(w, http.StatusBadRequest,
			fmt.Sprintf("Authorization failed: %s", errCode))
		return
	}

	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		writeCallbackPage(w, http.StatusBadRequest, "Missing state or code parameter")
		return
	}

	mgr, err := s.cfg.Rehydrator.Rehydrate(r.Context(), state)
	if err != nil {
		if errors.Is(err, connection.ErrSessionNotFound) {
			s.logger.Warn("OAuth callback with unknown state",
				"state", session.ShortID(state))
			writeCallbackPage(w, http.StatusBadRequest, "Unknown or expired authorization state")
			return
		}
		s.logger.Error("Failed to rehydrate session for OAuth callback",
			"session_id", session.ShortID(state),
			"error", err)
		writeCallbackPage(w, http.StatusInternalServerError, "Failed to resume session")
		return
	}

	if err := mgr.FinishAuth(r.Context(), code); err != nil {
		s.logger.Error("Failed to complete authorization",
			"session_id", session.ShortID(state),
			"server_url", mgr.ServerURL(),
			"error", err)
		writeCallbackPage(w, http.StatusBadGateway, "Failed to complete authorization")
		return
	}

	s.logger.Info("Authorization completed",
		"session_id", session.ShortID(state),
		"server_url", mgr.ServerURL())

	writeCallbackPage(w, http.StatusOK, "Authorization successful. You can close this window.")
}

func writeCallbackPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>MCP Authorization</title></head>
<body><p>%s</p></body>
</html>
`, message)
}
