package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/flowpbx/tdmcore/internal/api/middleware"
)

// tokenRequest is the body of POST /auth/token.
type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleToken exchanges the operator password for a bearer token. The
// username is recorded in the token and the logs; the password is shared.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil || s.cfg.APIPasswordHash == "" || len(s.jwtSecret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "operator login is not configured")
		return
	}

	var req tokenRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := firstError(
		validateRequiredStringLen("username", req.Username, maxNameLen),
		validateNoControlChars("username", req.Username),
		validateRequiredStringLen("password", req.Password, maxPasswordLen),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.APIPasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("operator login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret, req.Username)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("operator token issued", "username", req.Username)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}
