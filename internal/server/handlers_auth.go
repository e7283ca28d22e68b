package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/auth"
)

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Tenant   string `json:"tenant,omitempty"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	user, err := s.deps.Auth.CreateUser(r.Context(), req.Username, req.Password, req.Tenant)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			writeError(w, http.StatusConflict, "username already registered", "USER_EXISTS")
		default:
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"username": user.Username,
		"tenant":   user.Tenant,
	})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleToken implements the password grant. Credentials arrive either as a
// JSON body or as a classic form post.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var username, password string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
			return
		}
		username, password = req.Username, req.Password
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body", "PARSE_ERROR")
			return
		}
		username = r.PostFormValue("username")
		password = r.PostFormValue("password")
	}

	user, err := s.deps.Auth.Authenticate(r.Context(), username, password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserDisabled):
			writeError(w, http.StatusUnauthorized, "invalid username or password", "UNAUTHENTICATED")
		default:
			writeError(w, http.StatusInternalServerError, "authentication unavailable", "INTERNAL_ERROR")
		}
		return
	}

	token, expires, err := s.deps.Auth.IssueToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(expires).Seconds()),
	})
}
